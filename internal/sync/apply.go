package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/wsync/internal/entity"
	"github.com/schaermu/wsync/internal/remote"
	"github.com/schaermu/wsync/internal/review"
	"github.com/schaermu/wsync/internal/syncerr"
	"github.com/schaermu/wsync/internal/treediff"
)

// errInterrupted marks entities not started because the run was cancelled
var errInterrupted = errors.New("interrupted before this entity was synced")

// execute applies steps kind by kind so referenced entities exist first.
// Deletes run last, in reverse kind order.
func (e *Engine) execute(ctx context.Context, dir review.Direction, steps []Step, report *Report) {
	var writes, deletes []Step
	for _, s := range steps {
		if s.Action.IsDelete() {
			deletes = append(deletes, s)
		} else {
			writes = append(writes, s)
		}
	}
	for _, group := range byKind(writes, false) {
		e.executeGroup(ctx, dir, group, report)
	}
	for _, group := range byKind(deletes, true) {
		e.executeGroup(ctx, dir, group, report)
	}
}

// executeGroup runs steps on a bounded worker pool. Once ctx is cancelled
// no further step starts; started steps finish on a detached context.
func (e *Engine) executeGroup(ctx context.Context, dir review.Direction, steps []Step, report *Report) {
	applyCtx := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(e.opts.Parallel)
	for _, s := range steps {
		if ctx.Err() != nil {
			report.add(newOutcome(s.ref, s.Action, "", s.Reason).withError(StatusError, errInterrupted))
			continue
		}
		g.Go(func() error {
			report.add(e.apply(applyCtx, dir, s))
			return nil
		})
	}
	_ = g.Wait()
}

// byKind groups steps by kind in apply order, or reverse order
func byKind(steps []Step, reverse bool) [][]Step {
	groups := make(map[entity.Kind][]Step)
	var kinds []entity.Kind
	for _, s := range steps {
		if _, ok := groups[s.ref.Kind]; !ok {
			kinds = append(kinds, s.ref.Kind)
		}
		groups[s.ref.Kind] = append(groups[s.ref.Kind], s)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if reverse {
			return kinds[i].Order() > kinds[j].Order()
		}
		return kinds[i].Order() < kinds[j].Order()
	})
	out := make([][]Step, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, groups[k])
	}
	return out
}

// apply performs one step and reports its outcome. Failures never
// propagate beyond the entity.
func (e *Engine) apply(ctx context.Context, dir review.Direction, s Step) Outcome {
	out := newOutcome(s.ref, s.Action, StatusApplied, s.Reason)
	var err error

	switch s.Action {
	case ActionSkip:
		out.Status = StatusSkipped
		switch {
		case s.refreshBase:
			err = e.deps.State.Put(s.ref, s.remote)
		case s.forgetBase && e.opts.Stateful:
			e.deps.State.Delete(s.ref)
		}
	case ActionConflict:
		return e.resolve(ctx, dir, s)
	case ActionPushCreate, ActionPushUpdate:
		err = e.push(ctx, s, s.Action, s.local)
	case ActionPullCreate, ActionPullUpdate:
		err = e.pull(s, s.remote)
	case ActionPushDelete:
		err = e.pushDelete(ctx, s)
	case ActionPullDelete:
		err = e.pullDelete(s)
	default:
		err = fmt.Errorf("unknown action %q", s.Action)
	}

	if err != nil {
		e.logger.Error("failed to sync entity", "action", s.Action, "kind", s.ref.Kind, "path", s.ref.Path, "error", err)
		return out.withError(StatusError, err)
	}
	if out.Status == StatusApplied {
		e.logger.Info("synced entity", "action", s.Action, "kind", s.ref.Kind, "path", s.ref.Path)
	}
	return out
}

// resolve handles a conflicting step: reported as is with FailConflicts,
// otherwise handed to the reviewer whose merge is applied as an update,
// or as a delete when the accepted side no longer has the entity
func (e *Engine) resolve(ctx context.Context, dir review.Direction, s Step) Outcome {
	out := newOutcome(s.ref, ActionConflict, StatusConflict, s.Reason)
	conflictErr := syncerr.Conflict(s.ref.Path, errors.New(s.Reason))
	if e.opts.FailConflicts {
		e.logger.Warn("conflict", "kind", s.ref.Kind, "path", s.ref.Path, "reason", s.Reason)
		return out.withError(StatusConflict, conflictErr)
	}

	c := review.Conflict{Ref: s.ref, Direction: dir, Local: s.local, Remote: s.remote}
	if s.Result != nil {
		c.Result = *s.Result
	}
	merged, ok, err := e.deps.Reviewer.Review(ctx, c)
	if err != nil {
		return out.withError(StatusError, fmt.Errorf("review failed: %w", err))
	}
	if !ok {
		e.logger.Warn("conflict left unresolved", "kind", s.ref.Kind, "path", s.ref.Path)
		return out.withError(StatusConflict, conflictErr)
	}

	var action Action
	switch {
	case dir == review.Push && merged == nil && !s.hasRemote,
		dir == review.Pull && merged == nil && !s.hasLocal:
		// both sides now agree the entity is gone
		action = ActionSkip
		e.dropBase(s)
	case dir == review.Push && merged == nil:
		action, err = ActionPushDelete, e.pushDelete(ctx, s)
	case dir == review.Push && !s.hasRemote:
		action, err = ActionPushCreate, e.push(ctx, s, ActionPushCreate, merged)
	case dir == review.Push:
		action, err = ActionPushUpdate, e.push(ctx, s, ActionPushUpdate, merged)
	case merged == nil:
		action, err = ActionPullDelete, e.pullDelete(s)
	case !s.hasLocal:
		action, err = ActionPullCreate, e.pull(s, merged)
	default:
		action, err = ActionPullUpdate, e.pull(s, merged)
	}

	out = newOutcome(s.ref, action, StatusApplied, "conflict resolved by review")
	if action == ActionSkip {
		out.Status = StatusSkipped
	}
	if err != nil {
		e.logger.Error("failed to apply reviewed change", "action", action, "kind", s.ref.Kind, "path", s.ref.Path, "error", err)
		return out.withError(StatusError, err)
	}
	e.logger.Info("synced entity", "action", action, "kind", s.ref.Kind, "path", s.ref.Path, "reviewed", true)
	return out
}

// push writes payload to the remote, uploading the codebase bundle first
// when the remote does not have the current digest
func (e *Engine) push(ctx context.Context, s Step, action Action, payload any) error {
	if err := e.uploadBundle(ctx, s); err != nil {
		return err
	}
	opts := remote.WriteOptions{PlainSecrets: e.opts.PlainSecrets}
	var err error
	if action == ActionPushCreate {
		err = e.deps.Remote.Create(ctx, s.ref.Kind, s.ref.Path, payload, opts)
	} else {
		err = e.deps.Remote.Update(ctx, s.ref.Kind, s.ref.Path, payload, opts)
	}
	if err != nil {
		return err
	}
	return e.putBase(s, payload)
}

func (e *Engine) pushDelete(ctx context.Context, s Step) error {
	if err := e.deps.Remote.Delete(ctx, s.ref.Kind, s.ref.Path); err != nil {
		return err
	}
	e.dropBase(s)
	return nil
}

// pull writes payload to the local tree. The codebase digest is derived
// from local sources and never stored in the script file.
func (e *Engine) pull(s Step, payload any) error {
	local := payload
	if m, ok := payload.(map[string]any); ok && s.ref.Kind == entity.KindScript {
		if _, ok := m[codebaseField]; ok {
			local = treediff.Delete(m, treediff.Path{codebaseField})
		}
	}
	if err := e.deps.Tree.Write(s.ref, local); err != nil {
		return err
	}
	return e.putBase(s, payload)
}

func (e *Engine) pullDelete(s Step) error {
	if err := e.deps.Tree.Remove(s.ref); err != nil {
		return err
	}
	e.dropBase(s)
	return nil
}

func (e *Engine) putBase(s Step, payload any) error {
	if !e.opts.Stateful {
		return nil
	}
	if err := e.deps.State.Put(s.ref, payload); err != nil {
		return fmt.Errorf("failed to record base: %w", err)
	}
	return nil
}

func (e *Engine) dropBase(s Step) {
	if e.opts.Stateful {
		e.deps.State.Delete(s.ref)
	}
}

// uploadBundle builds (on cache miss) and uploads the bundle of a
// codebase script unless the remote already references its digest
func (e *Engine) uploadBundle(ctx context.Context, s Step) error {
	if s.codebase == nil {
		return nil
	}
	if m, ok := s.remote.(map[string]any); ok && m[codebaseField] == s.digest {
		return nil
	}
	if e.deps.Bundles == nil {
		return syncerr.Validation(s.ref.Path, errors.New("script belongs to a codebase but no bundler is configured"))
	}

	artifact, built, err := e.deps.Bundles.Ensure(ctx, *s.codebase, s.scriptPath, s.digest)
	if err != nil {
		return fmt.Errorf("failed to bundle %s: %w", s.scriptPath, err)
	}
	f, err := e.deps.Bundles.Open(artifact)
	if err != nil {
		return fmt.Errorf("failed to open bundle %s: %w", artifact, err)
	}
	defer func() {
		_ = f.Close()
	}()

	e.logger.Info("uploading bundle", "path", s.ref.Path, "digest", s.digest, "built", built)
	return e.deps.Remote.UploadArtifact(ctx, s.ref.Path, s.digest, f)
}
