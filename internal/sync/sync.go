// Package sync reconciles the local workspace tree with the remote
// workspace, entity by entity, optionally against a stored base snapshot.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/wsync/internal/codebase"
	"github.com/schaermu/wsync/internal/entity"
	"github.com/schaermu/wsync/internal/inline"
	"github.com/schaermu/wsync/internal/remote"
	"github.com/schaermu/wsync/internal/review"
	"github.com/schaermu/wsync/internal/state"
	"github.com/schaermu/wsync/internal/syncerr"
	"github.com/schaermu/wsync/internal/treediff"
	"github.com/schaermu/wsync/internal/workspace"
)

// codebaseField carries the codebase digest in script payloads
const codebaseField = "codebase"

// Options configures a sync run
type Options struct {
	// Stateful enables three-way comparison against the base snapshot
	Stateful bool
	// Raw compares payloads without normalization
	Raw bool
	// PlainSecrets transmits secret values in cleartext
	PlainSecrets bool
	// FailConflicts reports conflicts instead of reviewing them
	FailConflicts bool
	// SkipPull skips the pull preceding a stateful push
	SkipPull bool
	// DryRun reports planned actions without applying them
	DryRun bool
	// ShowDiffs prints the field changes of every planned write
	ShowDiffs bool
	// DefaultTs is the TypeScript runtime of plain .ts files
	DefaultTs string
	// Parallel bounds concurrent entity operations
	Parallel  int
	Filter    entity.Filter
	Codebases []codebase.Codebase
}

// Deps are the collaborators of an Engine
type Deps struct {
	Remote   remote.Client
	Tree     *workspace.Tree
	State    *state.Store // required when Options.Stateful is set
	Reviewer review.Reviewer
	Bundles  *codebase.Cache // required when codebases are configured
	Printer  *review.Printer // required when Options.ShowDiffs is set
}

// Engine orchestrates pull and push
type Engine struct {
	opts    Options
	deps    Deps
	matcher *entity.Matcher
	logger  *slog.Logger
}

// NewEngine creates a new sync engine
func NewEngine(opts Options, deps Deps, logger *slog.Logger) (*Engine, error) {
	matcher, err := entity.NewMatcher(opts.Filter)
	if err != nil {
		return nil, err
	}
	if opts.Stateful && deps.State == nil {
		return nil, errors.New("stateful sync requires a state store")
	}
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	if deps.Reviewer == nil {
		deps.Reviewer = review.Unresolved{}
	}
	return &Engine{opts: opts, deps: deps, matcher: matcher, logger: logger}, nil
}

// Pull brings remote changes into the local tree
func (e *Engine) Pull(ctx context.Context) (*Report, error) {
	report := newReport(review.Pull, e.opts.DryRun)
	if err := e.run(ctx, review.Pull, report); err != nil {
		return nil, err
	}
	return report, nil
}

// Push sends local changes to the remote. A stateful push pulls first,
// unless SkipPull is set, and is abandoned when that pull fails.
func (e *Engine) Push(ctx context.Context) (*Report, error) {
	report := newReport(review.Push, e.opts.DryRun)

	if e.opts.Stateful && !e.opts.SkipPull {
		e.logger.Info("pulling remote changes before push")
		pulled, err := e.Pull(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to pull before push: %w", err)
		}
		report.Pulled = pulled
		if pulled.Err(e.opts.FailConflicts) != nil {
			e.logger.Warn("pull before push failed, not pushing")
			return report, nil
		}
	}

	if err := e.run(ctx, review.Push, report); err != nil {
		return nil, err
	}
	return report, nil
}

// run executes one direction: collect, plan, apply, persist the base
func (e *Engine) run(ctx context.Context, dir review.Direction, report *Report) error {
	e.logger.Info("starting sync",
		"direction", dir,
		"stateful", e.opts.Stateful,
		"dry_run", e.opts.DryRun)

	entries, err := e.collect(ctx, dir, report)
	if err != nil {
		return err
	}

	steps := make([]Step, 0, len(entries))
	for _, en := range entries {
		if dir == review.Push {
			steps = append(steps, planPush(en, e.opts.Stateful))
			continue
		}
		s := planPull(ignoreCodebase(en), e.opts.Stateful)
		s.entry = en
		steps = append(steps, s)
	}
	e.logPlan(steps)

	if e.opts.DryRun {
		for _, s := range steps {
			status := StatusPlanned
			switch s.Action {
			case ActionSkip:
				status = StatusSkipped
			case ActionConflict:
				status = StatusConflict
			}
			report.add(newOutcome(s.ref, s.Action, status, s.Reason))
		}
		report.sort()
		e.logger.Info("dry-run complete, no changes applied")
		return nil
	}

	e.execute(ctx, dir, steps, report)
	report.sort()

	if e.opts.Stateful {
		if err := e.deps.State.Save(); err != nil {
			return fmt.Errorf("failed to save state: %w", err)
		}
	}

	counts := report.Counts()
	e.logger.Info("sync completed",
		"direction", dir,
		"applied", counts[StatusApplied],
		"skipped", counts[StatusSkipped],
		"conflicts", counts[StatusConflict],
		"errors", counts[StatusError])
	return nil
}

// collect captures the local, remote and base copy of every participating
// entity. Per-entity read failures are recorded in report; only a failed
// scan or remote listing aborts the run.
func (e *Engine) collect(ctx context.Context, dir review.Direction, report *Report) ([]entry, error) {
	entries := make(map[string]*entry)
	get := func(ref entity.Ref) *entry {
		en, ok := entries[ref.Key()]
		if !ok {
			en = &entry{ref: ref}
			entries[ref.Key()] = en
		}
		return en
	}

	refs, unknown, err := e.deps.Tree.Scan()
	if err != nil {
		return nil, err
	}
	for _, err := range unknown {
		var serr *syncerr.Error
		file := ""
		if errors.As(err, &serr) {
			file = serr.Path
		}
		e.logger.Warn("skipping unrecognized file", "file", file)
		report.add(Outcome{File: file}.withError(StatusError, err))
	}

	// entities that failed to load on either side take no further part
	failed := make(map[string]bool)
	digests := make(map[*codebase.Codebase]string)
	for _, ref := range refs {
		if !e.matcher.AllowsKind(ref) {
			continue
		}
		payload, err := e.readLocal(ref, digests, dir == review.Push)
		if err != nil {
			e.logger.Error("failed to read local entity", "kind", ref.Kind, "path", ref.Path, "error", err)
			report.add(newOutcome(ref, "", "", "").withError(StatusError, err))
			failed[ref.Key()] = true
			continue
		}
		if !e.matcher.Allows(ref, payload.value) {
			continue
		}
		en := get(ref)
		en.local, en.hasLocal = payload.value, true
		en.codebase, en.scriptPath, en.digest = payload.codebase, payload.scriptPath, payload.digest
	}

	listed, err := e.listRemote(ctx)
	if err != nil {
		return nil, err
	}
	for _, kind := range entity.Kinds {
		for _, item := range listed[kind] {
			ref := entity.NewRef(kind, item.Path, e.deps.Tree.JSON())
			if en, ok := entries[ref.Key()]; ok {
				ref = en.ref
			}
			if !e.matcher.AllowsKind(ref) {
				continue
			}
			if failed[ref.Key()] {
				continue
			}
			payload, err := entity.Normalize(kind, item.Payload, e.opts.Raw)
			if err != nil {
				report.add(newOutcome(ref, "", "", "").withError(StatusError, syncerr.Validation(ref.Path, err)))
				failed[ref.Key()] = true
				continue
			}
			if !e.matcher.Allows(ref, payload) {
				continue
			}
			en := get(ref)
			en.remote, en.hasRemote = payload, true
		}
	}

	if e.opts.Stateful {
		for _, ref := range e.deps.State.Refs() {
			base, ok := e.deps.State.Get(ref)
			if !ok {
				continue
			}
			if _, known := entries[ref.Key()]; !known && !e.matcher.Allows(ref, base) {
				continue
			}
			en := get(ref)
			en.base, en.hasBase = base, true
		}
	}

	out := make([]entry, 0, len(entries))
	for key, en := range entries {
		if !failed[key] {
			out = append(out, *en)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ref.Key() < out[j].ref.Key() })
	return out, nil
}

type localPayload struct {
	value      any
	codebase   *codebase.Codebase
	scriptPath string
	digest     string
}

// readLocal loads and normalizes a local entity. With withDigest set,
// scripts owned by a codebase get the codebase digest injected.
func (e *Engine) readLocal(ref entity.Ref, digests map[*codebase.Codebase]string, withDigest bool) (localPayload, error) {
	raw, err := e.deps.Tree.Read(ref)
	if err != nil {
		return localPayload{}, err
	}
	value, err := entity.Normalize(ref.Kind, raw, e.opts.Raw)
	if err != nil {
		return localPayload{}, syncerr.Validation(ref.File, err)
	}
	out := localPayload{value: value}

	m, ok := value.(map[string]any)
	if ref.Kind != entity.KindScript || !ok || len(e.opts.Codebases) == 0 || !withDigest {
		return out, nil
	}
	language, _ := m["language"].(string)
	scriptPath := entity.ScriptStem(ref) + "." + inline.Extension(language, e.opts.DefaultTs)
	cb, err := codebase.Find(scriptPath, e.opts.Codebases)
	if err != nil {
		return localPayload{}, syncerr.Validation(ref.File, err)
	}
	if cb == nil {
		return out, nil
	}

	digest, ok := digests[cb]
	if !ok {
		digest, err = codebase.Digest(e.deps.Tree.FS(), *cb)
		if err != nil {
			return localPayload{}, fmt.Errorf("failed to digest codebase %s: %w", cb.Root(), err)
		}
		digests[cb] = digest
	}
	m[codebaseField] = digest
	out.codebase, out.scriptPath, out.digest = cb, scriptPath, digest
	return out, nil
}

// ignoreCodebase returns en without the codebase digest on any side.
// Pull never acts on a digest difference alone: the digest is derived from
// local sources and only travels towards the remote.
func ignoreCodebase(en entry) entry {
	if en.ref.Kind != entity.KindScript {
		return en
	}
	strip := func(v any) any {
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		if _, ok := m[codebaseField]; !ok {
			return v
		}
		return treediff.Delete(m, treediff.Path{codebaseField})
	}
	en.local, en.remote, en.base = strip(en.local), strip(en.remote), strip(en.base)
	return en
}

// listRemote lists every enabled kind concurrently
func (e *Engine) listRemote(ctx context.Context) (map[entity.Kind][]remote.Item, error) {
	var kinds []entity.Kind
	for _, kind := range entity.Kinds {
		if e.matcher.KindEnabled(kind) {
			kinds = append(kinds, kind)
		}
	}

	results := make([][]remote.Item, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallel)
	for i, kind := range kinds {
		g.Go(func() error {
			items, err := e.deps.Remote.List(gctx, kind, remote.ReadOptions{PlainSecrets: e.opts.PlainSecrets})
			if err != nil {
				return fmt.Errorf("failed to list remote %s: %w", kind, err)
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[entity.Kind][]remote.Item, len(kinds))
	for i, kind := range kinds {
		out[kind] = results[i]
	}
	return out, nil
}

// logPlan logs planned action counts and, in dry-run, each action
func (e *Engine) logPlan(steps []Step) {
	counts := make(map[Action]int)
	for _, s := range steps {
		counts[s.Action]++
	}
	e.logger.Info("sync plan",
		"create", counts[ActionPushCreate]+counts[ActionPullCreate],
		"update", counts[ActionPushUpdate]+counts[ActionPullUpdate],
		"delete", counts[ActionPushDelete]+counts[ActionPullDelete],
		"conflict", counts[ActionConflict],
		"skip", counts[ActionSkip])

	for _, s := range steps {
		if s.Action == ActionSkip {
			continue
		}
		if e.opts.DryRun {
			e.logger.Info("[dry-run] would "+string(s.Action), "kind", s.ref.Kind, "path", s.ref.Path, "reason", s.Reason)
		}
		if e.opts.ShowDiffs && e.deps.Printer != nil {
			from, to := s.remote, s.local
			if isPull(s.Action) {
				from, to = s.local, s.remote
			}
			e.deps.Printer.PrintDiff(string(s.Action), s.ref, from, to)
		}
	}
}

func isPull(a Action) bool {
	return a == ActionPullCreate || a == ActionPullUpdate || a == ActionPullDelete
}
