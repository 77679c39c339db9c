package sync

import (
	"github.com/schaermu/wsync/internal/codebase"
	"github.com/schaermu/wsync/internal/conflict"
	"github.com/schaermu/wsync/internal/entity"
	"github.com/schaermu/wsync/internal/treediff"
)

// Action is what a sync does with one entity
type Action string

const (
	ActionPushCreate Action = "push-create"
	ActionPushUpdate Action = "push-update"
	ActionPushDelete Action = "push-delete"
	ActionPullCreate Action = "pull-create"
	ActionPullUpdate Action = "pull-update"
	ActionPullDelete Action = "pull-delete"
	ActionConflict   Action = "conflict"
	ActionSkip       Action = "skip"
)

// IsDelete reports whether a removes an entity
func (a Action) IsDelete() bool {
	return a == ActionPushDelete || a == ActionPullDelete
}

// entry gathers the three copies of one entity captured before any change
// is applied
type entry struct {
	ref       entity.Ref
	local     any
	remote    any
	base      any
	hasLocal  bool
	hasRemote bool
	hasBase   bool

	// set for scripts bundled from a codebase
	codebase   *codebase.Codebase
	scriptPath string
	digest     string
}

// Step is the planned action for one entity
type Step struct {
	entry
	Action Action
	Reason string
	// Result holds the three-way comparison of conflicting steps
	Result *conflict.Result

	refreshBase bool
	forgetBase  bool
}

// planPush decides how local changes reach the remote. With a base
// snapshot an entity missing on one side counts as deleted there rather
// than as never created.
func planPush(e entry, stateful bool) Step {
	s := Step{entry: e}
	switch {
	case e.hasLocal && !e.hasRemote:
		switch {
		case !stateful || !e.hasBase:
			s.Action = ActionPushCreate
		case treediff.Equal(e.base, e.local):
			s.Action, s.Reason = ActionSkip, "only deleted remotely"
		default:
			r := conflict.Detect(e.base, e.local, nil)
			s.Action, s.Reason, s.Result = ActionConflict, "deleted remotely but changed locally", &r
		}
	case e.hasLocal && e.hasRemote:
		if treediff.Equal(e.local, e.remote) {
			s.Action, s.Reason, s.refreshBase = ActionSkip, "unchanged", stateful
			return s
		}
		if !stateful || !e.hasBase {
			s.Action = ActionPushUpdate
			return s
		}
		r := conflict.Detect(e.base, e.local, e.remote)
		switch {
		case r.Conflict:
			s.Action, s.Reason, s.Result = ActionConflict, "changed locally and remotely", &r
		case r.Winner == conflict.SideRemote:
			s.Action, s.Reason = ActionSkip, "only changed remotely"
		default:
			s.Action = ActionPushUpdate
		}
	case e.hasRemote:
		switch {
		case !stateful:
			s.Action = ActionPushDelete
		case !e.hasBase:
			s.Action, s.Reason = ActionSkip, "never synced"
		case treediff.Equal(e.base, e.remote):
			s.Action = ActionPushDelete
		default:
			r := conflict.Detect(e.base, nil, e.remote)
			s.Action, s.Reason, s.Result = ActionConflict, "deleted locally but changed remotely", &r
		}
	default:
		s.Action, s.Reason, s.forgetBase = ActionSkip, "deleted on both sides", true
	}
	return s
}

// planPull decides how remote changes reach the local tree
func planPull(e entry, stateful bool) Step {
	s := Step{entry: e}
	switch {
	case e.hasRemote && !e.hasLocal:
		switch {
		case !stateful || !e.hasBase:
			s.Action = ActionPullCreate
		case treediff.Equal(e.base, e.remote):
			s.Action, s.Reason = ActionSkip, "only deleted locally"
		default:
			r := conflict.Detect(e.base, nil, e.remote)
			s.Action, s.Reason, s.Result = ActionConflict, "deleted locally but changed remotely", &r
		}
	case e.hasRemote && e.hasLocal:
		if treediff.Equal(e.local, e.remote) {
			s.Action, s.Reason, s.refreshBase = ActionSkip, "unchanged", stateful
			return s
		}
		if !stateful || !e.hasBase {
			s.Action = ActionPullUpdate
			return s
		}
		r := conflict.Detect(e.base, e.local, e.remote)
		switch {
		case r.Conflict:
			s.Action, s.Reason, s.Result = ActionConflict, "changed locally and remotely", &r
		case r.Winner == conflict.SideLocal:
			s.Action, s.Reason = ActionSkip, "only changed locally"
		default:
			s.Action = ActionPullUpdate
		}
	case e.hasLocal:
		switch {
		case !stateful:
			s.Action = ActionPullDelete
		case !e.hasBase:
			s.Action, s.Reason = ActionSkip, "never synced"
		case treediff.Equal(e.base, e.local):
			s.Action = ActionPullDelete
		default:
			r := conflict.Detect(e.base, e.local, nil)
			s.Action, s.Reason, s.Result = ActionConflict, "deleted remotely but changed locally", &r
		}
	default:
		s.Action, s.Reason, s.forgetBase = ActionSkip, "deleted on both sides", true
	}
	return s
}
