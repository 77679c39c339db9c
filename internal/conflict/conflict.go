// Package conflict classifies three-way divergence between a base
// snapshot, the local copy and the remote copy of one entity.
package conflict

import (
	"github.com/schaermu/wsync/internal/treediff"
)

// Side names which copy of an entity prevails
type Side string

const (
	SideNone   Side = ""
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	SideBoth   Side = "both"
)

// Field is one competing value pair at a path where local and remote disagree
type Field struct {
	Path        treediff.Path
	Local       any
	Remote      any
	LocalExists bool
	// RemoteExists is false when the remote copy removed the field
	RemoteExists bool
}

// Result is the outcome of a three-way comparison
type Result struct {
	BaseLocal   []treediff.Difference
	BaseRemote  []treediff.Difference
	LocalRemote []treediff.Difference

	// Conflict is set when both sides changed since base and disagree
	Conflict bool
	// Winner is the side whose changes prevail when there is no conflict.
	// SideBoth means both sides converged on the same value and SideNone
	// means neither changed.
	Winner Side
	// Fields lists per-path competing values; only set on conflict
	Fields []Field
}

// Detect compares base, local and remote:
//
//	conflict  iff diff(B,L) != {} and diff(B,R) != {} and diff(L,R) != {}
//	converged iff diff(B,L) != {} and diff(B,R) != {} and diff(L,R) == {}
//	otherwise the changed side (if any) wins.
func Detect(base, local, remote any) Result {
	r := Result{
		BaseLocal:   treediff.Diff(base, local),
		BaseRemote:  treediff.Diff(base, remote),
		LocalRemote: treediff.Diff(local, remote),
	}

	localChanged := len(r.BaseLocal) > 0
	remoteChanged := len(r.BaseRemote) > 0

	switch {
	case localChanged && remoteChanged && len(r.LocalRemote) > 0:
		r.Conflict = true
		r.Fields = fieldsOf(r.LocalRemote)
	case localChanged && remoteChanged:
		r.Winner = SideBoth
	case localChanged:
		r.Winner = SideLocal
	case remoteChanged:
		r.Winner = SideRemote
	}
	return r
}

// fieldsOf turns local->remote differences into competing value pairs
func fieldsOf(diffs []treediff.Difference) []Field {
	fields := make([]Field, 0, len(diffs))
	for _, d := range diffs {
		f := Field{Path: d.Path}
		switch d.Kind {
		case treediff.Create:
			f.Remote, f.RemoteExists = d.Value, true
		case treediff.Remove:
			f.Local, f.LocalExists = d.OldValue, true
		case treediff.Change:
			f.Local, f.LocalExists = d.OldValue, true
			f.Remote, f.RemoteExists = d.Value, true
		}
		fields = append(fields, f)
	}
	return fields
}
