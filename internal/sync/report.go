package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	gosync "sync"

	"github.com/schaermu/wsync/internal/entity"
	"github.com/schaermu/wsync/internal/review"
	"github.com/schaermu/wsync/internal/syncerr"
)

// Status is how handling one entity ended
type Status string

const (
	StatusApplied  Status = "applied"
	StatusPlanned  Status = "planned"
	StatusSkipped  Status = "skipped"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
)

// Outcome reports what happened to one entity
type Outcome struct {
	Kind      entity.Kind  `json:"kind,omitempty"`
	Path      string       `json:"path,omitempty"`
	File      string       `json:"file,omitempty"`
	Action    Action       `json:"action,omitempty"`
	Status    Status       `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorKind syncerr.Kind `json:"error_kind,omitempty"`

	err error
}

func newOutcome(ref entity.Ref, action Action, status Status, reason string) Outcome {
	return Outcome{Kind: ref.Kind, Path: ref.Path, File: ref.File, Action: action, Status: status, Reason: reason}
}

// withError marks o as failed with err
func (o Outcome) withError(status Status, err error) Outcome {
	o.Status = status
	o.Error = err.Error()
	o.ErrorKind, _ = syncerr.KindOf(err)
	o.err = err
	return o
}

// Report is the result of a pull or push
type Report struct {
	Direction review.Direction `json:"direction"`
	DryRun    bool             `json:"dry_run"`
	Outcomes  []Outcome        `json:"outcomes"`
	// Pulled holds the pull run before a stateful push
	Pulled *Report `json:"pulled,omitempty"`

	mu gosync.Mutex
}

func newReport(direction review.Direction, dryRun bool) *Report {
	return &Report{Direction: direction, DryRun: dryRun, Outcomes: []Outcome{}}
}

func (r *Report) add(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outcomes = append(r.Outcomes, o)
}

// sort orders outcomes by kind apply order, then path. Outcomes without a
// kind (unrecognized files) come first.
func (r *Report) sort() {
	sort.SliceStable(r.Outcomes, func(i, j int) bool {
		a, b := r.Outcomes[i], r.Outcomes[j]
		oa, ob := -1, -1
		if a.Kind != "" {
			oa = a.Kind.Order()
		}
		if b.Kind != "" {
			ob = b.Kind.Order()
		}
		if oa != ob {
			return oa < ob
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.File < b.File
	})
}

// Counts returns the number of outcomes per status
func (r *Report) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}

// Err joins every entity failure, and every conflict when failConflicts
// is set, including those of the preceding pull. It returns nil when the
// run succeeded.
func (r *Report) Err(failConflicts bool) error {
	var errs []error
	if r.Pulled != nil {
		if err := r.Pulled.Err(failConflicts); err != nil {
			errs = append(errs, fmt.Errorf("pull: %w", err))
		}
	}
	for _, o := range r.Outcomes {
		switch {
		case o.Status == StatusError:
			errs = append(errs, o.cause())
		case o.Status == StatusConflict && failConflicts:
			errs = append(errs, o.cause())
		}
	}
	return errors.Join(errs...)
}

func (o Outcome) cause() error {
	if o.err != nil {
		return o.err
	}
	name := o.Path
	if name == "" {
		name = o.File
	}
	if o.Error != "" {
		return fmt.Errorf("%s %s: %s", o.Kind, name, o.Error)
	}
	return syncerr.Conflict(name, errors.New(o.Reason))
}

// WriteJSON writes the report as indented JSON
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
