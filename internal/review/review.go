// Package review resolves conflicting entity changes, either
// automatically or by prompting per field on a terminal, and renders
// payload diffs for humans.
package review

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/schaermu/wsync/internal/conflict"
	"github.com/schaermu/wsync/internal/entity"
	"github.com/schaermu/wsync/internal/treediff"
)

// Direction is the way changes flow in a sync
type Direction string

const (
	Push Direction = "push"
	Pull Direction = "pull"
)

// Conflict is an entity changed on both sides since the last sync
type Conflict struct {
	Ref       entity.Ref
	Direction Direction
	Local     any
	Remote    any
	Result    conflict.Result
}

// Incoming returns the side being propagated: local on push, remote on pull
func (c Conflict) Incoming() any {
	if c.Direction == Push {
		return c.Local
	}
	return c.Remote
}

// Target returns the side being overwritten
func (c Conflict) Target() any {
	if c.Direction == Push {
		return c.Remote
	}
	return c.Local
}

// Reviewer decides how a conflict is resolved. It returns the payload to
// write to the target side, or ok=false to leave the entity unresolved.
type Reviewer interface {
	Review(ctx context.Context, c Conflict) (merged any, ok bool, err error)
}

// Auto accepts every incoming change
type Auto struct{}

// Review implements Reviewer
func (Auto) Review(_ context.Context, c Conflict) (any, bool, error) {
	return treediff.Clone(c.Incoming()), true, nil
}

// Unresolved leaves every conflict unresolved
type Unresolved struct{}

// Review implements Reviewer
func (Unresolved) Review(context.Context, Conflict) (any, bool, error) {
	return nil, false, nil
}

// Merge applies the incoming value of every accepted field to the target
// side. Fields are indexed as in c.Result.Fields.
func Merge(c Conflict, accepted []bool) any {
	merged := treediff.Clone(c.Target())
	var removals []treediff.Path
	for i, f := range c.Result.Fields {
		if i >= len(accepted) || !accepted[i] {
			continue
		}
		value, exists := f.Remote, f.RemoteExists
		if c.Direction == Push {
			value, exists = f.Local, f.LocalExists
		}
		if exists {
			merged = treediff.Set(merged, f.Path, value)
		} else {
			removals = append(removals, f.Path)
		}
	}
	// later array indices first so earlier removals do not shift them
	for i := len(removals) - 1; i >= 0; i-- {
		merged = treediff.Delete(merged, removals[i])
	}
	return merged
}

// ErrAborted is returned when the user quits an interactive review
var ErrAborted = errors.New("review aborted")

// Terminal prompts for every conflicting field. Prompts of concurrent
// reviews are serialized.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
	mu  sync.Mutex
}

// NewTerminal creates a Terminal reading answers from in
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out}
}

// ForStdio returns Auto when yes is set, a Terminal when stdin is an
// interactive terminal and Unresolved otherwise
func ForStdio(yes bool) Reviewer {
	if yes {
		return Auto{}
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return NewTerminal(os.Stdin, os.Stdout)
	}
	return Unresolved{}
}

// Review implements Reviewer. Answers: y accepts the field, n keeps the
// target value, a accepts this and all remaining fields, q aborts.
func (t *Terminal) Review(ctx context.Context, c Conflict) (any, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	incoming, target := "remote", "local"
	if c.Direction == Push {
		incoming, target = "local", "remote"
	}
	header := color.New(color.Bold)
	_, _ = header.Fprintf(t.out, "Conflict in %s (%d fields)\n", c.Ref, len(c.Result.Fields))

	accepted := make([]bool, len(c.Result.Fields))
	all := false
	for i, f := range c.Result.Fields {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if all {
			accepted[i] = true
			continue
		}

		targetValue, targetExists := f.Local, f.LocalExists
		incomingValue, incomingExists := f.Remote, f.RemoteExists
		if c.Direction == Push {
			targetValue, targetExists = f.Remote, f.RemoteExists
			incomingValue, incomingExists = f.Local, f.LocalExists
		}
		secret := isSecretPath(c, f.Path)
		_, _ = fmt.Fprintf(t.out, "  %s\n", f.Path)
		_, _ = color.New(color.FgRed).Fprintf(t.out, "  - %s: %s\n", target, formatValue(targetValue, targetExists, secret))
		_, _ = color.New(color.FgGreen).Fprintf(t.out, "  + %s: %s\n", incoming, formatValue(incomingValue, incomingExists, secret))

		answer, err := t.ask(fmt.Sprintf("  Apply %s change? [y/n/a/q] ", incoming))
		if err != nil {
			return nil, false, err
		}
		switch answer {
		case "y", "yes":
			accepted[i] = true
		case "a", "all":
			accepted[i] = true
			all = true
		case "q", "quit":
			return nil, false, ErrAborted
		}
	}

	for _, ok := range accepted {
		if ok {
			return Merge(c, accepted), true, nil
		}
	}
	return nil, false, nil
}

func (t *Terminal) ask(prompt string) (string, error) {
	_, _ = fmt.Fprint(t.out, prompt)
	line, err := t.in.ReadString('\n')
	switch {
	case errors.Is(err, io.EOF) && line == "":
		return "", ErrAborted
	case err != nil && !errors.Is(err, io.EOF):
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.ToLower(strings.TrimSpace(line)), nil
}

// isSecretPath reports whether path points into the secret value of a
// secret entity on either side
func isSecretPath(c Conflict, path treediff.Path) bool {
	if !path.HasPrefix(treediff.Path{"value"}) {
		return false
	}
	return entity.IsSecret(c.Ref.Kind, c.Local) || entity.IsSecret(c.Ref.Kind, c.Remote)
}

func formatValue(v any, exists, secret bool) string {
	switch {
	case !exists:
		return "(absent)"
	case secret:
		return entity.SecretMask
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
