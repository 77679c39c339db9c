// Package syncerr defines the error kinds produced while reconciling a
// single entity. The engine recovers these per entity and aggregates them
// into the final report; only setup failures abort a whole command.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a per-entity failure
type Kind string

const (
	// KindValidation marks a schema or payload mismatch. Never retried.
	KindValidation Kind = "validation"
	// KindConflict marks a three-way divergence that was not resolved.
	KindConflict Kind = "conflict"
	// KindTransport marks a network failure, timeout or 5xx. Retryable.
	KindTransport Kind = "transport"
	// KindUnknownEntityType marks a file whose suffix maps to no entity kind.
	KindUnknownEntityType Kind = "unknown_entity_type"
)

// Error is a classified failure tied to one entity path
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation wraps err as a validation failure for path
func Validation(path string, err error) error {
	return wrap(KindValidation, path, err)
}

// Conflict wraps err as an unresolved conflict for path
func Conflict(path string, err error) error {
	return wrap(KindConflict, path, err)
}

// Transport wraps err as a retryable transport failure for path
func Transport(path string, err error) error {
	return wrap(KindTransport, path, err)
}

// UnknownEntityType reports that the file at path has no recognized suffix
func UnknownEntityType(path string) error {
	return &Error{Kind: KindUnknownEntityType, Path: path, Err: errors.New("unrecognized entity file suffix")}
}

func wrap(kind Kind, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Path: path, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors report ok=false.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsRetryable reports whether err should be retried with backoff
func IsRetryable(err error) bool {
	return Is(err, KindTransport)
}
