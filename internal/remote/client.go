// Package remote talks to the workspace API: per-kind list, create,
// update and delete of entity payloads.
package remote

import (
	"context"
	"io"

	"github.com/schaermu/wsync/internal/entity"
)

// Item is one remote entity
type Item struct {
	Path    string
	Payload any
}

// ReadOptions configures List
type ReadOptions struct {
	// PlainSecrets asks for decrypted secret values instead of
	// encrypted references
	PlainSecrets bool
}

// WriteOptions configures Create and Update
type WriteOptions struct {
	// PlainSecrets marks secret values in the payload as cleartext; when
	// false they are sent as already encrypted references
	PlainSecrets bool
}

// Client is the remote workspace API. Implementations report failures as
// syncerr Transport (retryable) or Validation errors.
type Client interface {
	// List returns every entity of kind with its full payload
	List(ctx context.Context, kind entity.Kind, opts ReadOptions) ([]Item, error)
	// Create adds a new entity at path
	Create(ctx context.Context, kind entity.Kind, path string, payload any, opts WriteOptions) error
	// Update replaces the entity at path
	Update(ctx context.Context, kind entity.Kind, path string, payload any, opts WriteOptions) error
	// Delete removes the entity at path
	Delete(ctx context.Context, kind entity.Kind, path string) error
	// UploadArtifact stores a bundled codebase artifact for the script at path
	UploadArtifact(ctx context.Context, path, digest string, artifact io.Reader) error
}
