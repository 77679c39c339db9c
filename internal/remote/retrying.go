package remote

import (
	"context"
	"io"
	"log/slog"

	"github.com/schaermu/wsync/internal/entity"
	"github.com/schaermu/wsync/internal/retry"
)

// Retrying decorates a Client, retrying transport failures with backoff
type Retrying struct {
	next   Client
	cfg    retry.Config
	logger *slog.Logger
}

// WithRetry wraps next so every call is retried according to cfg
func WithRetry(next Client, cfg retry.Config, logger *slog.Logger) *Retrying {
	return &Retrying{next: next, cfg: cfg, logger: logger}
}

func (r *Retrying) attempt(op string, kind entity.Kind, path string, fn func() error) func() error {
	n := 0
	return func() error {
		n++
		err := fn()
		if err != nil {
			r.logger.Debug("remote call failed", "op", op, "kind", kind, "path", path, "attempt", n, "error", err)
		}
		return err
	}
}

// List implements Client
func (r *Retrying) List(ctx context.Context, kind entity.Kind, opts ReadOptions) ([]Item, error) {
	var items []Item
	err := retry.Do(ctx, r.cfg, r.attempt("list", kind, "", func() error {
		var err error
		items, err = r.next.List(ctx, kind, opts)
		return err
	}))
	return items, err
}

// Create implements Client
func (r *Retrying) Create(ctx context.Context, kind entity.Kind, path string, payload any, opts WriteOptions) error {
	return retry.Do(ctx, r.cfg, r.attempt("create", kind, path, func() error {
		return r.next.Create(ctx, kind, path, payload, opts)
	}))
}

// Update implements Client
func (r *Retrying) Update(ctx context.Context, kind entity.Kind, path string, payload any, opts WriteOptions) error {
	return retry.Do(ctx, r.cfg, r.attempt("update", kind, path, func() error {
		return r.next.Update(ctx, kind, path, payload, opts)
	}))
}

// Delete implements Client
func (r *Retrying) Delete(ctx context.Context, kind entity.Kind, path string) error {
	return retry.Do(ctx, r.cfg, r.attempt("delete", kind, path, func() error {
		return r.next.Delete(ctx, kind, path)
	}))
}

// UploadArtifact implements Client. The artifact reader is consumed by
// the first attempt, so seekable readers are rewound before a retry and
// other readers are not retried.
func (r *Retrying) UploadArtifact(ctx context.Context, path, digest string, artifact io.Reader) error {
	seeker, seekable := artifact.(io.Seeker)
	if !seekable {
		return r.next.UploadArtifact(ctx, path, digest, artifact)
	}
	return retry.Do(ctx, r.cfg, r.attempt("upload", entity.KindScript, path, func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return r.next.UploadArtifact(ctx, path, digest, artifact)
	}))
}
