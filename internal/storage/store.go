// Package storage persists generated PDFs for the length of their retention
// window. Backends are a local directory or a MinIO/S3 bucket.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"md2pdf/internal/domain"
	u "md2pdf/internal/utils"
)

// Object is a stored file as seen by List.
type Object struct {
	Name     string
	Size     int64
	Modified time.Time
}

// Store is the transient file store. Delete must treat a missing name as success.
type Store interface {
	Save(ctx context.Context, name string, data []byte) error
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Object, error)
	Ping(ctx context.Context) error
}

// New builds the backend selected by storage.backend.
func New(ctx context.Context, cfg u.Config) (Store, error) {
	switch cfg.Storage.Backend {
	case "local":
		return NewLocalStore(cfg.Storage.Dir)
	case "minio":
		return NewMinIOStore(ctx, cfg.Storage.MinIO)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", domain.ErrStorage, cfg.Storage.Backend)
	}
}
