package storage

import (
	"context"
	"io"
)

// ObjectStorage is where finished bulk-run archives are published.
type ObjectStorage interface {
	// Upload stores size bytes from reader under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens an object for reading.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the URL clients use to fetch an object.
	GetURL(key string) string

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}
