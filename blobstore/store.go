// Package blobstore stores document export artifacts and attachments.
//
// Artifacts are written once and read whole; there is no partial update.
// Implementations must be safe for concurrent use.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when an artifact does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is an abstraction over artifact storage backends.
type Store interface {
	// Put writes the artifact under name, replacing any previous content.
	Put(ctx context.Context, name string, r io.Reader) error
	// Get opens the artifact for reading. The caller must close the reader.
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	// Delete removes the artifact. Deleting a missing artifact is not an
	// error.
	Delete(ctx context.Context, name string) error
	// List returns the names of all artifacts with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ReadAll fetches an artifact into memory.
func ReadAll(ctx context.Context, s Store, name string) ([]byte, error) {
	r, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
