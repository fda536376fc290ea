// Package registry maps documents to the worker process currently serving
// them, backed by a shared store.
//
// The store is modelled as a narrow capability interface (Registry) so the
// coordination logic is testable against an in-memory implementation while a
// deployment points it at a real shared store (see the ddb subpackage).
//
// Store failures always surface to the caller. Treating "store down" as "not
// registered" could hand the same document to two workers, so this package
// never converts a transport error into a negative answer.
package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Registry.Get for a missing key.
var ErrNotFound = errors.New("registry: key not found")

// Registry is the capability interface the worker map needs from a shared
// store: set membership plus plain key/value access. Implementations must be
// safe for concurrent use from multiple processes; membership operations must
// have set semantics, not read-modify-write on a whole blob.
type Registry interface {
	// IsMember reports whether member is in the named set.
	IsMember(ctx context.Context, set, member string) (bool, error)

	// AddMember adds member to the named set.
	AddMember(ctx context.Context, set, member string) error

	// RemoveMember removes member from the named set.
	RemoveMember(ctx context.Context, set, member string) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error

	// SetIfAbsent stores value under key only if the key does not exist.
	// It reports whether the write happened.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
