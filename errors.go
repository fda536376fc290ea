package docwire

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when operating on a closed worker.
	ErrClosed = errors.New("worker closed")
	// ErrMissingDocID is returned when a connection carries no document id.
	ErrMissingDocID = errors.New("missing docId parameter")
)

// ErrDocAssignedElsewhere indicates a document is already served by another
// worker. Clients should reconnect to that worker's public URL.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDocAssignedElsewhere struct {
	DocID    string
	WorkerID string
	cause    error
}

func (e *ErrDocAssignedElsewhere) Error() string {
	return fmt.Sprintf("doc %s is assigned to worker %s", e.DocID, e.WorkerID)
}

func (e *ErrDocAssignedElsewhere) Unwrap() error { return e.cause }

// ErrExportFailed indicates an export artifact could not be written.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrExportFailed struct {
	DocID string
	Name  string
	cause error
}

func (e *ErrExportFailed) Error() string {
	return fmt.Sprintf("export %s for doc %s failed", e.Name, e.DocID)
}

func (e *ErrExportFailed) Unwrap() error { return e.cause }
