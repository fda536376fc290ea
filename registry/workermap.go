package registry

import (
	"context"
	"errors"
	"fmt"
)

// DefaultGroup is the membership group for workers registered without an
// explicit group name.
const DefaultGroup = "default"

var (
	// ErrWorkerNotFound is returned when a worker id has no stored metadata.
	ErrWorkerNotFound = errors.New("registry: worker not found")
	// ErrDocNotAssigned is returned when a document has no assigned worker.
	ErrDocNotAssigned = errors.New("registry: doc not assigned to a worker")
)

// WorkerInfo describes one backend worker process.
type WorkerInfo struct {
	// ID uniquely identifies the worker.
	ID string
	// InternalURL is the address other workers and the home server use to
	// reach this worker.
	InternalURL string
	// PublicURL is the address clients are redirected to.
	PublicURL string
	// Group optionally partitions workers (e.g. by deployment tier).
	// Workers without a group share the default pool.
	Group string
}

// availableWorkersKey is the membership set for a worker group.
func availableWorkersKey(group string) string {
	if group == "" {
		group = DefaultGroup
	}
	return "workers-available-" + group
}

func workerKey(id, field string) string {
	return fmt.Sprintf("worker-%s-%s", id, field)
}

func docKey(docID string) string {
	return "doc-" + docID + "-worker"
}

// DocWorkerMap records which worker serves which document and which workers
// belong to which group, on top of a shared Registry.
type DocWorkerMap struct {
	reg Registry
}

// NewDocWorkerMap creates a worker map over reg.
func NewDocWorkerMap(reg Registry) *DocWorkerMap {
	return &DocWorkerMap{reg: reg}
}

// RegisterWorker stores the worker's metadata and adds it to its group's
// availability set. Registering an already-registered worker refreshes its
// metadata.
func (m *DocWorkerMap) RegisterWorker(ctx context.Context, info WorkerInfo) error {
	if info.ID == "" {
		return fmt.Errorf("registry: worker id must not be empty")
	}
	if err := m.reg.Set(ctx, workerKey(info.ID, "internal-url"), info.InternalURL); err != nil {
		return fmt.Errorf("registry: store internal url for worker %s: %w", info.ID, err)
	}
	if err := m.reg.Set(ctx, workerKey(info.ID, "public-url"), info.PublicURL); err != nil {
		return fmt.Errorf("registry: store public url for worker %s: %w", info.ID, err)
	}
	if err := m.reg.Set(ctx, workerKey(info.ID, "group"), info.Group); err != nil {
		return fmt.Errorf("registry: store group for worker %s: %w", info.ID, err)
	}
	if err := m.reg.AddMember(ctx, availableWorkersKey(info.Group), info.ID); err != nil {
		return fmt.Errorf("registry: register worker %s: %w", info.ID, err)
	}
	return nil
}

// DeregisterWorker removes the worker from its group's availability set and
// deletes its metadata.
func (m *DocWorkerMap) DeregisterWorker(ctx context.Context, info WorkerInfo) error {
	if err := m.reg.RemoveMember(ctx, availableWorkersKey(info.Group), info.ID); err != nil {
		return fmt.Errorf("registry: deregister worker %s: %w", info.ID, err)
	}
	for _, field := range []string{"internal-url", "public-url", "group"} {
		if err := m.reg.Delete(ctx, workerKey(info.ID, field)); err != nil {
			return fmt.Errorf("registry: delete %s for worker %s: %w", field, info.ID, err)
		}
	}
	return nil
}

// IsWorkerRegistered reports whether the worker's id is a member of the
// availability set for its group (the default group when Group is unset).
// A store failure is returned as an error, never as "not registered".
func (m *DocWorkerMap) IsWorkerRegistered(ctx context.Context, info WorkerInfo) (bool, error) {
	ok, err := m.reg.IsMember(ctx, availableWorkersKey(info.Group), info.ID)
	if err != nil {
		return false, fmt.Errorf("registry: check worker %s: %w", info.ID, err)
	}
	return ok, nil
}

// GetWorker returns the stored metadata for a worker id.
func (m *DocWorkerMap) GetWorker(ctx context.Context, id string) (WorkerInfo, error) {
	internal, err := m.reg.Get(ctx, workerKey(id, "internal-url"))
	if errors.Is(err, ErrNotFound) {
		return WorkerInfo{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	if err != nil {
		return WorkerInfo{}, fmt.Errorf("registry: load worker %s: %w", id, err)
	}
	public, err := m.reg.Get(ctx, workerKey(id, "public-url"))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return WorkerInfo{}, fmt.Errorf("registry: load worker %s: %w", id, err)
	}
	group, err := m.reg.Get(ctx, workerKey(id, "group"))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return WorkerInfo{}, fmt.Errorf("registry: load worker %s: %w", id, err)
	}
	return WorkerInfo{
		ID:          id,
		InternalURL: internal,
		PublicURL:   public,
		Group:       group,
	}, nil
}

// AssignDoc pins docID to workerID unless it is already pinned elsewhere, and
// returns the id of the worker now serving the document.
func (m *DocWorkerMap) AssignDoc(ctx context.Context, docID, workerID string) (string, error) {
	ok, err := m.reg.SetIfAbsent(ctx, docKey(docID), workerID)
	if err != nil {
		return "", fmt.Errorf("registry: assign doc %s: %w", docID, err)
	}
	if ok {
		return workerID, nil
	}
	current, err := m.reg.Get(ctx, docKey(docID))
	if errors.Is(err, ErrNotFound) {
		// The assignment was released between our two calls; claim again.
		return m.AssignDoc(ctx, docID, workerID)
	}
	if err != nil {
		return "", fmt.Errorf("registry: read doc assignment %s: %w", docID, err)
	}
	return current, nil
}

// GetDocWorker returns the id of the worker currently assigned to docID.
func (m *DocWorkerMap) GetDocWorker(ctx context.Context, docID string) (string, error) {
	id, err := m.reg.Get(ctx, docKey(docID))
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrDocNotAssigned, docID)
	}
	if err != nil {
		return "", fmt.Errorf("registry: read doc assignment %s: %w", docID, err)
	}
	return id, nil
}

// ReleaseDoc removes the document's worker assignment.
func (m *DocWorkerMap) ReleaseDoc(ctx context.Context, docID string) error {
	if err := m.reg.Delete(ctx, docKey(docID)); err != nil {
		return fmt.Errorf("registry: release doc %s: %w", docID, err)
	}
	return nil
}
