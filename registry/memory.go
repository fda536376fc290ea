package registry

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-memory Registry implementation.
//
// It serves single-process deployments and tests; it provides the same set
// semantics as a shared store but is of course not visible to other worker
// processes.
type MemoryRegistry struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
	kv   map[string]string
}

// Compile-time interface check.
var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		sets: make(map[string]map[string]struct{}),
		kv:   make(map[string]string),
	}
}

// IsMember reports whether member is in the named set.
func (m *MemoryRegistry) IsMember(_ context.Context, set, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sets[set][member]
	return ok, nil
}

// AddMember adds member to the named set.
func (m *MemoryRegistry) AddMember(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[set]
	if s == nil {
		s = make(map[string]struct{})
		m.sets[set] = s
	}
	s[member] = struct{}{}
	return nil
}

// RemoveMember removes member from the named set.
func (m *MemoryRegistry) RemoveMember(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sets[set]; s != nil {
		delete(s, member)
		if len(s) == 0 {
			delete(m.sets, set)
		}
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (m *MemoryRegistry) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores value under key.
func (m *MemoryRegistry) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

// SetIfAbsent stores value under key only if the key does not exist.
func (m *MemoryRegistry) SetIfAbsent(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.kv[key]; ok {
		return false, nil
	}
	m.kv[key] = value
	return true, nil
}

// Delete removes key.
func (m *MemoryRegistry) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}
