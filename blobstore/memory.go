package blobstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store implementation for testing.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[string][]byte),
	}
}

// Put writes the artifact under name.
func (m *MemoryStore) Put(_ context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[name] = data
	return nil
}

// Get opens the artifact for reading.
func (m *MemoryStore) Get(_ context.Context, name string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.artifacts[name]
	if !ok {
		return nil, ErrNotFound
	}

	// Copy so later Puts don't mutate an open reader.
	copied := make([]byte, len(data))
	copy(copied, data)
	return io.NopCloser(bytes.NewReader(copied)), nil
}

// Delete removes the artifact.
func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.artifacts, name)
	return nil
}

// List returns the names of all artifacts with the given prefix.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name := range m.artifacts {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
