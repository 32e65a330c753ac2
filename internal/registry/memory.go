package registry

import (
	"context"
	"sync"
)

// Memory is a process-local Registry for tests and single-process development.
type Memory struct {
	mu      sync.RWMutex
	entries map[entryKey]string
}

type entryKey struct {
	userID string
	postID string
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[entryKey]string)}
}

func (m *Memory) Set(_ context.Context, userID, postID, jobID string) error {
	if err := validateKey(userID, postID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entryKey{userID, postID}] = jobID
	return nil
}

func (m *Memory) Get(_ context.Context, userID, postID string) (string, bool, error) {
	if err := validateKey(userID, postID); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobID, ok := m.entries[entryKey{userID, postID}]
	return jobID, ok, nil
}

func (m *Memory) Delete(_ context.Context, userID, postID string) error {
	if err := validateKey(userID, postID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, entryKey{userID, postID})
	return nil
}

var _ Registry = (*Memory)(nil)
