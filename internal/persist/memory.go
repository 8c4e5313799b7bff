package persist

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kingrea/powermode/internal/session"
)

// MemoryStore keeps encoded blobs in memory. Sessions still go through
// SaveState and LoadState, so a load never aliases a saved session.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[string][]byte{}}
}

func (m *MemoryStore) Save(_ context.Context, s session.Session) error {
	if err := checkID(s.ID); err != nil {
		return err
	}
	blob, err := SaveState(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[s.ID] = blob
	m.saves++
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (session.Session, error) {
	m.mu.Lock()
	blob, ok := m.blobs[id]
	m.mu.Unlock()
	if !ok {
		return session.Session{}, fmt.Errorf("persist: %s: %w", id, session.ErrStateNotFound)
	}
	return LoadState(blob)
}

func (m *MemoryStore) List(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.blobs))
	for id := range m.blobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Saves counts successful Save calls.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
