package state

import (
	"context"
	"sync"

	"github.com/NFG-Linux/twitch-notifier/apperr"
)

// MemoryStore holds the record in memory. It backs tests and dry runs
// where nothing may touch the real backend.
type MemoryStore struct {
	mu      sync.Mutex
	st      State
	saves   int
	SaveErr error
}

// NewMemoryStore starts from st.
func NewMemoryStore(st State) *MemoryStore { return &MemoryStore{st: st} }

func (m *MemoryStore) Load(_ context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, nil
}

func (m *MemoryStore) Save(_ context.Context, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return apperr.New(apperr.KindState, "memory save", m.SaveErr)
	}
	m.st = st
	m.saves++
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Snapshot returns the current record without counting as a load.
func (m *MemoryStore) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Saves reports how many successful saves happened.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
