package dialog

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStale is returned when a write is based on a state that was replaced or removed
var ErrStale = errors.New("dialog state is stale")

// Store is the state table of active flows
type Store interface {
	// Get returns the state for key, or nil when no flow is active
	Get(ctx context.Context, key Key) (*State, error)
	// Create stores st unconditionally, replacing any previous flow, and sets its Version to 1
	Create(ctx context.Context, st *State) error
	// Update writes st if the stored flow and version match it, then bumps st.Version
	Update(ctx context.Context, st *State) error
	// Delete removes the flow for key if its FlowID matches
	Delete(ctx context.Context, key Key, flowID string) (bool, error)
	// ExpireDue removes and returns every state whose deadline is not after now
	ExpireDue(ctx context.Context, now time.Time) ([]State, error)
}

// MemoryStore keeps dialog state in process memory
type MemoryStore struct {
	mu     sync.Mutex
	states map[Key]State
}

// NewMemoryStore creates an empty in-memory state table
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[Key]State)}
}

func (m *MemoryStore) Get(ctx context.Context, key Key) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[key]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *MemoryStore) Create(ctx context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st.Version = 1
	m.states[st.Key] = *st
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.states[st.Key]
	if !ok || cur.FlowID != st.FlowID || cur.Version != st.Version {
		return ErrStale
	}
	st.Version++
	m.states[st.Key] = *st
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key Key, flowID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.states[key]
	if !ok || cur.FlowID != flowID {
		return false, nil
	}
	delete(m.states, key)
	return true, nil
}

func (m *MemoryStore) ExpireDue(ctx context.Context, now time.Time) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []State
	for k, st := range m.states {
		if st.Expired(now) {
			due = append(due, st)
			delete(m.states, k)
		}
	}
	return due, nil
}

// Len returns the number of active flows
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}
