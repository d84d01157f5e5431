package gatherly

import (
	"context"
	"sort"
	"sync"
)

// MemoryQueueStore is a goroutine-safe in-process QueueStore. It does not
// survive restarts and is meant for tests and ephemeral sessions.
type MemoryQueueStore struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]QueuedMutation
}

// NewMemoryQueueStore creates an empty store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{rows: make(map[int64]QueuedMutation)}
}

func (s *MemoryQueueStore) Create(_ context.Context, m QueuedMutation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	m.Body = append([]byte(nil), m.Body...)
	s.rows[m.ID] = m
	return m.ID, nil
}

func (s *MemoryQueueStore) Get(_ context.Context, id int64) (QueuedMutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.rows[id]
	if !ok {
		return QueuedMutation{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryQueueStore) ListByStatus(_ context.Context, status MutationStatus) ([]QueuedMutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []QueuedMutation
	for _, m := range s.rows {
		if m.Status == status {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return queueOrder(out[i], out[j]) })
	return out, nil
}

func (s *MemoryQueueStore) CountByStatus(_ context.Context, status MutationStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.rows {
		if m.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemoryQueueStore) Update(_ context.Context, m QueuedMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[m.ID]; !ok {
		return ErrNotFound
	}
	s.rows[m.ID] = m
	return nil
}

func (s *MemoryQueueStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

func (s *MemoryQueueStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[int64]QueuedMutation)
	return nil
}

func (s *MemoryQueueStore) Close() error { return nil }
