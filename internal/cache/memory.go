package cache

import (
	"context"
	"sync"
)

// MemoryStore is a mutex-guarded in-process Store. It backs tests and
// single-process deployments that have no Redis.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]int
	applied  map[string]map[string]int
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]int),
		applied:  make(map[string]map[string]int),
	}
}

func (s *MemoryStore) Increment(_ context.Context, eventID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[eventID]++
	return s.counters[eventID], nil
}

func (s *MemoryStore) Set(_ context.Context, eventID string, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[eventID] = value
	return nil
}

func (s *MemoryStore) Get(_ context.Context, eventID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[eventID], nil
}

func (s *MemoryStore) Reset(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, eventID)
	delete(s.applied, eventID)
	return nil
}

func (s *MemoryStore) IsApplied(_ context.Context, eventID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[eventID][userID]
	return ok, nil
}

func (s *MemoryStore) MarkApplied(_ context.Context, eventID, userID string, order int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied[eventID] == nil {
		s.applied[eventID] = make(map[string]int)
	}
	s.applied[eventID][userID] = order
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, eventID, userID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.applied[eventID][userID]
	return order, ok, nil
}
