package workflow

import (
	"context"
	"sync"
	"time"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

// MemoryStore keeps workflow records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	clock   func() time.Time
	closed  bool
}

// NewMemoryStore creates an in-memory store. clock may be nil.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{records: make(map[string]Record), clock: clock}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, rec Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, false, tferrors.StoreUnavailable("workflow.memory", "create", ErrStoreClosed)
	}
	if cur, ok := s.records[rec.CorrelationID]; ok && !cur.Expired(s.clock()) {
		return cur, false, nil
	}
	s.records[rec.CorrelationID] = rec
	return rec, true, nil
}

// CompareAndSet implements Store.
func (s *MemoryStore) CompareAndSet(_ context.Context, id string, from State, next Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, false, tferrors.StoreUnavailable("workflow.memory", "compare_and_set", ErrStoreClosed)
	}
	cur, ok := s.records[id]
	if !ok || cur.Expired(s.clock()) {
		return Record{}, false, nil
	}
	if cur.State != from {
		return cur, false, nil
	}
	cur.State = next.State
	cur.Reason = next.Reason
	cur.LastTransitionAt = next.LastTransitionAt
	cur.ExpiresAt = next.ExpiresAt
	s.records[id] = cur
	return cur, true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, false, tferrors.StoreUnavailable("workflow.memory", "get", ErrStoreClosed)
	}
	cur, ok := s.records[id]
	if !ok || cur.Expired(s.clock()) {
		return Record{}, false, nil
	}
	return cur, true, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}
