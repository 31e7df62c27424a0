package idempotency

import (
	"context"
	"sync"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

// MemoryStore keeps records in process memory.
// It is suitable for tests and single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]*Record
	opts    options
	closed  bool
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(opts ...Option) (*MemoryStore, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{records: make(map[Key]*Record), opts: o}, nil
}

// TryBegin implements Store.
func (s *MemoryStore) TryBegin(_ context.Context, key Key) (Decision, Record, error) {
	if err := key.validate(); err != nil {
		return Won, Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Won, Record{}, tferrors.StoreUnavailable("idempotency", "try_begin", ErrStoreClosed)
	}

	now := s.opts.clock()
	rec, ok := s.records[key]
	if ok && !rec.Expired(now) {
		switch rec.Status {
		case StatusDone:
			return AlreadyDone, *rec, nil
		case StatusInProgress:
			return AlreadyInProgress, *rec, nil
		case StatusFailed:
			rec.Status = StatusInProgress
			rec.Attempts++
			rec.RecordedAt = now
			rec.ExpiresAt = now.Add(s.opts.ttls.InProgress)
			return Won, *rec, nil
		}
	}

	rec = &Record{
		Key:            key,
		Status:         StatusInProgress,
		Attempts:       1,
		FirstAttemptAt: now,
		RecordedAt:     now,
		ExpiresAt:      now.Add(s.opts.ttls.InProgress),
	}
	s.records[key] = rec
	return Won, *rec, nil
}

// MarkDone implements Store.
func (s *MemoryStore) MarkDone(_ context.Context, key Key) error {
	return s.finish(key, StatusDone, "", "mark_done")
}

// MarkFailed implements Store.
func (s *MemoryStore) MarkFailed(_ context.Context, key Key, cause string) error {
	return s.finish(key, StatusFailed, cause, "mark_failed")
}

func (s *MemoryStore) finish(key Key, status Status, cause, op string) error {
	if err := key.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return tferrors.StoreUnavailable("idempotency", op, ErrStoreClosed)
	}

	now := s.opts.clock()
	rec, ok := s.records[key]
	if !ok || rec.Expired(now) {
		rec = &Record{Key: key, Attempts: 1, FirstAttemptAt: now}
		s.records[key] = rec
	} else if rec.Status == StatusDone {
		return nil
	}

	ttl := s.opts.ttls.Done
	if status == StatusFailed {
		ttl = s.opts.ttls.Failed
		rec.LastError = cause
	}
	rec.Status = status
	rec.RecordedAt = now
	rec.ExpiresAt = now.Add(ttl)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key Key) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, false, tferrors.StoreUnavailable("idempotency", "get", ErrStoreClosed)
	}
	rec, ok := s.records[key]
	if !ok || rec.Expired(s.opts.clock()) {
		return Record{}, false, nil
	}
	return *rec, true, nil
}

// Sweep drops expired records and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.clock()
	removed := 0
	for k, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}
