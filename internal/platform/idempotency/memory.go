package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process for local runs without a Firestore project.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	id := recordID(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, found := s.records[id]
	res, write, err := reserve(stored, found, key, fingerprint, now.UTC(), effectiveTTL(ttl))
	if err != nil {
		return Reservation{}, err
	}
	if write {
		s.records[id] = res.Record
	}
	return res, nil
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	id := recordID(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, found := s.records[id]
	record, err := complete(stored, found, key, fingerprint, resp, now.UTC(), effectiveTTL(ttl))
	if err != nil {
		return err
	}
	s.records[id] = record
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	id := recordID(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, found := s.records[id]; releasable(stored, found, fingerprint) {
		delete(s.records, id)
	}
	return nil
}

// CleanupExpired drops up to limit expired records; limit <= 0 means all of them.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed == limit {
			break
		}
		if record.expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
