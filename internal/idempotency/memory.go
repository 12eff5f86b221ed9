package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/anyulbade/vpos-engine/internal/model"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]model.IdempotencyRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]model.IdempotencyRecord)}
}

func (s *MemoryStore) Reserve(_ context.Context, rec model.IdempotencyRecord) (*model.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.Key]; ok && !existing.Expired(rec.CreatedAt) {
		return &existing, false, nil
	}
	s.records[rec.Key] = rec
	return nil, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, transactionID string, outcome []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return model.ErrNotFound
	}
	rec.State = model.IdempotencyCompleted
	rec.TransactionID = transactionID
	rec.Outcome = append([]byte(nil), outcome...)
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}
