// Package idempotency makes sure a checkout is dispatched to a gateway at most
// once per key. The guard's mutex covers only the reservation step; gateway
// calls happen outside it.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/anyulbade/vpos-engine/internal/model"
)

const DefaultRetention = 24 * time.Hour

// Store persists reservations. Reserve must be atomic: of any number of
// concurrent calls for a live key only one may report reserved=true.
type Store interface {
	Reserve(ctx context.Context, rec model.IdempotencyRecord) (existing *model.IdempotencyRecord, reserved bool, err error)
	Complete(ctx context.Context, key, transactionID string, outcome []byte) error
	Release(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type DecisionKind int

const (
	FirstAttempt DecisionKind = iota + 1
	Duplicate
)

type Decision struct {
	Kind          DecisionKind
	Outcome       *model.Outcome
	TransactionID string
}

type Guard struct {
	store     Store
	retention time.Duration
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func NewGuard(store Store, retention time.Duration) *Guard {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Guard{
		store:     store,
		retention: retention,
		now:       time.Now,
		inflight:  make(map[string]chan struct{}),
	}
}

// WithClock replaces the time source, used by tests and replays.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// CheckOrRecord reserves key for the caller or returns the outcome recorded
// by the first attempt. Duplicates arriving while the first attempt runs in
// this process wait for it; a reservation held by another process yields
// ErrInProgress.
func (g *Guard) CheckOrRecord(ctx context.Context, key, fingerprint string) (Decision, error) {
	for {
		g.mu.Lock()
		if wait, ok := g.inflight[key]; ok {
			g.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return Decision{}, ctx.Err()
			}
		}

		now := g.now().UTC()
		existing, reserved, err := g.store.Reserve(ctx, model.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			State:       model.IdempotencyInProgress,
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.retention),
		})
		if err != nil {
			g.mu.Unlock()
			return Decision{}, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if reserved {
			g.inflight[key] = make(chan struct{})
			g.mu.Unlock()
			return Decision{Kind: FirstAttempt}, nil
		}
		g.mu.Unlock()

		return g.duplicate(existing, fingerprint)
	}
}

func (g *Guard) duplicate(existing *model.IdempotencyRecord, fingerprint string) (Decision, error) {
	if existing.Fingerprint != fingerprint {
		return Decision{}, model.WrapError(model.KindIdempotencyMismatch, "idempotency", model.ErrIdempotencyMismatch)
	}
	if existing.State != model.IdempotencyCompleted {
		return Decision{}, model.WrapError(model.KindInProgress, "idempotency", model.ErrInProgress)
	}

	var out model.Outcome
	if err := json.Unmarshal(existing.Outcome, &out); err != nil {
		return Decision{}, fmt.Errorf("decode recorded outcome: %w", err)
	}
	out.Duplicate = true

	log.Info().Str("idempotency_key", existing.Key).Str("txn_id", existing.TransactionID).Msg("duplicate submission short-circuited")
	return Decision{Kind: Duplicate, Outcome: &out, TransactionID: existing.TransactionID}, nil
}

// Record stores the outcome of the attempt that owns key and wakes waiting
// duplicates. It may be called again later to replace a pending outcome.
func (g *Guard) Record(ctx context.Context, key, transactionID string, out model.Outcome) error {
	out.Duplicate = false
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	err = g.store.Complete(ctx, key, transactionID, b)
	g.wake(key)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release drops a reservation whose request never reached a gateway, so a
// corrected retry can proceed.
func (g *Guard) Release(ctx context.Context, key string) error {
	err := g.store.Release(ctx, key)
	g.wake(key)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Purge deletes records past their retention window.
func (g *Guard) Purge(ctx context.Context) (int64, error) {
	n, err := g.store.PurgeExpired(ctx, g.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return n, nil
}

func (g *Guard) wake(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.inflight[key]; ok {
		close(ch)
		delete(g.inflight, key)
	}
}
