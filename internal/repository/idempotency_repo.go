package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anyulbade/vpos-engine/internal/model"
)

// IdempotencyRepository is the shared reservation store. The reservation is a
// single INSERT .. ON CONFLICT, so concurrent nodes cannot both win a key.
type IdempotencyRepository struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepository(pool *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool}
}

func (r *IdempotencyRepository) Reserve(ctx context.Context, rec model.IdempotencyRecord) (*model.IdempotencyRecord, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var key string
		err := r.pool.QueryRow(ctx,
			`INSERT INTO idempotency_records (key, fingerprint, state, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (key) DO UPDATE SET
				fingerprint = EXCLUDED.fingerprint,
				state = EXCLUDED.state,
				transaction_id = NULL,
				outcome = NULL,
				created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at
			WHERE idempotency_records.expires_at <= EXCLUDED.created_at
			RETURNING key`,
			rec.Key, rec.Fingerprint, rec.State, rec.CreatedAt, rec.ExpiresAt,
		).Scan(&key)
		if err == nil {
			return nil, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("reserve key: %w", err)
		}

		existing, err := r.get(ctx, rec.Key)
		if errors.Is(err, pgx.ErrNoRows) {
			// purged between the two statements
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("reserve key %s: lost race with purge", rec.Key)
}

func (r *IdempotencyRepository) get(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	rec := &model.IdempotencyRecord{}
	var txnID *string
	err := r.pool.QueryRow(ctx,
		`SELECT key, fingerprint, state, transaction_id, outcome, created_at, expires_at
		FROM idempotency_records WHERE key = $1`, key).
		Scan(&rec.Key, &rec.Fingerprint, &rec.State, &txnID, &rec.Outcome, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	if txnID != nil {
		rec.TransactionID = *txnID
	}
	return rec, nil
}

func (r *IdempotencyRepository) Complete(ctx context.Context, key, transactionID string, outcome []byte) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE idempotency_records SET state = $2, transaction_id = $3, outcome = $4 WHERE key = $1`,
		key, model.IdempotencyCompleted, transactionID, outcome)
	if err != nil {
		return fmt.Errorf("complete key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewError(model.KindNotFound, "complete idempotency key", key)
	}
	return nil
}

func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1 AND state = $2`,
		key, model.IdempotencyInProgress); err != nil {
		return fmt.Errorf("release key: %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
