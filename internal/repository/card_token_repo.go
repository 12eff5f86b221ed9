package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anyulbade/vpos-engine/internal/carddata"
	"github.com/anyulbade/vpos-engine/internal/model"
)

// CardTokenRepository is the Postgres vault. The table has no PAN column.
type CardTokenRepository struct {
	pool *pgxpool.Pool
}

func NewCardTokenRepository(pool *pgxpool.Pool) *CardTokenRepository {
	return &CardTokenRepository{pool: pool}
}

// Put stores tok. When another request stored the same card first, tok is
// overwritten with that row so both callers hand out one token.
func (r *CardTokenRepository) Put(ctx context.Context, tok *model.CardToken) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO card_tokens (token, fingerprint, masked_pan, bin, last4, brand, expiry_yymm, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (fingerprint) DO UPDATE SET expiry_yymm = EXCLUDED.expiry_yymm
		RETURNING token, created_at`,
		tok.Token, tok.Fingerprint, tok.MaskedPAN, tok.BIN, tok.Last4, tok.Brand, tok.ExpiryYYMM, tok.CreatedAt,
	).Scan(&tok.Token, &tok.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert card token: %w", err)
	}
	return nil
}

func (r *CardTokenRepository) Get(ctx context.Context, token string) (*model.CardToken, error) {
	return r.one(ctx, `WHERE token = $1`, token)
}

func (r *CardTokenRepository) FindByFingerprint(ctx context.Context, fingerprint string) (*model.CardToken, error) {
	return r.one(ctx, `WHERE fingerprint = $1`, fingerprint)
}

func (r *CardTokenRepository) one(ctx context.Context, where string, arg string) (*model.CardToken, error) {
	tok := &model.CardToken{}
	err := r.pool.QueryRow(ctx,
		`SELECT token, fingerprint, masked_pan, bin, last4, brand, expiry_yymm, created_at FROM card_tokens `+where, arg).
		Scan(&tok.Token, &tok.Fingerprint, &tok.MaskedPAN, &tok.BIN, &tok.Last4, &tok.Brand, &tok.ExpiryYYMM, &tok.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, carddata.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get card token: %w", err)
	}
	return tok, nil
}
