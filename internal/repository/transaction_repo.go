package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/anyulbade/vpos-engine/internal/model"
)

// TransactionFilter narrows List. Empty fields match everything.
type TransactionFilter struct {
	Status          model.Status
	Provider        string
	MerchantOrderID string
}

type TransactionRepository struct {
	pool *pgxpool.Pool
}

func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

const txnColumns = `id::text, merchant_order_id, amount::text, currency, payment_type, installments, status, provider,
	card_token, masked_pan, card_brand, three_d_secure, three_ds_ref,
	gateway_txn_id, auth_code, host_ref, response_code, idempotency_key, risk,
	captured_amount::text, refunded_amount::text, hold_expires_at, capture_deadline, created_at, updated_at, pending_op`

// Create inserts the transaction together with its first transitions.
func (r *TransactionRepository) Create(ctx context.Context, txn *model.Transaction, trs []model.Transition) error {
	riskJSON, err := marshalRisk(txn.Risk)
	if err != nil {
		return err
	}
	pendingJSON, err := marshalPending(txn.Pending)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, merchant_order_id, amount, currency, payment_type, installments, status, provider,
			card_token, masked_pan, card_brand, three_d_secure, three_ds_ref,
			gateway_txn_id, auth_code, host_ref, response_code, idempotency_key, risk,
			captured_amount, refunded_amount, hold_expires_at, capture_deadline, created_at, updated_at, pending_op)
		VALUES ($1::uuid, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20::numeric, $21::numeric, $22, $23, $24, $25, $26)`,
		txn.ID, txn.MerchantOrderID, txn.Amount.String(), txn.Currency, txn.PaymentType, txn.Installments, txn.Status, txn.Provider,
		txn.CardToken, txn.MaskedPAN, txn.CardBrand, txn.ThreeDSecure, txn.ThreeDSRef,
		txn.GatewayTxnID, txn.AuthCode, txn.HostRef, txn.ResponseCode, txn.IdempotencyKey, riskJSON,
		txn.CapturedAmount.String(), txn.RefundedAmount.String(), txn.HoldExpiresAt, txn.CaptureDeadline, txn.CreatedAt, txn.UpdatedAt,
		pendingJSON,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if err := insertTransitions(ctx, tx, trs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Save writes the mutable fields of txn and appends trs, provided the stored
// status still equals expected. A concurrent change yields
// InvalidStateTransition and nothing is written.
func (r *TransactionRepository) Save(ctx context.Context, txn *model.Transaction, expected model.Status, trs []model.Transition) error {
	riskJSON, err := marshalRisk(txn.Risk)
	if err != nil {
		return err
	}
	pendingJSON, err := marshalPending(txn.Pending)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE transactions SET
			status = $3, three_d_secure = $4, three_ds_ref = $5, gateway_txn_id = $6, auth_code = $7, host_ref = $8,
			response_code = $9, risk = $10, captured_amount = $11::numeric, refunded_amount = $12::numeric,
			hold_expires_at = $13, capture_deadline = $14, updated_at = $15, pending_op = $16
		WHERE id = $1::uuid AND status = $2`,
		txn.ID, expected, txn.Status, txn.ThreeDSecure, txn.ThreeDSRef, txn.GatewayTxnID, txn.AuthCode, txn.HostRef,
		txn.ResponseCode, riskJSON, txn.CapturedAmount.String(), txn.RefundedAmount.String(),
		txn.HoldExpiresAt, txn.CaptureDeadline, txn.UpdatedAt, pendingJSON,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.saveConflict(ctx, tx, txn.ID, expected, txn.Status)
	}
	if err := insertTransitions(ctx, tx, trs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *TransactionRepository) saveConflict(ctx context.Context, tx pgx.Tx, id string, expected, to model.Status) error {
	var current model.Status
	err := tx.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1::uuid`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewError(model.KindNotFound, "save transaction", id)
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}
	return model.NewError(model.KindInvalidStateTransition, "save transaction",
		fmt.Sprintf("expected %s, found %s (moving to %s)", expected, current, to))
}

func insertTransitions(ctx context.Context, tx pgx.Tx, trs []model.Transition) error {
	if len(trs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trs {
		batch.Queue(
			`INSERT INTO transaction_transitions (transaction_id, from_status, to_status, actor, reason, occurred_at)
			VALUES ($1::uuid, $2, $3, $4, $5, $6)`,
			t.TransactionID, t.From, t.To, t.Actor, t.Reason, t.OccurredAt,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for i := range trs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert transition %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	return nil
}

func (r *TransactionRepository) Get(ctx context.Context, id string) (*model.Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewError(model.KindNotFound, "get transaction", id)
	}
	row := r.pool.QueryRow(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1::uuid`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewError(model.KindNotFound, "get transaction", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return txn, nil
}

func (r *TransactionRepository) List(ctx context.Context, f TransactionFilter, limit, offset int) ([]*model.Transaction, int, error) {
	where, args := f.clause()

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM transactions%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		txnColumns, where, len(args)-1, len(args))
	txns, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

// ListStale returns transactions in status last updated before cutoff,
// oldest first.
func (r *TransactionRepository) ListStale(ctx context.Context, status model.Status, cutoff time.Time, limit int) ([]*model.Transaction, error) {
	return r.query(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`,
		status, cutoff, limit)
}

// ListExpiredHolds returns authorized pre-auths whose capture deadline passed.
func (r *TransactionRepository) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*model.Transaction, error) {
	return r.query(ctx,
		`SELECT `+txnColumns+` FROM transactions
		WHERE status = $1 AND payment_type = $2 AND capture_deadline IS NOT NULL AND capture_deadline <= $3
		ORDER BY capture_deadline LIMIT $4`,
		model.StatusAuthorized, model.PaymentPreAuth, now, limit)
}

func (r *TransactionRepository) Transitions(ctx context.Context, id string) ([]model.Transition, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewError(model.KindNotFound, "list transitions", id)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, transaction_id::text, from_status, to_status, actor, reason, occurred_at
		FROM transaction_transitions WHERE transaction_id = $1::uuid ORDER BY occurred_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var t model.Transition
		if err := rows.Scan(&t.ID, &t.TransactionID, &t.From, &t.To, &t.Actor, &t.Reason, &t.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TransactionRepository) query(ctx context.Context, query string, args ...any) ([]*model.Transaction, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []*model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (f TransactionFilter) clause() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.Provider != "" {
		add("provider", f.Provider)
	}
	if f.MerchantOrderID != "" {
		add("merchant_order_id", f.MerchantOrderID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var (
		txn                        model.Transaction
		amount, captured, refunded string
		riskJSON, pendingJSON      []byte
	)
	err := row.Scan(
		&txn.ID, &txn.MerchantOrderID, &amount, &txn.Currency, &txn.PaymentType, &txn.Installments, &txn.Status, &txn.Provider,
		&txn.CardToken, &txn.MaskedPAN, &txn.CardBrand, &txn.ThreeDSecure, &txn.ThreeDSRef,
		&txn.GatewayTxnID, &txn.AuthCode, &txn.HostRef, &txn.ResponseCode, &txn.IdempotencyKey, &riskJSON,
		&captured, &refunded, &txn.HoldExpiresAt, &txn.CaptureDeadline, &txn.CreatedAt, &txn.UpdatedAt, &pendingJSON,
	)
	if err != nil {
		return nil, err
	}
	if txn.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if txn.CapturedAmount, err = decimal.NewFromString(captured); err != nil {
		return nil, fmt.Errorf("parse captured amount: %w", err)
	}
	if txn.RefundedAmount, err = decimal.NewFromString(refunded); err != nil {
		return nil, fmt.Errorf("parse refunded amount: %w", err)
	}
	if len(riskJSON) > 0 {
		var a model.RiskAssessment
		if err := json.Unmarshal(riskJSON, &a); err != nil {
			return nil, fmt.Errorf("decode risk: %w", err)
		}
		txn.Risk = &a
	}
	if len(pendingJSON) > 0 {
		var p model.PendingOperation
		if err := json.Unmarshal(pendingJSON, &p); err != nil {
			return nil, fmt.Errorf("decode pending operation: %w", err)
		}
		txn.Pending = &p
	}
	return &txn, nil
}

func marshalRisk(a *model.RiskAssessment) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode risk: %w", err)
	}
	return b, nil
}

func marshalPending(p *model.PendingOperation) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode pending operation: %w", err)
	}
	return b, nil
}
