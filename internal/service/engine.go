package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/anyulbade/vpos-engine/internal/carddata"
	"github.com/anyulbade/vpos-engine/internal/config"
	"github.com/anyulbade/vpos-engine/internal/events"
	"github.com/anyulbade/vpos-engine/internal/idempotency"
	"github.com/anyulbade/vpos-engine/internal/metrics"
	"github.com/anyulbade/vpos-engine/internal/model"
	"github.com/anyulbade/vpos-engine/internal/provider"
	"github.com/anyulbade/vpos-engine/internal/repository"
	"github.com/anyulbade/vpos-engine/internal/risk"
)

// TransactionStore persists transactions and their audit trail. Save must
// apply only while the stored status equals expected.
type TransactionStore interface {
	Create(ctx context.Context, txn *model.Transaction, trs []model.Transition) error
	Save(ctx context.Context, txn *model.Transaction, expected model.Status, trs []model.Transition) error
	Get(ctx context.Context, id string) (*model.Transaction, error)
	List(ctx context.Context, f repository.TransactionFilter, limit, offset int) ([]*model.Transaction, int, error)
	ListStale(ctx context.Context, status model.Status, cutoff time.Time, limit int) ([]*model.Transaction, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*model.Transaction, error)
	Transitions(ctx context.Context, id string) ([]model.Transition, error)
}

type Deps struct {
	Store     TransactionStore
	Providers *provider.Registry
	Guard     *idempotency.Guard
	Tokenizer *carddata.Tokenizer
	Rules     risk.RuleSet
	Preauth   config.PreauthConfig
	Publisher events.Publisher

	// CallbackBaseURL prefixes the 3-D Secure return URL, e.g.
	// https://pay.example.com gives https://pay.example.com/api/v1/payments/{id}/3ds.
	CallbackBaseURL string
}

// Core is the state shared by the payment, reconciliation and hold
// services. Operations on one transaction are serialised in process.
type Core struct {
	Deps
	now   func() time.Time
	locks *keyedLocks
}

func NewCore(d Deps) *Core {
	if d.Publisher == nil {
		d.Publisher = events.LogPublisher{}
	}
	return &Core{Deps: d, now: time.Now, locks: newKeyedLocks()}
}

// WithClock replaces the time source.
func (c *Core) WithClock(now func() time.Time) *Core {
	c.now = now
	return c
}

func (c *Core) clock() time.Time {
	return c.now().UTC()
}

// move applies to on txn and appends the audit record to trs.
func (c *Core) move(txn *model.Transaction, trs *[]model.Transition, to model.Status, actor model.Actor, reason string) error {
	tr, err := txn.Transition(to, actor, reason, c.clock())
	if err != nil {
		return err
	}
	*trs = append(*trs, tr)
	return nil
}

// commit persists txn and announces its new transitions.
func (c *Core) commit(ctx context.Context, txn *model.Transaction, expected model.Status, trs []model.Transition) error {
	if err := c.Store.Save(ctx, txn, expected, trs); err != nil {
		return err
	}
	c.announce(ctx, txn, trs)
	return nil
}

func (c *Core) announce(ctx context.Context, txn *model.Transaction, trs []model.Transition) {
	if len(trs) == 0 {
		return
	}
	evs := make([]events.TransitionEvent, 0, len(trs))
	for _, tr := range trs {
		log.Info().
			Str("txn_id", tr.TransactionID).
			Str("provider", txn.Provider).
			Str("from", string(tr.From)).
			Str("to", string(tr.To)).
			Str("actor", string(tr.Actor)).
			Str("reason", tr.Reason).
			Time("at", tr.OccurredAt).
			Msg("transaction transition")
		metrics.IncTransition(string(tr.To), string(tr.Actor))
		evs = append(evs, events.NewTransitionEvent(txn, tr))
	}
	if err := c.Publisher.Publish(ctx, evs); err != nil {
		log.Error().Err(err).Str("txn_id", txn.ID).Msg("publish transition events")
	}
}

// recordOutcome stores the checkout outcome for replay. A purged key is not
// an error; the transaction row stays authoritative.
func (c *Core) recordOutcome(ctx context.Context, txn *model.Transaction, out model.Outcome) {
	if txn.IdempotencyKey == "" {
		return
	}
	err := c.Guard.Record(ctx, txn.IdempotencyKey, txn.ID, out)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		log.Error().Err(err).Str("txn_id", txn.ID).Msg("record idempotent outcome")
	}
}

// applyAuthorization maps an authorization reply onto txn. Sales are
// captured by the same call.
func (c *Core) applyAuthorization(txn *model.Transaction, trs *[]model.Transition, resp *provider.Response, actor model.Actor) error {
	switch resp.Status {
	case provider.StatusApproved:
		txn.GatewayTxnID = resp.GatewayTxnID
		txn.AuthCode = resp.AuthCode
		txn.HostRef = resp.HostRef
		txn.ResponseCode = resp.ResponseCode
		if err := c.move(txn, trs, model.StatusAuthorized, actor, "gateway approved"); err != nil {
			return err
		}
		if txn.PaymentType == model.PaymentPreAuth {
			c.startHold(txn)
			return nil
		}
		txn.CapturedAmount = txn.Amount
		return c.move(txn, trs, model.StatusCaptured, actor, "sale captured")
	case provider.StatusDeclined:
		txn.ResponseCode = resp.ResponseCode
		return c.move(txn, trs, model.StatusDeclined, actor, "gateway declined")
	case provider.StatusPending:
		txn.ResponseCode = resp.ResponseCode
		return c.move(txn, trs, model.StatusUnknown, actor, "gateway reported pending")
	default:
		txn.ResponseCode = resp.ResponseCode
		return c.move(txn, trs, model.StatusFailed, actor, "gateway error")
	}
}

func (c *Core) startHold(txn *model.Transaction) {
	now := c.clock()
	if c.Preauth.HoldDuration > 0 {
		exp := now.Add(c.Preauth.HoldDuration)
		txn.HoldExpiresAt = &exp
	}
	if c.Preauth.CaptureDeadline > 0 {
		dl := now.Add(c.Preauth.CaptureDeadline)
		txn.CaptureDeadline = &dl
	}
}

// dispatchFailure moves txn after a gateway call returned an error instead
// of a reply. Ambiguous failures park it in UNKNOWN.
func (c *Core) dispatchFailure(txn *model.Transaction, trs *[]model.Transition, err error) (reachedGateway bool, moveErr error) {
	if model.KindOf(err) == model.KindGatewayTimeout {
		return true, c.move(txn, trs, model.StatusUnknown, model.ActorSystem, "gateway outcome unknown")
	}
	return false, c.move(txn, trs, model.StatusFailed, model.ActorSystem, "gateway unreachable")
}

// park records that the gateway may have applied op and moves txn to
// UNKNOWN. No further follow-up runs until reconciliation settles it.
func (c *Core) park(ctx context.Context, txn *model.Transaction, op model.Operation, amt decimal.Decimal, actor model.Actor) (model.Outcome, error) {
	expected := txn.Status
	txn.Pending = &model.PendingOperation{Op: op, From: expected, Amount: amt, IssuedAt: c.clock()}

	var trs []model.Transition
	if err := c.move(txn, &trs, model.StatusUnknown, actor, string(op)+" outcome unknown"); err != nil {
		return model.Outcome{}, err
	}
	if err := c.commit(ctx, txn, expected, trs); err != nil {
		return model.Outcome{}, fmt.Errorf("save transaction: %w", err)
	}
	log.Warn().Str("txn_id", txn.ID).Str("op", string(op)).Str("from", string(expected)).Msg("follow-up parked for reconciliation")
	return model.Outcome{Kind: model.OutcomePending, Transaction: txn, ErrorKind: model.KindGatewayTimeout}, nil
}

func logGatewayResponse(txn *model.Transaction, op string, resp *provider.Response) {
	log.Info().
		Str("txn_id", txn.ID).
		Str("provider", txn.Provider).
		Str("op", op).
		Str("result", string(resp.Status)).
		Str("response_code", resp.ResponseCode).
		Str("gateway_message", resp.Message).
		Msg("gateway reply")
}

type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

// lock blocks until key is free and returns its unlock function.
func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
