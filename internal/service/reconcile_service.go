package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/anyulbade/vpos-engine/internal/model"
	"github.com/anyulbade/vpos-engine/internal/provider"
)

const defaultReconcileConcurrency = 4

type ReconcileService struct {
	core        *Core
	concurrency int
}

func NewReconcileService(core *Core, concurrency int) *ReconcileService {
	if concurrency <= 0 {
		concurrency = defaultReconcileConcurrency
	}
	return &ReconcileService{core: core, concurrency: concurrency}
}

type ReconcileReport struct {
	Checked      int `json:"checked"`
	Settled      int `json:"settled"`
	StillPending int `json:"still_pending"`
	Errors       int `json:"errors"`
}

var reconcilable = []model.Status{
	model.StatusUnknown, model.StatusSubmitted, model.StatusAuthorized, model.StatusCaptured,
}

// Reconcile asks the gateway what happened to transaction id and moves the
// local record to match. It is the only way out of UNKNOWN.
func (s *ReconcileService) Reconcile(ctx context.Context, id string) (*model.Transaction, error) {
	c := s.core
	unlock := c.locks.lock(id)
	defer unlock()

	txn, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statusIn(txn.Status, reconcilable) {
		return nil, model.NewError(model.KindInvalidStateTransition, "reconcile",
			fmt.Sprintf("transaction is %s", txn.Status))
	}
	p, err := c.Providers.Get(txn.Provider)
	if err != nil {
		return nil, err
	}
	if err := provider.Require(p, provider.CapQuery); err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	resp, err := p.QueryStatus(ctx, provider.QueryRequest{OrderID: txn.ID, GatewayTxnID: txn.GatewayTxnID})
	if err != nil {
		return nil, fmt.Errorf("query gateway: %w", err)
	}
	logGatewayResponse(txn, "query", resp)
	if resp.Status == provider.StatusError {
		return nil, model.NewError(model.KindGatewayError, "reconcile", "query rejected: "+resp.ResponseCode)
	}

	if txn.Pending != nil {
		return s.settlePending(ctx, txn, resp)
	}

	expected := txn.Status
	var trs []model.Transition
	switch {
	case resp.Settlement == "":
		if txn.Status != model.StatusUnknown && txn.Status != model.StatusSubmitted {
			return txn, nil
		}
		if err := c.move(txn, &trs, model.StatusFailed, model.ActorGateway, "gateway has no record"); err != nil {
			return nil, err
		}
	case resp.Settlement == txn.Status:
		return txn, nil
	default:
		path := model.PathTo(txn.Status, resp.Settlement)
		if path == nil {
			log.Warn().Str("txn_id", txn.ID).Str("local", string(txn.Status)).Str("gateway", string(resp.Settlement)).
				Msg("gateway status cannot be reached from local status")
			return nil, model.NewInvalidTransitionError(txn.Status, resp.Settlement)
		}
		applySettlementRefs(txn, resp)
		for _, to := range path {
			if err := c.move(txn, &trs, to, model.ActorGateway, "reconciled"); err != nil {
				return nil, err
			}
			s.applySettlementAmounts(txn, to)
		}
	}

	if err := c.commit(ctx, txn, expected, trs); err != nil {
		return nil, fmt.Errorf("save transaction: %w", err)
	}
	if expected == model.StatusUnknown || expected == model.StatusSubmitted {
		c.recordOutcome(ctx, txn, model.OutcomeFor(txn))
	}
	return txn, nil
}

// settlePending resolves a follow-up parked in UNKNOWN. The gateway has
// either applied the operation or still holds the status it was sent from;
// anything else is left for an operator.
func (s *ReconcileService) settlePending(ctx context.Context, txn *model.Transaction, resp *provider.Response) (*model.Transaction, error) {
	c := s.core
	pend := *txn.Pending
	target := pend.Op.Target()
	if resp.Settlement != pend.From && resp.Settlement != target {
		log.Warn().Str("txn_id", txn.ID).Str("op", string(pend.Op)).Str("from", string(pend.From)).
			Str("gateway", string(resp.Settlement)).Msg("gateway status does not match the pending operation")
		return nil, model.NewError(model.KindInvalidStateTransition, "reconcile",
			fmt.Sprintf("pending %s from %s, gateway reports %q", pend.Op, pend.From, resp.Settlement))
	}

	txn.Pending = nil
	var trs []model.Transition
	if err := c.move(txn, &trs, pend.From, model.ActorGateway, "reconciled"); err != nil {
		return nil, err
	}
	if resp.Settlement == target {
		switch pend.Op {
		case model.OpCapture:
			txn.CapturedAmount = pend.Amount
		case model.OpVoid:
			txn.CapturedAmount = decimal.Zero
		case model.OpRefund:
			txn.RefundedAmount = pend.Amount
		}
		if resp.AuthCode != "" {
			txn.AuthCode = resp.AuthCode
		}
		if err := c.move(txn, &trs, target, model.ActorGateway, string(pend.Op)+" confirmed by gateway"); err != nil {
			return nil, err
		}
	}

	if err := c.commit(ctx, txn, model.StatusUnknown, trs); err != nil {
		return nil, fmt.Errorf("save transaction: %w", err)
	}
	return txn, nil
}

func applySettlementRefs(txn *model.Transaction, resp *provider.Response) {
	if txn.GatewayTxnID == "" {
		txn.GatewayTxnID = resp.GatewayTxnID
	}
	if resp.AuthCode != "" {
		txn.AuthCode = resp.AuthCode
	}
	if resp.HostRef != "" {
		txn.HostRef = resp.HostRef
	}
	if resp.ResponseCode != "" {
		txn.ResponseCode = resp.ResponseCode
	}
}

func (s *ReconcileService) applySettlementAmounts(txn *model.Transaction, to model.Status) {
	switch to {
	case model.StatusAuthorized:
		if txn.PaymentType == model.PaymentPreAuth && txn.CaptureDeadline == nil {
			s.core.startHold(txn)
		}
	case model.StatusCaptured:
		if txn.CapturedAmount.IsZero() {
			txn.CapturedAmount = txn.Amount
		}
	case model.StatusRefunded:
		txn.RefundedAmount = txn.CapturedAmount
	case model.StatusVoided:
		txn.CapturedAmount = decimal.Zero
	}
}

// ReconcilePending settles UNKNOWN and stuck SUBMITTED transactions not
// updated for olderThan, parked follow-ups included. Failures are counted and logged; one bad
// transaction does not stop the batch.
func (s *ReconcileService) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error) {
	cutoff := s.core.clock().Add(-olderThan)

	var batch []*model.Transaction
	for _, st := range []model.Status{model.StatusUnknown, model.StatusSubmitted} {
		txns, err := s.core.Store.ListStale(ctx, st, cutoff, limit)
		if err != nil {
			return ReconcileReport{}, fmt.Errorf("list stale %s: %w", st, err)
		}
		batch = append(batch, txns...)
	}

	var (
		mu     sync.Mutex
		report ReconcileReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, txn := range batch {
		id := txn.ID
		g.Go(func() error {
			got, err := s.Reconcile(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			switch {
			case err != nil:
				report.Errors++
				log.Warn().Err(err).Str("txn_id", id).Msg("reconcile failed")
			case got.Status == model.StatusUnknown || got.Status == model.StatusSubmitted:
				report.StillPending++
			default:
				report.Settled++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if report.Checked > 0 {
		log.Info().
			Int("checked", report.Checked).
			Int("settled", report.Settled).
			Int("still_pending", report.StillPending).
			Int("errors", report.Errors).
			Msg("reconciliation pass finished")
	}
	return report, nil
}

// ExpireAbandoned3DS fails PENDING_3DS transactions whose cardholder never
// came back from the issuer page.
func (s *ReconcileService) ExpireAbandoned3DS(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	c := s.core
	txns, err := c.Store.ListStale(ctx, model.StatusPending3DS, c.clock().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list abandoned 3ds: %w", err)
	}

	expired := 0
	for _, stale := range txns {
		if err := s.expire3DS(ctx, stale.ID); err != nil {
			log.Warn().Err(err).Str("txn_id", stale.ID).Msg("expire abandoned 3ds")
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *ReconcileService) expire3DS(ctx context.Context, id string) error {
	c := s.core
	unlock := c.locks.lock(id)
	defer unlock()

	txn, err := c.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	var trs []model.Transition
	if err := c.move(txn, &trs, model.StatusFailed, model.ActorSystem, "3ds challenge abandoned"); err != nil {
		return err
	}
	if err := c.commit(ctx, txn, model.StatusPending3DS, trs); err != nil {
		return err
	}
	c.recordOutcome(ctx, txn, model.OutcomeFor(txn))
	return nil
}
