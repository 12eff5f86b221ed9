package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/anyulbade/vpos-engine/internal/model"
	"github.com/anyulbade/vpos-engine/internal/provider"
)

type HoldService struct {
	core *Core
}

func NewHoldService(core *Core) *HoldService {
	return &HoldService{core: core}
}

type HoldReport struct {
	Checked int `json:"checked"`
	Voided  int `json:"voided"`
	Failed  int `json:"failed"`
	Parked  int `json:"parked"`
	Errors  int `json:"errors"`
}

// ExpireHolds releases pre-authorizations whose capture deadline has passed.
// The hold is voided at the gateway when it supports voids; otherwise the
// transaction is failed locally and the bank lets the hold lapse. Holds
// parked in UNKNOWN are left to reconciliation, as is a void that times out.
func (s *HoldService) ExpireHolds(ctx context.Context, now time.Time, limit int) (HoldReport, error) {
	txns, err := s.core.Store.ListExpiredHolds(ctx, now.UTC(), limit)
	if err != nil {
		return HoldReport{}, fmt.Errorf("list expired holds: %w", err)
	}

	var report HoldReport
	for _, txn := range txns {
		report.Checked++
		to, err := s.expire(ctx, txn.ID)
		switch {
		case err != nil:
			report.Errors++
			log.Warn().Err(err).Str("txn_id", txn.ID).Msg("expire hold")
		case to == model.StatusVoided:
			report.Voided++
		case to == model.StatusFailed:
			report.Failed++
		case to == model.StatusUnknown:
			report.Parked++
		}
	}
	if report.Checked > 0 {
		log.Info().Int("checked", report.Checked).Int("voided", report.Voided).Int("failed", report.Failed).
			Int("parked", report.Parked).Int("errors", report.Errors).Msg("hold expiry pass finished")
	}
	return report, nil
}

func (s *HoldService) expire(ctx context.Context, id string) (model.Status, error) {
	c := s.core
	unlock := c.locks.lock(id)
	defer unlock()

	txn, err := c.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if txn.Status != model.StatusAuthorized || txn.Pending != nil {
		return "", nil
	}
	p, err := c.Providers.Get(txn.Provider)
	if err != nil {
		return "", err
	}

	var trs []model.Transition
	if p.Capabilities().Has(provider.CapVoid) {
		ctx = context.WithoutCancel(ctx)
		resp, err := p.Void(ctx, provider.VoidRequest{OrderID: txn.ID, GatewayTxnID: txn.GatewayTxnID})
		if err != nil && model.KindOf(err) != model.KindGatewayTimeout {
			return "", fmt.Errorf("void expired hold: %w", err)
		}
		if err == nil {
			logGatewayResponse(txn, "void", resp)
		}
		if err != nil || resp.Status == provider.StatusPending {
			if _, err := c.park(ctx, txn, model.OpVoid, decimal.Zero, model.ActorSystem); err != nil {
				return "", err
			}
			return model.StatusUnknown, nil
		}
		if resp.Status != provider.StatusApproved {
			return "", model.NewError(model.KindGatewayDeclined, "expire hold", "void not approved: "+resp.ResponseCode)
		}
		if err := c.move(txn, &trs, model.StatusVoided, model.ActorSystem, "hold expired"); err != nil {
			return "", err
		}
	} else if err := c.move(txn, &trs, model.StatusFailed, model.ActorSystem, "hold expired, void unsupported"); err != nil {
		return "", err
	}

	if err := c.commit(ctx, txn, model.StatusAuthorized, trs); err != nil {
		return "", fmt.Errorf("save transaction: %w", err)
	}
	return txn.Status, nil
}
