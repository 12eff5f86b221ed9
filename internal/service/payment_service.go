package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/anyulbade/vpos-engine/internal/idempotency"
	"github.com/anyulbade/vpos-engine/internal/metrics"
	"github.com/anyulbade/vpos-engine/internal/model"
	"github.com/anyulbade/vpos-engine/internal/provider"
	"github.com/anyulbade/vpos-engine/internal/repository"
	"github.com/anyulbade/vpos-engine/internal/risk"
)

const (
	maxOrderIDLen   = 64
	maxInstallments = 12
)

type CheckoutRequest struct {
	MerchantOrderID string
	Amount          decimal.Decimal
	Currency        model.Currency
	PaymentType     model.PaymentType
	Installments    int
	Provider        string
	Card            model.CardData
	ThreeDSecure    bool

	// IdempotencyKey overrides the key derived from order, amount, currency
	// and provider.
	IdempotencyKey string
	ClientIP       string
	SuccessURL     string
	FailURL        string
}

type PaymentService struct {
	core *Core
}

func NewPaymentService(core *Core) *PaymentService {
	return &PaymentService{core: core}
}

// Checkout runs a new payment from validation to the first gateway reply.
// Business outcomes (declines, timeouts, 3-D Secure challenges) come back in
// the Outcome; the error is reserved for invalid input and infrastructure
// failures.
func (s *PaymentService) Checkout(ctx context.Context, req CheckoutRequest) (model.Outcome, error) {
	c := s.core

	p, err := s.validate(req)
	if err != nil {
		return model.Outcome{}, err
	}

	tok, err := c.Tokenizer.Tokenize(ctx, req.Card)
	if err != nil {
		return model.Outcome{}, err
	}

	now := c.clock()
	txn := &model.Transaction{
		ID:              uuid.NewString(),
		MerchantOrderID: strings.TrimSpace(req.MerchantOrderID),
		Amount:          req.Amount,
		Currency:        req.Currency,
		PaymentType:     req.PaymentType,
		Installments:    req.Installments,
		Status:          model.StatusCreated,
		Provider:        p.Name(),
		CardToken:       tok.Token,
		MaskedPAN:       tok.MaskedPAN,
		CardBrand:       tok.Brand,
		ThreeDSecure:    req.ThreeDSecure,
		CapturedAmount:  decimal.Zero,
		RefundedAmount:  decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	assessment := risk.Evaluate(txn, c.Rules)
	txn.Risk = &assessment
	metrics.IncRiskDecision(string(assessment.Decision))

	txn.IdempotencyKey = req.IdempotencyKey
	if txn.IdempotencyKey == "" {
		txn.IdempotencyKey = idempotency.DeriveKey(txn.MerchantOrderID, txn.Amount, txn.Currency, txn.Provider)
	}
	fp := idempotency.RequestFingerprint(txn.MerchantOrderID, txn.Amount, txn.Currency, txn.Provider, txn.PaymentType, txn.Installments)

	dec, err := c.Guard.CheckOrRecord(ctx, txn.IdempotencyKey, fp)
	if err != nil {
		return model.Outcome{}, err
	}
	if dec.Kind == idempotency.Duplicate {
		metrics.IncDuplicate()
		return *dec.Outcome, nil
	}

	var trs []model.Transition
	if err := c.move(txn, &trs, model.StatusRiskEvaluated, model.ActorSystem, risk.Describe(assessment)); err != nil {
		s.release(ctx, txn)
		return model.Outcome{}, err
	}
	switch {
	case assessment.Decision == model.RiskDeny:
		err = c.move(txn, &trs, model.StatusDeclined, model.ActorSystem, "risk denied: "+strings.Join(assessment.Reasons, ","))
	case assessment.Decision == model.RiskFlag && !txn.ThreeDSecure:
		if !p.Capabilities().Has(provider.Cap3DS) {
			err = c.move(txn, &trs, model.StatusDeclined, model.ActorSystem, "3ds required but not offered by provider")
			break
		}
		txn.ThreeDSecure = true
	}
	if err != nil {
		s.release(ctx, txn)
		return model.Outcome{}, err
	}

	if err := c.Store.Create(ctx, txn, trs); err != nil {
		s.release(ctx, txn)
		return model.Outcome{}, fmt.Errorf("create transaction: %w", err)
	}
	c.announce(ctx, txn, trs)

	if txn.Status == model.StatusDeclined {
		out := model.OutcomeFor(txn)
		c.recordOutcome(ctx, txn, out)
		return out, nil
	}

	return s.dispatch(ctx, p, txn, req)
}

func (s *PaymentService) validate(req CheckoutRequest) (provider.Provider, error) {
	const op = "checkout"
	orderID := strings.TrimSpace(req.MerchantOrderID)
	switch {
	case orderID == "":
		return nil, model.Validationf(op, "merchant order id is required")
	case len(orderID) > maxOrderIDLen:
		return nil, model.Validationf(op, "merchant order id exceeds %d characters", maxOrderIDLen)
	case !req.Amount.IsPositive():
		return nil, model.Validationf(op, "amount must be positive")
	case !req.Amount.Equal(req.Amount.Round(2)):
		return nil, model.Validationf(op, "amount has more than two decimals")
	case !req.Currency.Valid():
		return nil, model.Validationf(op, "unsupported currency %q", req.Currency)
	case !req.PaymentType.Valid():
		return nil, model.Validationf(op, "unsupported payment type %q", req.PaymentType)
	}
	if err := idempotency.ValidateKey(req.IdempotencyKey); err != nil {
		return nil, err
	}

	if req.PaymentType == model.PaymentInstallment {
		if req.Installments < 2 || req.Installments > maxInstallments {
			return nil, model.Validationf(op, "installments must be between 2 and %d", maxInstallments)
		}
	} else if req.Installments > 1 {
		return nil, model.Validationf(op, "installments are only valid for %s", model.PaymentInstallment)
	}

	p, err := s.core.Providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	caps := []provider.Capability{provider.CapAuthorize}
	switch req.PaymentType {
	case model.PaymentPreAuth:
		caps = append(caps, provider.CapPreAuth)
	case model.PaymentInstallment:
		caps = append(caps, provider.CapInstallment)
	}
	if req.ThreeDSecure {
		caps = append(caps, provider.Cap3DS)
	}
	if err := provider.Require(p, caps...); err != nil {
		return nil, err
	}
	return p, nil
}

// dispatch sends txn to the gateway. The transaction is SUBMITTED before the
// call so a crash mid-flight leaves a row for reconciliation to find.
func (s *PaymentService) dispatch(ctx context.Context, p provider.Provider, txn *model.Transaction, req CheckoutRequest) (model.Outcome, error) {
	c := s.core
	ctx = context.WithoutCancel(ctx)

	var trs []model.Transition
	if err := c.move(txn, &trs, model.StatusSubmitted, model.ActorSystem, "dispatched to "+p.Name()); err != nil {
		return model.Outcome{}, err
	}
	if err := c.commit(ctx, txn, model.StatusRiskEvaluated, trs); err != nil {
		s.release(ctx, txn)
		return model.Outcome{}, fmt.Errorf("submit transaction: %w", err)
	}

	trs = nil
	released := false
	var challenge *model.ThreeDSChallenge

	if txn.ThreeDSecure {
		ch, err := p.Initiate3DS(ctx, provider.ThreeDSRequest{
			OrderID:      txn.ID,
			Amount:       txn.Amount,
			Currency:     txn.Currency,
			PaymentType:  txn.PaymentType,
			Installments: txn.Installments,
			Card:         &req.Card,
			SuccessURL:   s.returnURL(req.SuccessURL, txn.ID),
			FailURL:      s.returnURL(req.FailURL, txn.ID),
		})
		if err != nil {
			log.Warn().Err(err).Str("txn_id", txn.ID).Str("provider", txn.Provider).Msg("3ds initiation failed")
			if err := c.move(txn, &trs, model.StatusFailed, model.ActorSystem, "3ds initiation failed"); err != nil {
				return model.Outcome{}, err
			}
			released = true
		} else {
			txn.ThreeDSRef = ch.Reference
			challenge = ch
			if err := c.move(txn, &trs, model.StatusPending3DS, model.ActorGateway, "3ds challenge issued"); err != nil {
				return model.Outcome{}, err
			}
		}
	} else {
		resp, err := p.Authorize(ctx, provider.AuthorizeRequest{
			OrderID:      txn.ID,
			Amount:       txn.Amount,
			Currency:     txn.Currency,
			PaymentType:  txn.PaymentType,
			Installments: txn.Installments,
			Card:         &req.Card,
			ClientIP:     req.ClientIP,
		})
		if err != nil {
			log.Warn().Err(err).Str("txn_id", txn.ID).Str("provider", txn.Provider).Msg("authorize call failed")
			reached, err := c.dispatchFailure(txn, &trs, err)
			if err != nil {
				return model.Outcome{}, err
			}
			released = !reached
		} else {
			logGatewayResponse(txn, "authorize", resp)
			if err := c.applyAuthorization(txn, &trs, resp, model.ActorGateway); err != nil {
				return model.Outcome{}, err
			}
		}
	}

	out := model.OutcomeFor(txn)
	out.Challenge = challenge
	saveErr := c.commit(ctx, txn, model.StatusSubmitted, trs)
	if released {
		s.release(ctx, txn)
	} else {
		c.recordOutcome(ctx, txn, out)
	}
	if saveErr != nil {
		log.Error().Err(saveErr).Str("txn_id", txn.ID).Str("status", string(txn.Status)).Msg("persist gateway result")
		return model.Outcome{}, fmt.Errorf("save transaction: %w", saveErr)
	}
	return out, nil
}

// returnURL falls back to this service's own 3-D Secure callback.
func (s *PaymentService) returnURL(requested, id string) string {
	if requested != "" {
		return requested
	}
	return strings.TrimRight(s.core.CallbackBaseURL, "/") + "/api/v1/payments/" + id + "/3ds"
}

// release frees the idempotency key of a request that never reached a
// gateway so a corrected retry can go through.
func (s *PaymentService) release(ctx context.Context, txn *model.Transaction) {
	if err := s.core.Guard.Release(ctx, txn.IdempotencyKey); err != nil {
		log.Error().Err(err).Str("txn_id", txn.ID).Msg("release idempotency key")
	}
}

// Complete3DS finishes a PENDING_3DS transaction with the issuer's result.
// params are the raw callback fields, checked against the provider's
// signature when it signs them.
func (s *PaymentService) Complete3DS(ctx context.Context, id string, result model.ThreeDSResult, params map[string]string) (model.Outcome, error) {
	c := s.core
	unlock := c.locks.lock(id)
	defer unlock()

	txn, err := c.Store.Get(ctx, id)
	if err != nil {
		return model.Outcome{}, err
	}
	if txn.Status != model.StatusPending3DS {
		return model.Outcome{}, model.NewError(model.KindInvalidStateTransition, "complete 3ds",
			fmt.Sprintf("transaction is %s", txn.Status))
	}
	p, err := c.Providers.Get(txn.Provider)
	if err != nil {
		return model.Outcome{}, err
	}
	if v, ok := p.(provider.CallbackVerifier); ok && params != nil {
		if err := v.VerifyCallback(params, txn.ID, txn.Amount); err != nil {
			log.Warn().Err(err).Str("txn_id", txn.ID).Str("provider", txn.Provider).Msg("rejected 3ds callback")
			return model.Outcome{}, err
		}
	}

	ctx = context.WithoutCancel(ctx)
	ref := result.MD
	if ref == "" {
		ref = txn.ThreeDSRef
	}

	var trs []model.Transition
	var auth *provider.ThreeDSAuth
	switch {
	case result.Authenticated():
		auth = &provider.ThreeDSAuth{Reference: ref, Result: result}
	case result.FallbackEligible() && txn.Risk != nil && txn.Risk.Non3DAllowed:
		auth = &provider.ThreeDSAuth{Reference: ref, Result: result, Fallback: true}
		log.Info().Str("txn_id", txn.ID).Str("md_status", result.MDStatus).Msg("3ds not completed, authorizing without it")
	default:
		if err := c.move(txn, &trs, model.StatusDeclined, model.ActorCallback, "3ds authentication failed: mdstatus "+result.MDStatus); err != nil {
			return model.Outcome{}, err
		}
	}

	if auth != nil {
		resp, err := p.Authorize(ctx, provider.AuthorizeRequest{
			OrderID:      txn.ID,
			Amount:       txn.Amount,
			Currency:     txn.Currency,
			PaymentType:  txn.PaymentType,
			Installments: txn.Installments,
			ThreeDS:      auth,
		})
		if err != nil {
			log.Warn().Err(err).Str("txn_id", txn.ID).Str("provider", txn.Provider).Msg("3ds authorize call failed")
			if _, err := c.dispatchFailure(txn, &trs, err); err != nil {
				return model.Outcome{}, err
			}
		} else {
			logGatewayResponse(txn, "authorize", resp)
			if err := c.applyAuthorization(txn, &trs, resp, model.ActorCallback); err != nil {
				return model.Outcome{}, err
			}
		}
	}

	if err := c.commit(ctx, txn, model.StatusPending3DS, trs); err != nil {
		return model.Outcome{}, fmt.Errorf("save transaction: %w", err)
	}
	out := model.OutcomeFor(txn)
	c.recordOutcome(ctx, txn, out)
	return out, nil
}

// followUp describes an operation on an existing authorization.
type followUp struct {
	op   model.Operation
	from []model.Status
	cap  provider.Capability

	// amount validates the request and returns what the call moves.
	amount func(txn *model.Transaction) (decimal.Decimal, error)
	call   func(ctx context.Context, p provider.Provider, txn *model.Transaction, amt decimal.Decimal) (*provider.Response, error)
	apply  func(txn *model.Transaction, amt decimal.Decimal, resp *provider.Response)
}

// run executes f against transaction id. A declined or failed gateway reply
// leaves the transaction where it was; a timeout parks it in UNKNOWN until
// reconciliation learns what the gateway did.
func (s *PaymentService) run(ctx context.Context, id string, f followUp) (model.Outcome, error) {
	c := s.core
	unlock := c.locks.lock(id)
	defer unlock()

	txn, err := c.Store.Get(ctx, id)
	if err != nil {
		return model.Outcome{}, err
	}
	to := f.op.Target()
	if txn.Pending != nil {
		return model.Outcome{}, model.NewError(model.KindInvalidStateTransition, string(f.op),
			fmt.Sprintf("%s still awaiting reconciliation", txn.Pending.Op))
	}
	if !statusIn(txn.Status, f.from) {
		return model.Outcome{}, model.NewInvalidTransitionError(txn.Status, to)
	}
	var amt decimal.Decimal
	if f.amount != nil {
		if amt, err = f.amount(txn); err != nil {
			return model.Outcome{}, err
		}
	}
	p, err := c.Providers.Get(txn.Provider)
	if err != nil {
		return model.Outcome{}, err
	}
	if err := provider.Require(p, f.cap); err != nil {
		return model.Outcome{}, err
	}

	ctx = context.WithoutCancel(ctx)
	resp, err := f.call(ctx, p, txn, amt)
	if err != nil {
		log.Warn().Err(err).Str("txn_id", txn.ID).Str("provider", txn.Provider).Str("op", string(f.op)).Msg("gateway call failed")
		kind := model.KindOf(err)
		if kind == model.KindGatewayTimeout {
			return c.park(ctx, txn, f.op, amt, model.ActorOperator)
		}
		if kind == "" {
			kind = model.KindGatewayError
		}
		return model.Outcome{Kind: model.OutcomeError, Transaction: txn, ErrorKind: kind}, nil
	}
	logGatewayResponse(txn, string(f.op), resp)

	switch resp.Status {
	case provider.StatusApproved:
	case provider.StatusDeclined:
		return model.Outcome{Kind: model.OutcomeDeclined, Transaction: txn, ErrorKind: model.KindGatewayDeclined}, nil
	case provider.StatusPending:
		return c.park(ctx, txn, f.op, amt, model.ActorOperator)
	default:
		return model.Outcome{Kind: model.OutcomeError, Transaction: txn, ErrorKind: model.KindGatewayError}, nil
	}

	expected := txn.Status
	var trs []model.Transition
	if f.apply != nil {
		f.apply(txn, amt, resp)
	}
	if err := c.move(txn, &trs, to, model.ActorOperator, string(f.op)+" approved"); err != nil {
		return model.Outcome{}, err
	}
	if err := c.commit(ctx, txn, expected, trs); err != nil {
		return model.Outcome{}, fmt.Errorf("save transaction: %w", err)
	}
	return model.OutcomeFor(txn), nil
}

// Capture settles a pre-authorization. A nil amount captures the full
// authorized amount; a smaller one captures part of it.
func (s *PaymentService) Capture(ctx context.Context, id string, amount *decimal.Decimal) (model.Outcome, error) {
	return s.run(ctx, id, followUp{
		op:   model.OpCapture,
		from: []model.Status{model.StatusAuthorized},
		cap:  provider.CapCapture,
		amount: func(txn *model.Transaction) (decimal.Decimal, error) {
			if txn.PaymentType != model.PaymentPreAuth {
				return decimal.Zero, model.Validationf("capture", "only pre-authorizations can be captured")
			}
			if txn.CaptureDeadline != nil && s.core.clock().After(*txn.CaptureDeadline) {
				return decimal.Zero, model.Validationf("capture", "capture deadline passed at %s", txn.CaptureDeadline.Format("2006-01-02T15:04:05Z"))
			}
			amt := txn.Amount
			if amount != nil {
				amt = *amount
			}
			if !amt.IsPositive() {
				return decimal.Zero, model.Validationf("capture", "amount must be positive")
			}
			if amt.GreaterThan(txn.Amount) {
				return decimal.Zero, model.Validationf("capture", "amount exceeds authorized %s", txn.Amount.StringFixed(2))
			}
			return amt, nil
		},
		call: func(ctx context.Context, p provider.Provider, txn *model.Transaction, amt decimal.Decimal) (*provider.Response, error) {
			return p.Capture(ctx, provider.CaptureRequest{
				OrderID:      txn.ID,
				GatewayTxnID: txn.GatewayTxnID,
				Amount:       amt,
				Currency:     txn.Currency,
			})
		},
		apply: func(txn *model.Transaction, amt decimal.Decimal, resp *provider.Response) {
			txn.CapturedAmount = amt
			if resp.AuthCode != "" {
				txn.AuthCode = resp.AuthCode
			}
		},
	})
}

// Void cancels an authorization or a same-day capture.
func (s *PaymentService) Void(ctx context.Context, id string) (model.Outcome, error) {
	return s.run(ctx, id, followUp{
		op:   model.OpVoid,
		from: []model.Status{model.StatusAuthorized, model.StatusCaptured},
		cap:  provider.CapVoid,
		call: func(ctx context.Context, p provider.Provider, txn *model.Transaction, _ decimal.Decimal) (*provider.Response, error) {
			return p.Void(ctx, provider.VoidRequest{OrderID: txn.ID, GatewayTxnID: txn.GatewayTxnID})
		},
		apply: func(txn *model.Transaction, _ decimal.Decimal, _ *provider.Response) {
			txn.CapturedAmount = decimal.Zero
		},
	})
}

// Refund returns a captured payment. Only full refunds are supported; a nil
// amount means the captured amount.
func (s *PaymentService) Refund(ctx context.Context, id string, amount *decimal.Decimal) (model.Outcome, error) {
	return s.run(ctx, id, followUp{
		op:   model.OpRefund,
		from: []model.Status{model.StatusCaptured},
		cap:  provider.CapRefund,
		amount: func(txn *model.Transaction) (decimal.Decimal, error) {
			if amount != nil && !amount.Equal(txn.CapturedAmount) {
				return decimal.Zero, model.Validationf("refund", "partial refunds are not supported, captured amount is %s", txn.CapturedAmount.StringFixed(2))
			}
			return txn.CapturedAmount, nil
		},
		call: func(ctx context.Context, p provider.Provider, txn *model.Transaction, amt decimal.Decimal) (*provider.Response, error) {
			return p.Refund(ctx, provider.RefundRequest{
				OrderID:      txn.ID,
				GatewayTxnID: txn.GatewayTxnID,
				Amount:       amt,
				Currency:     txn.Currency,
			})
		},
		apply: func(txn *model.Transaction, amt decimal.Decimal, _ *provider.Response) {
			txn.RefundedAmount = amt
		},
	})
}

func (s *PaymentService) Get(ctx context.Context, id string) (*model.Transaction, error) {
	return s.core.Store.Get(ctx, id)
}

func (s *PaymentService) List(ctx context.Context, f repository.TransactionFilter, limit, offset int) ([]*model.Transaction, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, model.Validationf("list payments", "unknown status %q", f.Status)
	}
	return s.core.Store.List(ctx, f, limit, offset)
}

func (s *PaymentService) Transitions(ctx context.Context, id string) ([]model.Transition, error) {
	return s.core.Store.Transitions(ctx, id)
}

// Card returns the masked display data behind a card token.
func (s *PaymentService) Card(ctx context.Context, token string) (*model.CardToken, error) {
	return s.core.Tokenizer.Display(ctx, token)
}

func statusIn(s model.Status, set []model.Status) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}
