package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anyulbade/vpos-engine/internal/model"
	"github.com/anyulbade/vpos-engine/internal/provider"
	"github.com/anyulbade/vpos-engine/internal/repository"
	"github.com/anyulbade/vpos-engine/internal/risk"
)

func TestCheckout_SaleIsCaptured(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	ctx := context.Background()

	out, err := env.payments.Checkout(ctx, saleRequest("ORD-1", "150.00"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, out.Kind)
	require.NotNil(t, out.Transaction)

	txn, err := env.payments.Get(ctx, out.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCaptured, txn.Status)
	assert.True(t, txn.CapturedAmount.Equal(d("150")))
	assert.Equal(t, "454671******7894", txn.MaskedPAN)
	assert.Equal(t, "gw-"+txn.ID, txn.GatewayTxnID)
	assert.Equal(t, 1, gw.Calls("authorize"))
	assert.Equal(t, testPAN, gw.LastAuth().Card.PAN, "gateway receives the card for the dispatch")

	trs, err := env.payments.Transitions(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.Status{
		model.StatusRiskEvaluated, model.StatusSubmitted, model.StatusAuthorized, model.StatusCaptured,
	}, statuses(trs))
	assert.Equal(t, statuses(trs), env.published.For(txn.ID))

	b, err := json.Marshal(txn)
	require.NoError(t, err)
	assert.NotContains(t, string(b), testPAN)
}

func TestCheckout_InstallmentBelowMinimumIsDeniedWithoutGatewayCall(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)

	req := saleRequest("ORD-INST", "1500")
	req.PaymentType = model.PaymentInstallment
	req.Installments = 3

	out, err := env.payments.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeclined, out.Kind)
	require.NotNil(t, out.Transaction.Risk)
	assert.False(t, out.Transaction.Risk.Approve)
	assert.Contains(t, out.Transaction.Risk.Reasons, risk.ReasonInstallmentMin)
	assert.Equal(t, model.StatusDeclined, out.Transaction.Status)
	assert.Equal(t, 0, gw.Calls("authorize"))
	assert.Equal(t, 0, gw.Calls("3ds"))
}

func TestCheckout_InstallmentAboveMinimumIsAuthorized(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)

	req := saleRequest("ORD-INST-OK", "2400")
	req.PaymentType = model.PaymentInstallment
	req.Installments = 6

	out, err := env.payments.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, out.Kind)
	assert.Equal(t, 6, gw.LastAuth().Installments)
}

func TestCheckout_Validation(t *testing.T) {
	noInstallments := newFakeGateway("nobank",
		provider.CapAuthorize, provider.CapCapture, provider.CapRefund, provider.CapVoid, provider.CapQuery)
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw, noInstallments)

	cases := []struct {
		name   string
		mutate func(r *CheckoutRequest)
		kind   model.ErrorKind
	}{
		{"missing order id", func(r *CheckoutRequest) { r.MerchantOrderID = " " }, model.KindValidation},
		{"long order id", func(r *CheckoutRequest) { r.MerchantOrderID = strings.Repeat("x", 65) }, model.KindValidation},
		{"zero amount", func(r *CheckoutRequest) { r.Amount = d("0") }, model.KindValidation},
		{"negative amount", func(r *CheckoutRequest) { r.Amount = d("-10") }, model.KindValidation},
		{"three decimals", func(r *CheckoutRequest) { r.Amount = d("10.005") }, model.KindValidation},
		{"unknown currency", func(r *CheckoutRequest) { r.Currency = "JPY" }, model.KindValidation},
		{"unknown type", func(r *CheckoutRequest) { r.PaymentType = "LAYAWAY" }, model.KindValidation},
		{"installments on sale", func(r *CheckoutRequest) { r.Installments = 3 }, model.KindValidation},
		{"too many installments", func(r *CheckoutRequest) {
			r.PaymentType = model.PaymentInstallment
			r.Installments = 24
		}, model.KindValidation},
		{"unknown provider", func(r *CheckoutRequest) { r.Provider = "ghostbank" }, model.KindValidation},
		{"bad pan", func(r *CheckoutRequest) { r.Card.PAN = "4546711234567895" }, model.KindValidation},
		{"installment unsupported", func(r *CheckoutRequest) {
			r.Provider = "nobank"
			r.PaymentType = model.PaymentInstallment
			r.Installments = 3
		}, model.KindCapabilityUnsupported},
		{"3ds unsupported", func(r *CheckoutRequest) {
			r.Provider = "nobank"
			r.ThreeDSecure = true
		}, model.KindCapabilityUnsupported},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := saleRequest("ORD-"+tc.name, "100")
			tc.mutate(&req)
			_, err := env.payments.Checkout(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tc.kind, model.KindOf(err))
		})
	}
	assert.Equal(t, 0, gw.Calls("authorize"))
	assert.Equal(t, 0, noInstallments.Calls("authorize"))
}

func TestCheckout_SequentialDuplicateReplaysOutcome(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	ctx := context.Background()

	first, err := env.payments.Checkout(ctx, saleRequest("ORD-DUP", "99.90"))
	require.NoError(t, err)
	second, err := env.payments.Checkout(ctx, saleRequest("ORD-DUP", "99.9"))
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Kind, second.Kind)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, first.Transaction.Status, second.Transaction.Status)
	assert.Equal(t, 1, gw.Calls("authorize"))

	_, total, err := env.payments.List(ctx, repository.TransactionFilter{MerchantOrderID: "ORD-DUP"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestCheckout_ConcurrentDuplicatesReachGatewayOnce(t *testing.T) {
	gw := newFakeGateway("fakebank")
	gw.authorize = func(req provider.AuthorizeRequest) (*provider.Response, error) {
		time.Sleep(30 * time.Millisecond)
		return approved("gw-" + req.OrderID), nil
	}
	env := newTestEnv(t, gw)

	const n = 12
	outs := make([]model.Outcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = env.payments.Checkout(context.Background(), saleRequest("ORD-RACE", "250"))
		}(i)
	}
	wg.Wait()

	originals := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, model.OutcomeApproved, outs[i].Kind)
		assert.Equal(t, outs[0].Transaction.ID, outs[i].Transaction.ID)
		if !outs[i].Duplicate {
			originals++
		}
	}
	assert.Equal(t, 1, originals)
	assert.Equal(t, 1, gw.Calls("authorize"))
}

func TestCheckout_ClientKeyReusedWithDifferentPayload(t *testing.T) {
	env := newTestEnv(t, newFakeGateway("fakebank"))
	ctx := context.Background()

	req := saleRequest("ORD-K", "10")
	req.IdempotencyKey = "client-key-1"
	_, err := env.payments.Checkout(ctx, req)
	require.NoError(t, err)

	req.Amount = d("11")
	_, err = env.payments.Checkout(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrIdempotencyMismatch)
}

func TestCheckout_TimeoutLeavesUnknownUntilReconciled(t *testing.T) {
	gw := newFakeGateway("fakebank")
	gw.authorize = func(provider.AuthorizeRequest) (*provider.Response, error) {
		return nil, model.WrapError(model.KindGatewayTimeout, "fakebank authorize", context.DeadlineExceeded)
	}
	env := newTestEnv(t, gw)
	ctx := context.Background()

	out, err := env.payments.Checkout(ctx, saleRequest("ORD-TO", "300"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePending, out.Kind)
	assert.Equal(t, model.KindGatewayTimeout, out.ErrorKind)
	assert.Equal(t, model.StatusUnknown, out.Transaction.Status)
	id := out.Transaction.ID

	retry, err := env.payments.Checkout(ctx, saleRequest("ORD-TO", "300"))
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, model.StatusUnknown, retry.Transaction.Status)
	assert.Equal(t, 1, gw.Calls("authorize"), "no resubmission while the outcome is unknown")

	gw.query = func(req provider.QueryRequest) (*provider.Response, error) {
		assert.Equal(t, id, req.OrderID)
		return &provider.Response{Status: provider.StatusApproved, GatewayTxnID: "gw-late", AuthCode: "778899", Settlement: model.StatusCaptured}, nil
	}
	txn, err := env.reconcile.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCaptured, txn.Status)
	assert.Equal(t, "gw-late", txn.GatewayTxnID)
	assert.True(t, txn.CapturedAmount.Equal(d("300")))

	trs, err := env.payments.Transitions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []model.Status{
		model.StatusRiskEvaluated, model.StatusSubmitted, model.StatusUnknown, model.StatusCaptured,
	}, statuses(trs))

	replay, err := env.payments.Checkout(ctx, saleRequest("ORD-TO", "300"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, replay.Kind)
	assert.Equal(t, 1, gw.Calls("authorize"))
}

func TestCheckout_UnsentRequestFailsAndFreesKey(t *testing.T) {
	gw := newFakeGateway("fakebank")
	gw.authorize = func(provider.AuthorizeRequest) (*provider.Response, error) {
		return nil, model.WrapError(model.KindGatewayError, "fakebank authorize", model.ErrGatewayError)
	}
	env := newTestEnv(t, gw)
	ctx := context.Background()

	out, err := env.payments.Checkout(ctx, saleRequest("ORD-NS", "40"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeError, out.Kind)
	assert.Equal(t, model.StatusFailed, out.Transaction.Status)

	gw.authorize = nil
	again, err := env.payments.Checkout(ctx, saleRequest("ORD-NS", "40"))
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
	assert.Equal(t, model.OutcomeApproved, again.Kind)
	assert.NotEqual(t, out.Transaction.ID, again.Transaction.ID)
	assert.Equal(t, 2, gw.Calls("authorize"))
}

func TestCheckout_GatewayDecline(t *testing.T) {
	gw := newFakeGateway("fakebank")
	gw.authorize = func(provider.AuthorizeRequest) (*provider.Response, error) {
		return &provider.Response{Status: provider.StatusDeclined, ResponseCode: "51", Message: "insufficient funds"}, nil
	}
	env := newTestEnv(t, gw)

	out, err := env.payments.Checkout(context.Background(), saleRequest("ORD-51", "75"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeclined, out.Kind)
	assert.Equal(t, model.KindGatewayDeclined, out.ErrorKind)
	assert.Equal(t, model.StatusDeclined, out.Transaction.Status)
}

func TestCheckout_Non3DNotPermittedForces3DS(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	ctx := context.Background()

	req := saleRequest("ORD-USD", "80")
	req.Currency = model.CurrencyUSD

	out, err := env.payments.Checkout(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePending, out.Kind)
	assert.Equal(t, model.StatusPending3DS, out.Transaction.Status)
	assert.True(t, out.Transaction.ThreeDSecure)
	require.NotNil(t, out.Challenge)
	assert.Equal(t, "https://pay.test/api/v1/payments/"+out.Transaction.ID+"/3ds", out.Challenge.Fields["okUrl"])
	assert.Equal(t, 0, gw.Calls("authorize"))

	done, err := env.payments.Complete3DS(ctx, out.Transaction.ID, model.ThreeDSResult{MDStatus: "1", ECI: "05", CAVV: "AAAB"}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, done.Kind)
	assert.Equal(t, model.StatusCaptured, done.Transaction.Status)

	auth := gw.LastAuth()
	require.NotNil(t, auth.ThreeDS)
	assert.Nil(t, auth.Card, "the 3ds reference replaces the card")
	assert.Equal(t, "ref-"+out.Transaction.ID, auth.ThreeDS.Reference)
	assert.False(t, auth.ThreeDS.Fallback)
}

func TestCheckout_Non3DRequiredButProviderLacks3DS(t *testing.T) {
	gw := newFakeGateway("plainbank", provider.CapAuthorize, provider.CapQuery)
	env := newTestEnv(t, gw)

	req := saleRequest("ORD-EUR", "80")
	req.Currency = model.CurrencyEUR

	out, err := env.payments.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeclined, out.Kind)
	assert.Equal(t, 0, gw.Calls("authorize"))
}

func pending3DS(t *testing.T, env *testEnv) *model.Transaction {
	t.Helper()
	req := saleRequest("ORD-3DS-"+time.Now().Format("150405.000000"), "120")
	req.ThreeDSecure = true
	out, err := env.payments.Checkout(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending3DS, out.Transaction.Status)
	return out.Transaction
}

func TestComplete3DS_FailedAuthenticationDeclines(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	txn := pending3DS(t, env)

	out, err := env.payments.Complete3DS(context.Background(), txn.ID, model.ThreeDSResult{MDStatus: "0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeclined, out.Kind)
	assert.Equal(t, 0, gw.Calls("authorize"))

	trs, err := env.payments.Transitions(context.Background(), txn.ID)
	require.NoError(t, err)
	last := trs[len(trs)-1]
	assert.Equal(t, model.ActorCallback, last.Actor)
	assert.Equal(t, model.StatusDeclined, last.To)
}

func TestComplete3DS_FallbackWhenNon3DAllowed(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	txn := pending3DS(t, env)

	out, err := env.payments.Complete3DS(context.Background(), txn.ID, model.ThreeDSResult{MDStatus: "4"}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, out.Kind)
	require.NotNil(t, gw.LastAuth().ThreeDS)
	assert.True(t, gw.LastAuth().ThreeDS.Fallback)
}

func TestComplete3DS_RejectsUnverifiedCallback(t *testing.T) {
	gw := signedGateway{newFakeGateway("signedbank")}
	env := newTestEnv(t, gw)
	txn := pending3DS(t, env)
	ctx := context.Background()

	_, err := env.payments.Complete3DS(ctx, txn.ID, model.ThreeDSResult{MDStatus: "1"}, map[string]string{"hash": "forged"})
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))

	got, err := env.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending3DS, got.Status)
	assert.Equal(t, 0, gw.Calls("authorize"))

	valid := map[string]string{"hash": "valid", "oid": txn.ID, "amount": "120.00"}
	out, err := env.payments.Complete3DS(ctx, txn.ID, model.ThreeDSResult{MDStatus: "1"}, valid)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, out.Kind)
}

func TestComplete3DS_CallbackForAnotherOrderIsRejected(t *testing.T) {
	gw := signedGateway{newFakeGateway("signedbank")}
	env := newTestEnv(t, gw)
	ctx := context.Background()

	small := pending3DS(t, env)
	req := saleRequest("ORD-3DS-BIG", "9000")
	req.ThreeDSecure = true
	big, err := env.payments.Checkout(ctx, req)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending3DS, big.Transaction.Status)

	smallCallback := map[string]string{"hash": "valid", "oid": small.ID, "amount": "120.00"}
	_, err = env.payments.Complete3DS(ctx, big.Transaction.ID, model.ThreeDSResult{MDStatus: "1"}, smallCallback)
	assert.Equal(t, model.KindValidation, model.KindOf(err))

	wrongAmount := map[string]string{"hash": "valid", "oid": big.Transaction.ID, "amount": "120.00"}
	_, err = env.payments.Complete3DS(ctx, big.Transaction.ID, model.ThreeDSResult{MDStatus: "1"}, wrongAmount)
	assert.Equal(t, model.KindValidation, model.KindOf(err))

	got, err := env.payments.Get(ctx, big.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending3DS, got.Status)
	assert.Equal(t, 0, gw.Calls("authorize"))
}

func TestComplete3DS_RequiresPending3DS(t *testing.T) {
	env := newTestEnv(t, newFakeGateway("fakebank"))
	out, err := env.payments.Checkout(context.Background(), saleRequest("ORD-C", "10"))
	require.NoError(t, err)

	_, err = env.payments.Complete3DS(context.Background(), out.Transaction.ID, model.ThreeDSResult{MDStatus: "1"}, nil)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	_, err = env.payments.Complete3DS(context.Background(), "00000000-0000-0000-0000-000000000000", model.ThreeDSResult{MDStatus: "1"}, nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func preauth(t *testing.T, env *testEnv, orderID, amount string) *model.Transaction {
	t.Helper()
	req := saleRequest(orderID, amount)
	req.PaymentType = model.PaymentPreAuth
	out, err := env.payments.Checkout(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.StatusAuthorized, out.Transaction.Status)
	return out.Transaction
}

func TestCapture_PreAuth(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	ctx := context.Background()

	txn := preauth(t, env, "ORD-PA", "500")
	require.NotNil(t, txn.CaptureDeadline)
	require.NotNil(t, txn.HoldExpiresAt)
	assert.Equal(t, env.clock.Now().Add(144*time.Hour), *txn.CaptureDeadline)
	assert.True(t, gw.LastAuth().PreAuth())

	_, err := env.payments.Capture(ctx, txn.ID, dp("500.01"))
	assert.Equal(t, model.KindValidation, model.KindOf(err))

	out, err := env.payments.Capture(ctx, txn.ID, dp("320.50"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, out.Kind)
	assert.Equal(t, model.StatusCaptured, out.Transaction.Status)
	assert.True(t, out.Transaction.CapturedAmount.Equal(d("320.50")))

	_, err = env.payments.Capture(ctx, txn.ID, nil)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	assert.Equal(t, 1, gw.Calls("capture"))
}

func TestCapture_AfterDeadlineIsRejected(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)

	txn := preauth(t, env, "ORD-LATE", "200")
	env.clock.Advance(145 * time.Hour)

	_, err := env.payments.Capture(context.Background(), txn.ID, nil)
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
	assert.Equal(t, 0, gw.Calls("capture"))
}

func TestCapture_SaleCannotBeCapturedAgain(t *testing.T) {
	env := newTestEnv(t, newFakeGateway("fakebank"))
	out, err := env.payments.Checkout(context.Background(), saleRequest("ORD-S", "10"))
	require.NoError(t, err)

	_, err = env.payments.Capture(context.Background(), out.Transaction.ID, nil)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
}

func TestCapture_DeclineLeavesAuthorized(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	ctx := context.Background()
	txn := preauth(t, env, "ORD-CD", "100")

	gw.capture = func(provider.CaptureRequest) (*provider.Response, error) {
		return &provider.Response{Status: provider.StatusDeclined, ResponseCode: "05"}, nil
	}
	out, err := env.payments.Capture(ctx, txn.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeclined, out.Kind)

	got, err := env.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAuthorized, got.Status)
	assert.Nil(t, got.Pending)
}

func TestCapture_TimeoutParksUntilReconciled(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	ctx := context.Background()
	txn := preauth(t, env, "ORD-CT", "100")

	gw.capture = func(provider.CaptureRequest) (*provider.Response, error) {
		return nil, timedOut("capture")
	}
	out, err := env.payments.Capture(ctx, txn.ID, dp("60"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePending, out.Kind)
	assert.Equal(t, model.KindGatewayTimeout, out.ErrorKind)
	assert.Equal(t, model.StatusUnknown, out.Transaction.Status)

	got, err := env.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnknown, got.Status)
	require.NotNil(t, got.Pending)
	assert.Equal(t, model.OpCapture, got.Pending.Op)
	assert.Equal(t, model.StatusAuthorized, got.Pending.From)
	assert.True(t, got.Pending.Amount.Equal(d("60")))

	gw.capture = nil
	_, err = env.payments.Capture(ctx, txn.ID, dp("60"))
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	_, err = env.payments.Void(ctx, txn.ID)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	assert.Equal(t, 1, gw.Calls("capture"), "no resend while the outcome is unknown")

	env.clock.Advance(145 * time.Hour)
	holds, err := env.holds.ExpireHolds(ctx, env.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, holds.Checked)
	assert.Equal(t, 0, gw.Calls("void"))

	gw.query = settled(model.StatusCaptured)
	report, err := env.reconcile.ReconcilePending(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 1, Settled: 1}, report)
	assert.Equal(t, 1, gw.Calls("query"))

	got, err = env.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCaptured, got.Status)
	assert.Nil(t, got.Pending)
	assert.True(t, got.CapturedAmount.Equal(d("60")))

	trs, err := env.payments.Transitions(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.Status{
		model.StatusRiskEvaluated, model.StatusSubmitted, model.StatusAuthorized,
		model.StatusUnknown, model.StatusAuthorized, model.StatusCaptured,
	}, statuses(trs))
}

func TestCapture_TimeoutNotAppliedAtGatewayCanBeRetried(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	ctx := context.Background()
	txn := preauth(t, env, "ORD-CR", "100")

	gw.capture = func(provider.CaptureRequest) (*provider.Response, error) {
		return &provider.Response{Status: provider.StatusPending, ResponseCode: "99"}, nil
	}
	out, err := env.payments.Capture(ctx, txn.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePending, out.Kind)

	gw.query = settled(model.StatusAuthorized)
	got, err := env.reconcile.Reconcile(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAuthorized, got.Status)
	assert.Nil(t, got.Pending)
	assert.True(t, got.CapturedAmount.IsZero())

	gw.capture = nil
	out, err = env.payments.Capture(ctx, txn.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, out.Kind)
	assert.Equal(t, 2, gw.Calls("capture"))
}

func TestRefund_TimeoutConfirmedByReconciliation(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	ctx := context.Background()

	sale, err := env.payments.Checkout(ctx, saleRequest("ORD-RT", "75"))
	require.NoError(t, err)
	id := sale.Transaction.ID

	gw.refund = func(provider.RefundRequest) (*provider.Response, error) {
		return nil, timedOut("refund")
	}
	out, err := env.payments.Refund(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePending, out.Kind)
	assert.Equal(t, model.StatusUnknown, out.Transaction.Status)

	_, err = env.payments.Refund(ctx, id, nil)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	assert.Equal(t, 1, gw.Calls("refund"))

	gw.query = settled(model.StatusRefunded)
	got, err := env.reconcile.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRefunded, got.Status)
	assert.True(t, got.RefundedAmount.Equal(d("75")))

	replay, err := env.payments.Checkout(ctx, saleRequest("ORD-RT", "75"))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, model.OutcomeApproved, replay.Kind, "checkout outcome is not rewritten by follow-ups")
}

func TestReconcile_PendingFollowUpWithUnexpectedGatewayStatus(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	ctx := context.Background()
	txn := preauth(t, env, "ORD-UX", "40")

	gw.void = func(provider.VoidRequest) (*provider.Response, error) {
		return nil, timedOut("void")
	}
	_, err := env.payments.Void(ctx, txn.ID)
	require.NoError(t, err)

	gw.query = settled(model.StatusRefunded)
	_, err = env.reconcile.Reconcile(ctx, txn.ID)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	got, err := env.payments.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnknown, got.Status)
	require.NotNil(t, got.Pending)
	assert.Equal(t, model.OpVoid, got.Pending.Op)
}

func TestRefund_FullOnly(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	ctx := context.Background()

	out, err := env.payments.Checkout(ctx, saleRequest("ORD-R", "60"))
	require.NoError(t, err)
	id := out.Transaction.ID

	_, err = env.payments.Refund(ctx, id, dp("20"))
	assert.Equal(t, model.KindValidation, model.KindOf(err))

	refunded, err := env.payments.Refund(ctx, id, dp("60.00"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusRefunded, refunded.Transaction.Status)
	assert.True(t, refunded.Transaction.RefundedAmount.Equal(d("60")))

	_, err = env.payments.Refund(ctx, id, nil)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	_, err = env.payments.Void(ctx, id)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	got, err := env.payments.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRefunded, got.Status)
	assert.Equal(t, 1, gw.Calls("refund"))
}

func TestVoid_CapturedSaleClearsCapturedAmount(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	ctx := context.Background()

	sale, err := env.payments.Checkout(ctx, saleRequest("ORD-VS", "30"))
	require.NoError(t, err)
	require.True(t, sale.Transaction.CapturedAmount.Equal(d("30")))

	out, err := env.payments.Void(ctx, sale.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusVoided, out.Transaction.Status)
	assert.True(t, out.Transaction.CapturedAmount.IsZero())

	got, err := env.payments.Get(ctx, sale.Transaction.ID)
	require.NoError(t, err)
	assert.True(t, got.CapturedAmount.IsZero())
}

func TestVoid_AuthorizedPreAuth(t *testing.T) {
	gw := newFakeGateway("fakebank")
	env := newTestEnv(t, gw)
	txn := preauth(t, env, "ORD-V", "90")

	out, err := env.payments.Void(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusVoided, out.Transaction.Status)
	assert.Equal(t, 1, gw.Calls("void"))
}

func TestRefund_CapabilityUnsupported(t *testing.T) {
	gw := newFakeGateway("norefund", provider.CapAuthorize, provider.CapVoid, provider.CapQuery)
	env := newTestEnv(t, gw)
	ctx := context.Background()

	out, err := env.payments.Checkout(ctx, saleRequest("ORD-NR", "25"))
	require.NoError(t, err)

	_, err = env.payments.Refund(ctx, out.Transaction.ID, nil)
	assert.ErrorIs(t, err, model.ErrCapabilityUnsupported)
	assert.Equal(t, 0, gw.Calls("refund"))
}

func TestList_RejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t, newFakeGateway("fakebank"))
	_, _, err := env.payments.List(context.Background(), repository.TransactionFilter{Status: "PAID"}, 10, 0)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestCard_DisplaysMaskedToken(t *testing.T) {
	env := newTestEnv(t, newFakeGateway("fakebank"))
	ctx := context.Background()
	out, err := env.payments.Checkout(ctx, saleRequest("ORD-CARD", "10"))
	require.NoError(t, err)

	tok, err := env.payments.Card(ctx, out.Transaction.CardToken)
	require.NoError(t, err)
	assert.Equal(t, out.Transaction.MaskedPAN, tok.MaskedPAN)
	assert.Equal(t, "7894", tok.Last4)
	assert.Equal(t, "3012", tok.ExpiryYYMM)

	_, err = env.payments.Card(ctx, "ct_missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
