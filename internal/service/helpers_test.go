package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/anyulbade/vpos-engine/internal/carddata"
	"github.com/anyulbade/vpos-engine/internal/config"
	"github.com/anyulbade/vpos-engine/internal/events"
	"github.com/anyulbade/vpos-engine/internal/idempotency"
	"github.com/anyulbade/vpos-engine/internal/model"
	"github.com/anyulbade/vpos-engine/internal/provider"
	"github.com/anyulbade/vpos-engine/internal/repository"
	"github.com/anyulbade/vpos-engine/internal/risk"
)

const testPAN = "4546711234567894"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// fakeGateway approves everything unless a hook says otherwise and counts
// every call by operation.
type fakeGateway struct {
	name string
	caps provider.CapabilitySet

	authorize func(req provider.AuthorizeRequest) (*provider.Response, error)
	capture   func(req provider.CaptureRequest) (*provider.Response, error)
	refund    func(req provider.RefundRequest) (*provider.Response, error)
	void      func(req provider.VoidRequest) (*provider.Response, error)
	query     func(req provider.QueryRequest) (*provider.Response, error)

	mu       sync.Mutex
	calls    map[string]int
	lastAuth provider.AuthorizeRequest
}

func newFakeGateway(name string, caps ...provider.Capability) *fakeGateway {
	if len(caps) == 0 {
		caps = []provider.Capability{
			provider.CapAuthorize, provider.CapPreAuth, provider.CapCapture, provider.CapRefund,
			provider.CapVoid, provider.CapQuery, provider.Cap3DS, provider.CapInstallment,
		}
	}
	return &fakeGateway{name: name, caps: provider.NewCapabilitySet(caps...), calls: make(map[string]int)}
}

func (g *fakeGateway) count(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
}

func (g *fakeGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) LastAuth() provider.AuthorizeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastAuth
}

func approved(ref string) *provider.Response {
	return &provider.Response{Status: provider.StatusApproved, GatewayTxnID: ref, AuthCode: "A1B2C3", ResponseCode: "00"}
}

func settled(s model.Status) func(provider.QueryRequest) (*provider.Response, error) {
	return func(provider.QueryRequest) (*provider.Response, error) {
		return &provider.Response{Status: provider.StatusApproved, Settlement: s, ResponseCode: "00"}, nil
	}
}

func timedOut(op string) error {
	return model.WrapError(model.KindGatewayTimeout, op, context.DeadlineExceeded)
}

func (g *fakeGateway) Name() string                         { return g.name }
func (g *fakeGateway) Capabilities() provider.CapabilitySet { return g.caps }

func (g *fakeGateway) Authorize(_ context.Context, req provider.AuthorizeRequest) (*provider.Response, error) {
	g.count("authorize")
	g.mu.Lock()
	g.lastAuth = req
	g.mu.Unlock()
	if g.authorize != nil {
		return g.authorize(req)
	}
	return approved("gw-" + req.OrderID), nil
}

func (g *fakeGateway) Capture(_ context.Context, req provider.CaptureRequest) (*provider.Response, error) {
	g.count("capture")
	if g.capture != nil {
		return g.capture(req)
	}
	return approved(req.GatewayTxnID), nil
}

func (g *fakeGateway) Refund(_ context.Context, req provider.RefundRequest) (*provider.Response, error) {
	g.count("refund")
	if g.refund != nil {
		return g.refund(req)
	}
	return approved(req.GatewayTxnID), nil
}

func (g *fakeGateway) Void(_ context.Context, req provider.VoidRequest) (*provider.Response, error) {
	g.count("void")
	if g.void != nil {
		return g.void(req)
	}
	return approved(req.GatewayTxnID), nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, req provider.QueryRequest) (*provider.Response, error) {
	g.count("query")
	if g.query != nil {
		return g.query(req)
	}
	return &provider.Response{Status: provider.StatusApproved}, nil
}

func (g *fakeGateway) Initiate3DS(_ context.Context, req provider.ThreeDSRequest) (*model.ThreeDSChallenge, error) {
	g.count("3ds")
	return &model.ThreeDSChallenge{
		RedirectURL: "https://acs.test/gate",
		Method:      "POST",
		Fields:      map[string]string{"oid": req.OrderID, "okUrl": req.SuccessURL},
		Reference:   "ref-" + req.OrderID,
	}, nil
}

// signedGateway only trusts callbacks carrying hash=valid for the order and
// amount being completed.
type signedGateway struct {
	*fakeGateway
}

func (g signedGateway) VerifyCallback(params map[string]string, orderID string, amount decimal.Decimal) error {
	if params["hash"] != "valid" {
		return model.Validationf("test callback", "hash mismatch")
	}
	if params["oid"] != orderID || params["amount"] != amount.StringFixed(2) {
		return model.Validationf("test callback", "callback belongs to another order")
	}
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.TransitionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evs []events.TransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evs...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) For(id string) []model.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Status
	for _, ev := range p.events {
		if ev.TransactionID == id {
			out = append(out, ev.To)
		}
	}
	return out
}

type testEnv struct {
	payments  *PaymentService
	reconcile *ReconcileService
	holds     *HoldService
	store     *repository.MemoryTransactionRepository
	clock     *testClock
	published *recordingPublisher
}

func testRules() risk.RuleSet {
	return risk.RuleSet{
		Version:      "test-1",
		AmountLimits: []risk.AmountLimit{{Currency: model.CurrencyTRY, Max: d("100000")}},
		Installment: []risk.InstallmentRule{
			{Provider: "fakebank", Currency: model.CurrencyTRY, Enabled: true, MinAmount: d("2000"), MaxInstallments: 12},
		},
		Non3DFallback: []risk.Non3DFallbackRule{
			{Currency: model.CurrencyTRY, Allowed: true, MaxAmount: d("10000")},
		},
	}
}

func newTestEnv(t *testing.T, gws ...provider.Provider) *testEnv {
	t.Helper()
	require.NotEmpty(t, gws)

	clock := &testClock{now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryTransactionRepository()
	pub := &recordingPublisher{}
	core := NewCore(Deps{
		Store:     store,
		Providers: provider.NewStaticRegistry(gws[0].Name(), gws...),
		Guard:     idempotency.NewGuard(idempotency.NewMemoryStore(), time.Hour),
		Tokenizer: carddata.NewTokenizer(carddata.NewMemoryVault(), []byte("test-pepper")),
		Rules:     testRules(),
		Preauth:   config.PreauthConfig{HoldDuration: 168 * time.Hour, CaptureDeadline: 144 * time.Hour},
		Publisher: pub,

		CallbackBaseURL: "https://pay.test",
	}).WithClock(clock.Now)

	return &testEnv{
		payments:  NewPaymentService(core),
		reconcile: NewReconcileService(core, 2),
		holds:     NewHoldService(core),
		store:     store,
		clock:     clock,
		published: pub,
	}
}

func saleRequest(orderID, amount string) CheckoutRequest {
	return CheckoutRequest{
		MerchantOrderID: orderID,
		Amount:          d(amount),
		Currency:        model.CurrencyTRY,
		PaymentType:     model.PaymentSale,
		Card:            model.CardData{PAN: testPAN, ExpiryMonth: "12", ExpiryYear: "2030", CVV: "123", Holder: "Ayse Yilmaz"},
	}
}

func statuses(trs []model.Transition) []model.Status {
	out := make([]model.Status, 0, len(trs))
	for _, tr := range trs {
		out = append(out, tr.To)
	}
	return out
}
