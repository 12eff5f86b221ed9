// Package provider adapts bank gateways to one capability-based interface.
// Callers pick an implementation by name from a Registry and never switch on
// concrete types.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/anyulbade/vpos-engine/internal/model"
)

type Capability string

const (
	CapAuthorize   Capability = "authorize"
	CapPreAuth     Capability = "preauth"
	CapCapture     Capability = "capture"
	CapRefund      Capability = "refund"
	CapVoid        Capability = "void"
	CapQuery       Capability = "query"
	Cap3DS         Capability = "3ds"
	CapInstallment Capability = "installment"
)

var allCapabilities = []Capability{
	CapAuthorize, CapPreAuth, CapCapture, CapRefund, CapVoid, CapQuery, Cap3DS, CapInstallment,
}

// CapabilitySet is immutable after construction.
type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Without returns a copy of s minus the named capabilities. Unknown names are
// rejected so a typo in config cannot silently leave a feature enabled.
func (s CapabilitySet) Without(names []string) (CapabilitySet, error) {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	for _, n := range names {
		c := Capability(strings.ToLower(strings.TrimSpace(n)))
		if !knownCapability(c) {
			return nil, fmt.Errorf("unknown capability %q", n)
		}
		delete(out, c)
	}
	return out, nil
}

func (s CapabilitySet) List() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

func knownCapability(c Capability) bool {
	for _, k := range allCapabilities {
		if k == c {
			return true
		}
	}
	return false
}

// Require returns CapabilityUnsupported when p lacks any of caps.
func Require(p Provider, caps ...Capability) error {
	have := p.Capabilities()
	for _, c := range caps {
		if !have.Has(c) {
			return model.NewError(model.KindCapabilityUnsupported, p.Name(), string(c))
		}
	}
	return nil
}

type ResponseStatus string

const (
	StatusApproved ResponseStatus = "approved"
	StatusDeclined ResponseStatus = "declined"
	StatusPending  ResponseStatus = "pending"
	StatusError    ResponseStatus = "error"
)

// Response is a gateway reply normalised across providers. ResponseCode and
// Message are for logs; they are never shown to end users.
type Response struct {
	Status       ResponseStatus
	GatewayTxnID string
	AuthCode     string
	HostRef      string
	ResponseCode string
	Message      string

	// Settlement is set by QueryStatus: the lifecycle status the gateway
	// holds for the order. Empty when the gateway has no record of it.
	Settlement model.Status
}

// ThreeDSAuth carries the result of a completed 3-D Secure challenge into the
// authorization call. Reference is what Initiate3DS issued (Nestpay md or
// Payten session token); the PAN is not needed again.
type ThreeDSAuth struct {
	Reference string
	Result    model.ThreeDSResult
	Fallback  bool
}

type AuthorizeRequest struct {
	OrderID      string
	Amount       decimal.Decimal
	Currency     model.Currency
	PaymentType  model.PaymentType
	Installments int
	Card         *model.CardData
	ThreeDS      *ThreeDSAuth
	ClientIP     string
}

// PreAuth reports whether the authorization only places a hold.
func (r AuthorizeRequest) PreAuth() bool {
	return r.PaymentType == model.PaymentPreAuth
}

type CaptureRequest struct {
	OrderID      string
	GatewayTxnID string
	Amount       decimal.Decimal
	Currency     model.Currency
}

type RefundRequest struct {
	OrderID      string
	GatewayTxnID string
	Amount       decimal.Decimal
	Currency     model.Currency
}

type VoidRequest struct {
	OrderID      string
	GatewayTxnID string
}

type QueryRequest struct {
	OrderID      string
	GatewayTxnID string
}

type ThreeDSRequest struct {
	OrderID      string
	Amount       decimal.Decimal
	Currency     model.Currency
	PaymentType  model.PaymentType
	Installments int
	Card         *model.CardData
	SuccessURL   string
	FailURL      string
}

// Provider is one bank gateway. Every method is safe for concurrent use.
type Provider interface {
	Name() string
	Capabilities() CapabilitySet
	Authorize(ctx context.Context, req AuthorizeRequest) (*Response, error)
	Capture(ctx context.Context, req CaptureRequest) (*Response, error)
	Refund(ctx context.Context, req RefundRequest) (*Response, error)
	Void(ctx context.Context, req VoidRequest) (*Response, error)
	QueryStatus(ctx context.Context, req QueryRequest) (*Response, error)
	Initiate3DS(ctx context.Context, req ThreeDSRequest) (*model.ThreeDSChallenge, error)
}

// CallbackVerifier is implemented by providers whose 3-D Secure callback is
// signed and must be checked before the result is trusted. The signed fields
// must name orderID and amount, so a genuine callback for one order cannot
// complete another.
type CallbackVerifier interface {
	VerifyCallback(params map[string]string, orderID string, amount decimal.Decimal) error
}

func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func installmentCount(pt model.PaymentType, n int) string {
	if pt != model.PaymentInstallment || n <= 1 {
		return ""
	}
	return fmt.Sprintf("%d", n)
}
