package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentType string

const (
	PaymentSale        PaymentType = "SALE"
	PaymentInstallment PaymentType = "INSTALLMENT"
	PaymentPreAuth     PaymentType = "PREAUTH"
)

func (p PaymentType) Valid() bool {
	switch p {
	case PaymentSale, PaymentInstallment, PaymentPreAuth:
		return true
	}
	return false
}

type Currency string

const (
	CurrencyTRY Currency = "TRY"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
)

var currencyNumeric = map[Currency]string{
	CurrencyTRY: "949",
	CurrencyUSD: "840",
	CurrencyEUR: "978",
	CurrencyGBP: "826",
}

// Numeric returns the ISO-4217 numeric code, empty for unsupported currencies.
func (c Currency) Numeric() string {
	return currencyNumeric[c]
}

func (c Currency) Valid() bool {
	_, ok := currencyNumeric[c]
	return ok
}

type Transaction struct {
	ID              string          `json:"id"`
	MerchantOrderID string          `json:"merchant_order_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        Currency        `json:"currency"`
	PaymentType     PaymentType     `json:"payment_type"`
	Installments    int             `json:"installments,omitempty"`
	Status          Status          `json:"status"`
	Provider        string          `json:"provider"`

	CardToken string `json:"card_token"`
	MaskedPAN string `json:"masked_pan"`
	CardBrand string `json:"card_brand,omitempty"`

	ThreeDSecure bool   `json:"three_d_secure"`
	ThreeDSRef   string `json:"-"`

	GatewayTxnID string `json:"gateway_txn_id,omitempty"`
	AuthCode     string `json:"auth_code,omitempty"`
	HostRef      string `json:"host_ref,omitempty"`
	ResponseCode string `json:"-"`

	IdempotencyKey string          `json:"-"`
	Risk           *RiskAssessment `json:"risk,omitempty"`

	CapturedAmount decimal.Decimal `json:"captured_amount"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`

	// Pending is set while the transaction sits in UNKNOWN because a
	// follow-up call timed out.
	Pending *PendingOperation `json:"pending_operation,omitempty"`

	HoldExpiresAt   *time.Time `json:"hold_expires_at,omitempty"`
	CaptureDeadline *time.Time `json:"capture_deadline,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type Operation string

const (
	OpCapture Operation = "capture"
	OpVoid    Operation = "void"
	OpRefund  Operation = "refund"
)

// Target is the status the operation leaves an approved transaction in.
func (o Operation) Target() Status {
	switch o {
	case OpCapture:
		return StatusCaptured
	case OpVoid:
		return StatusVoided
	case OpRefund:
		return StatusRefunded
	}
	return ""
}

// PendingOperation is a capture, void or refund the gateway may or may not
// have applied. From is the status the transaction had when it was sent.
type PendingOperation struct {
	Op       Operation       `json:"op"`
	From     Status          `json:"from"`
	Amount   decimal.Decimal `json:"amount"`
	IssuedAt time.Time       `json:"issued_at"`
}

// IsInstallment reports whether the gateway should split the charge.
func (t *Transaction) IsInstallment() bool {
	return t.PaymentType == PaymentInstallment && t.Installments > 1
}

type Actor string

const (
	ActorSystem   Actor = "system"
	ActorGateway  Actor = "gateway"
	ActorCallback Actor = "callback"
	ActorOperator Actor = "operator"
)

// Transition is the audit record of a single state change.
type Transition struct {
	ID            int64     `json:"id,omitempty"`
	TransactionID string    `json:"transaction_id"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	Actor         Actor     `json:"actor"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type RiskDecision string

const (
	RiskApprove RiskDecision = "approve"
	RiskDeny    RiskDecision = "deny"
	RiskFlag    RiskDecision = "flag"
)

type RiskAssessment struct {
	Decision       RiskDecision `json:"decision"`
	Approve        bool         `json:"approve"`
	Non3DAllowed   bool         `json:"non_3d_allowed"`
	Reasons        []string     `json:"reasons,omitempty"`
	RuleSetVersion string       `json:"rule_set_version"`
}

type CardToken struct {
	Token       string    `json:"token"`
	Fingerprint string    `json:"-"`
	MaskedPAN   string    `json:"masked_pan"`
	BIN         string    `json:"bin"`
	Last4       string    `json:"last4"`
	Brand       string    `json:"brand"`
	ExpiryYYMM  string    `json:"expiry"`
	CreatedAt   time.Time `json:"created_at"`
}

type IdempotencyState string

const (
	IdempotencyInProgress IdempotencyState = "in_progress"
	IdempotencyCompleted  IdempotencyState = "completed"
)

type IdempotencyRecord struct {
	Key           string           `json:"key"`
	Fingerprint   string           `json:"fingerprint"`
	State         IdempotencyState `json:"state"`
	TransactionID string           `json:"transaction_id,omitempty"`
	Outcome       []byte           `json:"outcome,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

// Expired reports whether the record has outlived its retention window at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ThreeDSResult is what the issuer ACS posts back after the challenge.
type ThreeDSResult struct {
	MDStatus string `json:"md_status"`
	ECI      string `json:"eci,omitempty"`
	CAVV     string `json:"cavv,omitempty"`
	XID      string `json:"xid,omitempty"`
	MD       string `json:"md,omitempty"`
}

// Authenticated reports a full 3-D Secure authentication (mdStatus 1).
func (r ThreeDSResult) Authenticated() bool {
	return r.MDStatus == "1"
}

// FallbackEligible reports the half-secure outcomes (attempt, not enrolled,
// ACS unavailable) where a non-3D authorization may still be tried.
func (r ThreeDSResult) FallbackEligible() bool {
	switch r.MDStatus {
	case "2", "3", "4":
		return true
	}
	return false
}

type ThreeDSChallenge struct {
	RedirectURL string            `json:"redirect_url"`
	Method      string            `json:"method"`
	Fields      map[string]string `json:"fields,omitempty"`
	Reference   string            `json:"-"`
}
