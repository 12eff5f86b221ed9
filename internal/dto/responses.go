package dto

import (
	"time"

	"github.com/anyulbade/vpos-engine/internal/model"
)

type RiskResponse struct {
	Decision       string   `json:"decision"`
	Approve        bool     `json:"approve"`
	Non3DAllowed   bool     `json:"non_3d_allowed"`
	Reasons        []string `json:"reasons,omitempty"`
	RuleSetVersion string   `json:"rule_set_version"`
}

type PaymentResponse struct {
	ID              string        `json:"id"`
	MerchantOrderID string        `json:"merchant_order_id"`
	Provider        string        `json:"provider"`
	Status          string        `json:"status"`
	Amount          string        `json:"amount"`
	Currency        string        `json:"currency"`
	PaymentType     string        `json:"payment_type"`
	Installments    int           `json:"installments,omitempty"`
	CardToken       string        `json:"card_token"`
	MaskedPAN       string        `json:"masked_pan"`
	CardBrand       string        `json:"card_brand,omitempty"`
	ThreeDSecure    bool          `json:"three_d_secure"`
	AuthCode        string        `json:"auth_code,omitempty"`
	CapturedAmount  string        `json:"captured_amount"`
	RefundedAmount  string        `json:"refunded_amount"`
	PendingOp       string        `json:"pending_operation,omitempty"`
	Risk            *RiskResponse `json:"risk,omitempty"`
	HoldExpiresAt   *time.Time    `json:"hold_expires_at,omitempty"`
	CaptureDeadline *time.Time    `json:"capture_deadline,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func NewPaymentResponse(txn *model.Transaction) PaymentResponse {
	resp := PaymentResponse{
		ID:              txn.ID,
		MerchantOrderID: txn.MerchantOrderID,
		Provider:        txn.Provider,
		Status:          string(txn.Status),
		Amount:          txn.Amount.StringFixed(2),
		Currency:        string(txn.Currency),
		PaymentType:     string(txn.PaymentType),
		Installments:    txn.Installments,
		CardToken:       txn.CardToken,
		MaskedPAN:       txn.MaskedPAN,
		CardBrand:       txn.CardBrand,
		ThreeDSecure:    txn.ThreeDSecure,
		AuthCode:        txn.AuthCode,
		CapturedAmount:  txn.CapturedAmount.StringFixed(2),
		RefundedAmount:  txn.RefundedAmount.StringFixed(2),
		HoldExpiresAt:   txn.HoldExpiresAt,
		CaptureDeadline: txn.CaptureDeadline,
		CreatedAt:       txn.CreatedAt,
		UpdatedAt:       txn.UpdatedAt,
	}
	if txn.Risk != nil {
		resp.Risk = &RiskResponse{
			Decision:       string(txn.Risk.Decision),
			Approve:        txn.Risk.Approve,
			Non3DAllowed:   txn.Risk.Non3DAllowed,
			Reasons:        txn.Risk.Reasons,
			RuleSetVersion: txn.Risk.RuleSetVersion,
		}
	}
	if txn.Pending != nil {
		resp.PendingOp = string(txn.Pending.Op)
	}
	return resp
}

type ThreeDSResponse struct {
	RedirectURL string            `json:"redirect_url"`
	Method      string            `json:"method"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// OutcomeResponse never carries gateway response codes or messages; Message
// is safe to show to the cardholder.
type OutcomeResponse struct {
	Result    string           `json:"result"`
	Message   string           `json:"message"`
	Duplicate bool             `json:"duplicate,omitempty"`
	Payment   *PaymentResponse `json:"payment,omitempty"`
	ThreeDS   *ThreeDSResponse `json:"three_ds,omitempty"`
}

func NewOutcomeResponse(out model.Outcome) OutcomeResponse {
	resp := OutcomeResponse{
		Result:    string(out.Kind),
		Message:   OutcomeMessage(out),
		Duplicate: out.Duplicate,
	}
	if out.Transaction != nil {
		p := NewPaymentResponse(out.Transaction)
		resp.Payment = &p
	}
	if out.Challenge != nil {
		resp.ThreeDS = &ThreeDSResponse{
			RedirectURL: out.Challenge.RedirectURL,
			Method:      out.Challenge.Method,
			Fields:      out.Challenge.Fields,
		}
	}
	return resp
}

func OutcomeMessage(out model.Outcome) string {
	switch out.Kind {
	case model.OutcomeApproved:
		return "payment approved"
	case model.OutcomeDeclined:
		return "payment was declined"
	case model.OutcomePending:
		if out.Challenge != nil || (out.Transaction != nil && out.Transaction.Status == model.StatusPending3DS) {
			return "additional authentication required"
		}
		return "payment is being confirmed with the bank"
	default:
		return "payment could not be processed"
	}
}

type PaymentListResponse struct {
	Data       []PaymentResponse `json:"data"`
	Pagination Pagination        `json:"pagination"`
}

type TransitionResponse struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewTransitionResponses(trs []model.Transition) []TransitionResponse {
	out := make([]TransitionResponse, len(trs))
	for i, tr := range trs {
		out[i] = TransitionResponse{
			From:       string(tr.From),
			To:         string(tr.To),
			Actor:      string(tr.Actor),
			Reason:     tr.Reason,
			OccurredAt: tr.OccurredAt,
		}
	}
	return out
}

type CardResponse struct {
	Token     string `json:"token"`
	MaskedPAN string `json:"masked_pan"`
	Brand     string `json:"brand"`
	Last4     string `json:"last4"`
	Expiry    string `json:"expiry"`
}

type ErrorListResponse struct {
	Error  string            `json:"error"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}
