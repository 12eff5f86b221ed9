package model

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

type OutcomeKind string

const (
	OutcomeApproved OutcomeKind = "approved"
	OutcomeDeclined OutcomeKind = "declined"
	OutcomePending  OutcomeKind = "pending"
	OutcomeError    OutcomeKind = "error"
)

// Outcome is the result variant every engine operation returns. Callers switch
// on Kind instead of inspecting errors for business outcomes.
type Outcome struct {
	Kind        OutcomeKind       `json:"kind"`
	Transaction *Transaction      `json:"transaction,omitempty"`
	ErrorKind   ErrorKind         `json:"error_kind,omitempty"`
	Challenge   *ThreeDSChallenge `json:"challenge,omitempty"`
	Duplicate   bool              `json:"duplicate,omitempty"`
}

// OutcomeFor derives the variant from the transaction's current status.
func OutcomeFor(txn *Transaction) Outcome {
	out := Outcome{Transaction: txn}
	switch txn.Status {
	case StatusAuthorized, StatusCaptured, StatusRefunded, StatusVoided:
		out.Kind = OutcomeApproved
	case StatusDeclined:
		out.Kind = OutcomeDeclined
		out.ErrorKind = KindGatewayDeclined
	case StatusPending3DS, StatusSubmitted:
		out.Kind = OutcomePending
	case StatusUnknown:
		out.Kind = OutcomePending
		out.ErrorKind = KindGatewayTimeout
	default:
		out.Kind = OutcomeError
		out.ErrorKind = KindGatewayError
	}
	return out
}

// CardData is the request-side card. It lives only in memory for the length of
// one dispatch and redacts itself wherever it could be printed.
type CardData struct {
	PAN         string
	ExpiryMonth string
	ExpiryYear  string
	CVV         string
	Holder      string
}

func (c CardData) masked() string {
	pan := strings.TrimSpace(c.PAN)
	if len(pan) <= 4 {
		return strings.Repeat("*", len(pan))
	}
	return strings.Repeat("*", len(pan)-4) + pan[len(pan)-4:]
}

func (c CardData) String() string {
	return "card(" + c.masked() + ")"
}

func (c CardData) GoString() string {
	return c.String()
}

func (c CardData) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"pan": c.masked()})
}

func (c CardData) MarshalZerologObject(e *zerolog.Event) {
	e.Str("pan", c.masked())
}

// ExpiryYYMM returns the expiry as YYMM, tolerating 4-digit years.
func (c CardData) ExpiryYYMM() string {
	yy := c.ExpiryYear
	if len(yy) == 4 {
		yy = yy[2:]
	}
	mm := c.ExpiryMonth
	if len(mm) == 1 {
		mm = "0" + mm
	}
	return yy + mm
}
