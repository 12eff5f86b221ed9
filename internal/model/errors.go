package model

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation             ErrorKind = "ValidationError"
	KindCapabilityUnsupported  ErrorKind = "CapabilityUnsupported"
	KindInvalidStateTransition ErrorKind = "InvalidStateTransition"
	KindGatewayTimeout         ErrorKind = "GatewayTimeout"
	KindGatewayDeclined        ErrorKind = "GatewayDeclined"
	KindGatewayError           ErrorKind = "GatewayError"
	KindDuplicateSubmission    ErrorKind = "DuplicateSubmission"
	KindIdempotencyMismatch    ErrorKind = "IdempotencyMismatch"
	KindInProgress             ErrorKind = "InProgress"
	KindNotFound               ErrorKind = "NotFound"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrCapabilityUnsupported  = errors.New("capability unsupported")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrGatewayTimeout         = errors.New("gateway timeout")
	ErrGatewayDeclined        = errors.New("gateway declined")
	ErrGatewayError           = errors.New("gateway error")
	ErrDuplicateSubmission    = errors.New("duplicate submission")
	ErrIdempotencyMismatch    = errors.New("idempotency key reused with mismatched payload")
	ErrInProgress             = errors.New("request in progress")
	ErrNotFound               = errors.New("not found")
)

var kindSentinels = map[ErrorKind]error{
	KindValidation:             ErrValidation,
	KindCapabilityUnsupported:  ErrCapabilityUnsupported,
	KindInvalidStateTransition: ErrInvalidStateTransition,
	KindGatewayTimeout:         ErrGatewayTimeout,
	KindGatewayDeclined:        ErrGatewayDeclined,
	KindGatewayError:           ErrGatewayError,
	KindDuplicateSubmission:    ErrDuplicateSubmission,
	KindIdempotencyMismatch:    ErrIdempotencyMismatch,
	KindInProgress:             ErrInProgress,
	KindNotFound:               ErrNotFound,
}

// PaymentError carries the taxonomy kind plus internal detail. Detail is for
// logs only and must never be rendered to an end user.
type PaymentError struct {
	Kind   ErrorKind
	Op     string
	Detail string
	Err    error
}

func (e *PaymentError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the same kind, so errors.Is(err, ErrValidation)
// works for every PaymentError of KindValidation.
func (e *PaymentError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func NewError(kind ErrorKind, op, detail string) *PaymentError {
	return &PaymentError{Kind: kind, Op: op, Detail: detail}
}

func WrapError(kind ErrorKind, op string, err error) *PaymentError {
	return &PaymentError{Kind: kind, Op: op, Err: err}
}

func Validationf(op, format string, args ...any) *PaymentError {
	return NewError(KindValidation, op, fmt.Sprintf(format, args...))
}

func NewInvalidTransitionError(from, to Status) *PaymentError {
	return NewError(KindInvalidStateTransition, "transition", fmt.Sprintf("%s -> %s", from, to))
}

// KindOf extracts the taxonomy kind, empty when err is not a PaymentError.
func KindOf(err error) ErrorKind {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}
