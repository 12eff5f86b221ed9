package model

import (
	"time"
)

type Status string

const (
	StatusCreated       Status = "CREATED"
	StatusRiskEvaluated Status = "RISK_EVALUATED"
	StatusSubmitted     Status = "SUBMITTED"
	StatusPending3DS    Status = "PENDING_3DS"
	StatusUnknown       Status = "UNKNOWN"
	StatusAuthorized    Status = "AUTHORIZED"
	StatusDeclined      Status = "DECLINED"
	StatusCaptured      Status = "CAPTURED"
	StatusVoided        Status = "VOIDED"
	StatusRefunded      Status = "REFUNDED"
	StatusFailed        Status = "FAILED"
)

var transitions = map[Status][]Status{
	StatusCreated:       {StatusRiskEvaluated, StatusFailed},
	StatusRiskEvaluated: {StatusSubmitted, StatusDeclined, StatusFailed},
	StatusSubmitted:     {StatusAuthorized, StatusDeclined, StatusPending3DS, StatusUnknown, StatusFailed},
	StatusPending3DS:    {StatusAuthorized, StatusDeclined, StatusUnknown, StatusFailed},
	StatusUnknown:       {StatusAuthorized, StatusCaptured, StatusDeclined, StatusFailed},
	StatusAuthorized:    {StatusCaptured, StatusVoided, StatusUnknown, StatusFailed},
	StatusCaptured:      {StatusRefunded, StatusVoided, StatusUnknown},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PathTo returns the shortest sequence of legal moves from → to, excluding
// from itself. It is nil when to is unreachable or equal to from. UNKNOWN is
// never used as a stepping stone.
func PathTo(from, to Status) []Status {
	if from == to {
		return nil
	}
	prev := map[Status]Status{from: ""}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			if next == StatusUnknown && to != StatusUnknown {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []Status
				for s := to; s != from; s = prev[s] {
					path = append([]Status{s}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// Terminal reports whether no ordinary forward move leaves s. CAPTURED is
// terminal even though refund and void remain possible from it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCaptured, StatusDeclined, StatusVoided, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// Settled reports whether s is a final outcome the idempotency guard can
// replay; UNKNOWN and PENDING_3DS are still moving.
func (s Status) Settled() bool {
	return s != StatusUnknown && s != StatusPending3DS && s != StatusSubmitted
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRiskEvaluated, StatusSubmitted, StatusPending3DS, StatusUnknown,
		StatusAuthorized, StatusDeclined, StatusCaptured, StatusVoided, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// Transition moves t to the target status. An illegal move returns an
// InvalidStateTransition error and leaves t untouched. AUTHORIZED and
// CAPTURED only fall back to UNKNOWN with a pending operation recorded.
func (t *Transaction) Transition(to Status, actor Actor, reason string, now time.Time) (Transition, error) {
	if !CanTransition(t.Status, to) {
		return Transition{}, NewInvalidTransitionError(t.Status, to)
	}
	if to == StatusUnknown && (t.Status == StatusAuthorized || t.Status == StatusCaptured) &&
		(t.Pending == nil || t.Pending.From != t.Status) {
		return Transition{}, NewInvalidTransitionError(t.Status, to)
	}
	rec := Transition{
		TransactionID: t.ID,
		From:          t.Status,
		To:            to,
		Actor:         actor,
		Reason:        reason,
		OccurredAt:    now,
	}
	t.Status = to
	t.UpdatedAt = now
	return rec, nil
}
