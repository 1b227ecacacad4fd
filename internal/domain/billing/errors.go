package billing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrBalanceInvariant       = errors.New("balance invariant violated")
	ErrTransportFailure       = errors.New("clearinghouse transport failure")
	ErrPayerRejection         = errors.New("payer rejected claim")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrClaimNotFound          = errors.New("claim not found")
	ErrConcurrentModification = errors.New("claim modified concurrently")
)

// ValidationError carries the blocking edits of a failed scrub, or the field
// problems of a rejected request.
type ValidationError struct {
	Message string
	Edits   []Edit
}

func (e *ValidationError) Error() string {
	if len(e.Edits) == 0 {
		return e.Message
	}
	msgs := make([]string, len(e.Edits))
	for i, ed := range e.Edits {
		msgs[i] = ed.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type TransitionError struct {
	ClaimID int64
	From    Status
	To      Status
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("claim %d: %s not allowed from %s", e.ClaimID, e.Trigger, e.From)
	}
	return fmt.Sprintf("claim %d: %s cannot move %s -> %s", e.ClaimID, e.Trigger, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type BalanceError struct {
	ClaimID    int64
	Violations []string
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("claim %d: %s", e.ClaimID, strings.Join(e.Violations, "; "))
}

func (e *BalanceError) Unwrap() error { return ErrBalanceInvariant }

type PayerRejectionError struct {
	ClaimID int64
	Reasons []string
}

func (e *PayerRejectionError) Error() string {
	return fmt.Sprintf("claim %d rejected by payer: %s", e.ClaimID, strings.Join(e.Reasons, "; "))
}

func (e *PayerRejectionError) Unwrap() error { return ErrPayerRejection }

// ConflictError reports a remittance that cannot be applied to a claim
// without breaking its balances.
type ConflictError struct {
	ClaimID int64
	BatchID string
	Reasons []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("claim %d batch %s: %s", e.ClaimID, e.BatchID, strings.Join(e.Reasons, "; "))
}

func (e *ConflictError) Unwrap() error { return ErrReconciliationConflict }
