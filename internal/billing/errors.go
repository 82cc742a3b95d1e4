package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidProfile is returned when a participant profile lacks gender or opt-in data.
	ErrInvalidProfile = errors.New("billing: invalid profile")

	// ErrDuplicateContent is returned when a sender repeats the same content too often.
	ErrDuplicateContent = errors.New("billing: duplicate content")

	// ErrDepositRequired is returned when a metered message needs escrow that does not exist yet.
	ErrDepositRequired = errors.New("billing: deposit required")

	// ErrInsufficientEscrow is returned when a charge exceeds the remaining escrow.
	ErrInsufficientEscrow = errors.New("billing: insufficient escrow")

	// ErrDuplicateDeposit is returned on a second initial deposit for the same session.
	ErrDuplicateDeposit = errors.New("billing: escrow already exists")

	// ErrSessionClosed is returned for any mutation attempted on a terminal session.
	ErrSessionClosed = errors.New("billing: session closed")

	// ErrLedgerIntegrity is the sentinel matched by LedgerIntegrityError.
	ErrLedgerIntegrity = errors.New("billing: ledger integrity violation")

	ErrSessionNotFound    = errors.New("billing: session not found")
	ErrNotParticipant     = errors.New("billing: user is not a session participant")
	ErrNotPayer           = errors.New("billing: user is not the session payer")
	ErrInvalidAmount      = errors.New("billing: amount must be positive")
	ErrDepositTooSmall    = errors.New("billing: deposit leaves no escrow after platform fee")
	ErrDepositNotAllowed  = errors.New("billing: session does not accept deposits")
	ErrNoEscrow           = errors.New("billing: session has no escrow")
	ErrConcurrentUpdate   = errors.New("billing: session was modified concurrently")
	ErrIntegrityViolation = errors.New("billing: integrity rule violated")
	ErrSessionHalted      = errors.New("billing: session halted pending review")
	ErrInvalidTransition  = errors.New("billing: invalid state transition")
	ErrSameParticipant    = errors.New("billing: participants must be distinct")
	ErrUnsupportedContent = errors.New("billing: unsupported content type")
)

// InvalidProfileError names the participant and the field that failed validation.
type InvalidProfileError struct {
	UserID string
	Field  string
}

func (e *InvalidProfileError) Error() string {
	return fmt.Sprintf("billing: invalid profile for %s: missing %s", e.UserID, e.Field)
}

func (e *InvalidProfileError) Is(target error) bool { return target == ErrInvalidProfile }

// LedgerIntegrityError carries the conservation figures that disagreed.
// It is never corrected automatically; the session is halted for review.
type LedgerIntegrityError struct {
	SessionID string
	Total     int64
	Remaining int64
	Debited   int64
	Refunded  int64
	Detail    string
}

func (e *LedgerIntegrityError) Error() string {
	msg := fmt.Sprintf("billing: ledger integrity violation on session %s: total=%d remaining=%d debited=%d refunded=%d",
		e.SessionID, e.Total, e.Remaining, e.Debited, e.Refunded)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *LedgerIntegrityError) Is(target error) bool { return target == ErrLedgerIntegrity }
