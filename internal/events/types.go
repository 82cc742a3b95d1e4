package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/paychat-billing/internal/billing"
)

// Event types emitted by the billing service.
const (
	TypeSessionCreated     = "session.created.v1"
	TypeEscrowDeposited    = "escrow.deposited.v1"
	TypeEscrowToppedUp     = "escrow.topped_up.v1"
	TypeMessageCharged     = "message.charged.v1"
	TypeSessionTerminated  = "session.terminated.v1"
	TypeIntegrityViolation = "ledger.integrity_violation.v1"
	TypeCreditFailed       = "wallet.credit_failed.v1"
)

// Event is one outbox row.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// New marshals payload into an event.
func New(sessionID, eventType string, payload any, at time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal payload: %w", err)
	}
	return Event{
		ID:        uuid.New(),
		SessionID: sessionID,
		Type:      eventType,
		Payload:   data,
		CreatedAt: at,
	}, nil
}

type SessionCreatedV1 struct {
	SessionID    string        `json:"session_id"`
	ParticipantA string        `json:"participant_a"`
	ParticipantB string        `json:"participant_b"`
	InitiatorID  string        `json:"initiator_id"`
	Mode         billing.Mode  `json:"mode"`
	Roles        billing.Roles `json:"roles"`
	CreatedAt    time.Time     `json:"created_at"`
}

type EscrowDepositedV1 struct {
	SessionID    string    `json:"session_id"`
	PayerID      string    `json:"payer_id"`
	GrossTokens  int64     `json:"gross_tokens"`
	PlatformFee  int64     `json:"platform_fee"`
	EscrowTokens int64     `json:"escrow_tokens"`
	TopUp        bool      `json:"top_up"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type MessageChargedV1 struct {
	SessionID       string    `json:"session_id"`
	MessageID       string    `json:"message_id"`
	SenderID        string    `json:"sender_id"`
	EarnerAccount   string    `json:"earner_account"`
	TokenCost       int64     `json:"token_cost"`
	RemainingTokens int64     `json:"remaining_tokens"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// SessionTerminatedV1 carries the final snapshot; the archive stores it.
type SessionTerminatedV1 struct {
	Session    billing.Session      `json:"session"`
	Refund     billing.RefundRecord `json:"refund"`
	OccurredAt time.Time            `json:"occurred_at"`
}

type IntegrityViolationV1 struct {
	SessionID  string    `json:"session_id"`
	Operation  string    `json:"operation"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

type CreditFailedV1 struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Tokens     int64     `json:"tokens"`
	Purpose    string    `json:"purpose"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}
