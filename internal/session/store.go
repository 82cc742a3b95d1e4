package session

import (
	"context"
	"time"

	"github.com/wolfman30/paychat-billing/internal/billing"
	"github.com/wolfman30/paychat-billing/internal/events"
)

// Change is everything one locked operation writes. It is applied atomically.
type Change struct {
	Session *billing.Session
	Message *billing.Message
	Refund  *billing.RefundRecord
	Entries []billing.LedgerEntry
	Events  []events.Event
}

// Store persists sessions. Commit succeeds only when the stored version equals
// Change.Session.Version; the stored version is then incremented.
type Store interface {
	Create(ctx context.Context, s *billing.Session, evs ...events.Event) error
	Get(ctx context.Context, id string) (*billing.Session, error)
	Commit(ctx context.Context, c Change) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]billing.Message, error)
	ListRefunds(ctx context.Context, sessionID string) ([]billing.RefundRecord, error)
	// ListExpiryCandidates returns ids of paid sessions awaiting deposit or in
	// the paid phase whose ExpiresAt is before dueBy, earliest deadline first.
	ListExpiryCandidates(ctx context.Context, dueBy time.Time, limit int) ([]string, error)
	// Publish queues events that are not tied to a session write.
	Publish(ctx context.Context, evs ...events.Event) error
}
