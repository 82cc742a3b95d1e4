// Package notify alerts operators about ledger integrity failures and failed wallet credits.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/paychat-billing/internal/events"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// Service emails the operator list. It satisfies session.Alerter and events.DeliveryHandler.
type Service struct {
	email      EmailSender
	recipients []string
	cooldown   time.Duration
	logger     *logging.Logger
	now        func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewService creates an alerting service. A zero cooldown disables de-duplication.
func NewService(email EmailSender, recipients []string, cooldown time.Duration, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		email:      email,
		recipients: recipients,
		cooldown:   cooldown,
		logger:     logger,
		now:        time.Now,
		sent:       make(map[string]time.Time),
	}
}

// AlertLedgerIntegrity reports a halted session.
func (s *Service) AlertLedgerIntegrity(ctx context.Context, sessionID, operation string, cause error) error {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	subject := fmt.Sprintf("[billing] ledger integrity violation on session %s", sessionID)
	body := fmt.Sprintf("Session %s was halted during %s.\n\nCause: %s\n\nNo further charges or refunds will run until an operator reconciles it.",
		sessionID, operation, reason)
	return s.send(ctx, "integrity|"+sessionID, subject, body)
}

// Handle forwards wallet.credit_failed events so refunds and payouts that never
// reached the wallet are reconciled by hand.
func (s *Service) Handle(ctx context.Context, ev events.Event) error {
	if ev.Type != events.TypeCreditFailed {
		return nil
	}
	var payload events.CreditFailedV1
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("notify: decode %s: %w", ev.ID, err)
	}
	subject := fmt.Sprintf("[billing] wallet credit failed for session %s", payload.SessionID)
	body := fmt.Sprintf("Crediting %d tokens to %s (%s) failed.\n\nError: %s",
		payload.Tokens, payload.UserID, payload.Purpose, payload.Error)
	return s.send(ctx, "credit|"+ev.ID.String(), subject, body)
}

func (s *Service) send(ctx context.Context, key, subject, body string) error {
	if s == nil || s.email == nil || len(s.recipients) == 0 {
		return nil
	}
	if !s.claim(key) {
		s.logger.Debug("notify: alert suppressed by cooldown", "key", key)
		return nil
	}
	var errs []error
	for _, to := range s.recipients {
		to = strings.TrimSpace(to)
		if to == "" {
			continue
		}
		if err := s.email.Send(ctx, EmailMessage{To: to, Subject: subject, Body: body}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.release(key)
		return err
	}
	return nil
}

func (s *Service) claim(key string) bool {
	if s.cooldown <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if last, ok := s.sent[key]; ok && now.Sub(last) < s.cooldown {
		return false
	}
	s.sent[key] = now
	return true
}

func (s *Service) release(key string) {
	s.mu.Lock()
	delete(s.sent, key)
	s.mu.Unlock()
}
