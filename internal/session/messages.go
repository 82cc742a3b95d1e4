package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/paychat-billing/internal/abuse"
	"github.com/wolfman30/paychat-billing/internal/billing"
	"github.com/wolfman30/paychat-billing/internal/events"
	"github.com/wolfman30/paychat-billing/internal/integrity"
	"github.com/wolfman30/paychat-billing/internal/ledger"
)

// SendMessageRequest is one outgoing message.
type SendMessageRequest struct {
	SessionID string
	SenderID  string
	Content   billing.Content
}

// SendResult describes a delivered message.
type SendResult struct {
	Allowed         bool          `json:"allowed"`
	MessageID       string        `json:"message_id"`
	TokenCost       int64         `json:"token_cost"`
	Free            bool          `json:"free"`
	RemainingTokens *int64        `json:"remaining_tokens,omitempty"`
	FreeRemaining   int           `json:"free_remaining"`
	State           billing.State `json:"state"`
}

// Outcome labels for metrics and API reasons.
const (
	OutcomeFree               = "free"
	OutcomeCharged            = "charged"
	OutcomeDepositRequired    = "deposit_required"
	OutcomeInsufficientEscrow = "insufficient_escrow"
	OutcomeDuplicateContent   = "duplicate_content"
	OutcomeSessionClosed      = "session_closed"
)

// SendMessage meters and bills one message. Recoverable rejections are returned
// as ErrDepositRequired, ErrInsufficientEscrow, ErrDuplicateContent or ErrSessionClosed.
func (s *Service) SendMessage(ctx context.Context, req SendMessageRequest) (*SendResult, error) {
	if req.Content.Type == "" {
		req.Content.Type = billing.ContentText
	}
	if err := req.Content.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Acquire(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.load(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, billing.ErrSessionClosed) {
			s.metrics.ObserveMessage(OutcomeSessionClosed, 0)
		}
		return nil, err
	}
	if !sess.IsParticipant(req.SenderID) {
		return nil, billing.ErrNotParticipant
	}

	now := s.now()
	words := req.Content.Words()
	req.Content.WordCount = words
	msg := &billing.Message{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		SenderID:    req.SenderID,
		ReceiverID:  sess.Counterpart(req.SenderID),
		ContentType: req.Content.Type,
		WordCount:   words,
		ContentHash: abuse.ContentHash(req.Content),
		CreatedAt:   now,
	}
	log := s.logger.WithSession(sess.ID)

	switch {
	case sess.Mode == billing.ModeFree:
		return s.sendFree(ctx, sess, msg, false)

	case sess.State == billing.StateFreeActive:
		if sess.FreeRemaining(req.SenderID) > 0 {
			return s.sendFree(ctx, sess, msg, true)
		}
		if err := s.maybeAwaitDeposit(ctx, sess, now); err != nil {
			return nil, err
		}
		s.metrics.ObserveMessage(OutcomeDepositRequired, 0)
		return nil, billing.ErrDepositRequired

	case sess.State == billing.StateAwaitingPrepaid:
		s.metrics.ObserveMessage(OutcomeDepositRequired, 0)
		return nil, billing.ErrDepositRequired
	}

	// PAID_ACTIVE
	if err := s.checkAbuse(ctx, msg); err != nil {
		return nil, err
	}
	delivered := false
	defer func() {
		if !delivered {
			s.forgetAbuse(ctx, msg)
		}
	}()

	cost := s.metering.Cost(req.Content, req.SenderID, sess)
	cost, _, err = s.validator.CheckCharge(sess, integrity.ChargeCheck{SenderID: req.SenderID, Content: req.Content, Cost: cost})
	if err != nil {
		return nil, err
	}
	if sess.Escrow == nil {
		s.metrics.ObserveMessage(OutcomeDepositRequired, 0)
		return nil, billing.ErrDepositRequired
	}
	if cost > sess.Escrow.RemainingTokens {
		s.metrics.ObserveMessage(OutcomeInsufficientEscrow, 0)
		log.Info("insufficient escrow", "token_cost", cost, "remaining_tokens", sess.Escrow.RemainingTokens)
		return nil, billing.ErrInsufficientEscrow
	}

	var billedWords int64
	if cost > 0 {
		billedWords = words
	}
	debit, err := s.ledger.Debit(sess, cost, billedWords, msg.ID, now)
	if err != nil {
		if isIntegrity(err) {
			s.halt(ctx, sess.ID, "debit", err)
		}
		return nil, err
	}
	msg.TokenCost = cost
	if sess.FirstPaidMessageAt == nil {
		first := now
		sess.FirstPaidMessageAt = &first
	}
	sess.LastActivityAt = now
	s.refreshExpiry(sess)

	change := Change{Session: sess, Message: msg, Entries: debit.Entries}
	earner := ledger.EarnerAccount(sess)
	if cost > 0 {
		ev, err := events.New(sess.ID, events.TypeMessageCharged, events.MessageChargedV1{
			SessionID:       sess.ID,
			MessageID:       msg.ID,
			SenderID:        msg.SenderID,
			EarnerAccount:   earner,
			TokenCost:       cost,
			RemainingTokens: debit.Remaining,
			OccurredAt:      now,
		}, now)
		if err != nil {
			return nil, err
		}
		change.Events = append(change.Events, ev)
	}
	if err := s.store.Commit(ctx, change); err != nil {
		return nil, fmt.Errorf("session: commit message: %w", err)
	}
	delivered = true
	s.credit(ctx, sess.ID, earner, cost, "earner")

	outcome := OutcomeFree
	if cost > 0 {
		outcome = OutcomeCharged
		log.Debug("message charged", "token_cost", cost, "remaining_tokens", debit.Remaining)
	}
	s.metrics.ObserveMessage(outcome, cost)
	remaining := debit.Remaining
	return &SendResult{
		Allowed:         true,
		MessageID:       msg.ID,
		TokenCost:       cost,
		RemainingTokens: &remaining,
		State:           sess.State,
	}, nil
}

// sendFree delivers a message that costs nothing: either a free-mode session or
// a quota message in FREE_ACTIVE.
func (s *Service) sendFree(ctx context.Context, sess *billing.Session, msg *billing.Message, quota bool) (*SendResult, error) {
	if err := s.checkAbuse(ctx, msg); err != nil {
		return nil, err
	}
	delivered := false
	defer func() {
		if !delivered {
			s.forgetAbuse(ctx, msg)
		}
	}()

	msg.Free = true
	if quota {
		if sess.FreeMessagesUsed == nil {
			sess.FreeMessagesUsed = map[string]int{}
		}
		sess.FreeMessagesUsed[msg.SenderID]++
		if s.quotaExhausted(sess) {
			if err := transition(sess, billing.StateAwaitingPrepaid, msg.CreatedAt); err != nil {
				return nil, err
			}
		}
	}
	sess.LastActivityAt = msg.CreatedAt
	s.refreshExpiry(sess)
	if err := s.store.Commit(ctx, Change{Session: sess, Message: msg}); err != nil {
		return nil, fmt.Errorf("session: commit message: %w", err)
	}
	delivered = true
	s.metrics.ObserveMessage(OutcomeFree, 0)
	return &SendResult{
		Allowed:       true,
		MessageID:     msg.ID,
		Free:          true,
		FreeRemaining: sess.FreeRemaining(msg.SenderID),
		State:         sess.State,
	}, nil
}

// maybeAwaitDeposit moves FREE_ACTIVE to AWAITING_PREPAID once both quotas are spent.
func (s *Service) maybeAwaitDeposit(ctx context.Context, sess *billing.Session, now time.Time) error {
	if !s.quotaExhausted(sess) {
		return nil
	}
	if err := transition(sess, billing.StateAwaitingPrepaid, now); err != nil {
		return err
	}
	s.refreshExpiry(sess)
	if err := s.store.Commit(ctx, Change{Session: sess}); err != nil {
		return fmt.Errorf("session: commit awaiting deposit: %w", err)
	}
	return nil
}

func (s *Service) quotaExhausted(sess *billing.Session) bool {
	return sess.FreeRemaining(sess.ParticipantA) == 0 && sess.FreeRemaining(sess.ParticipantB) == 0
}

func (s *Service) checkAbuse(ctx context.Context, msg *billing.Message) error {
	d, err := s.guard.Allow(ctx, msg.SenderID, msg.ContentHash, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("session: abuse check: %w", err)
	}
	if !d.Allowed {
		s.metrics.ObserveAbuseRejection()
		s.metrics.ObserveMessage(OutcomeDuplicateContent, 0)
		s.logger.WithSession(msg.SessionID).Warn("duplicate content rejected", "sender_id", msg.SenderID, "count", d.Count)
		return billing.ErrDuplicateContent
	}
	return nil
}

// forgetAbuse withdraws the occurrence checkAbuse recorded for a message that was not delivered.
func (s *Service) forgetAbuse(ctx context.Context, msg *billing.Message) {
	if err := s.guard.Forget(context.WithoutCancel(ctx), msg.SenderID, msg.ContentHash, msg.CreatedAt); err != nil {
		s.logger.WithSession(msg.SessionID).Warn("abuse rollback failed", "error", err, "sender_id", msg.SenderID)
	}
}
