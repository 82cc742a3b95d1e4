package session

import (
	"context"
	"fmt"

	"github.com/wolfman30/paychat-billing/internal/billing"
	"github.com/wolfman30/paychat-billing/internal/events"
	"github.com/wolfman30/paychat-billing/internal/ledger"
)

// DepositResult reports how a deposit was split.
type DepositResult struct {
	EscrowAmount    int64         `json:"escrow_amount"`
	PlatformFee     int64         `json:"platform_fee"`
	RemainingTokens int64         `json:"remaining_tokens"`
	State           billing.State `json:"state"`
}

// Deposit creates the session escrow and moves the session to PAID_ACTIVE.
// Tokens are held with the wallet before the commit and released if the commit fails.
func (s *Service) Deposit(ctx context.Context, sessionID, payerID string, amount int64) (*DepositResult, error) {
	return s.deposit(ctx, sessionID, payerID, amount, false)
}

// TopUp adds tokens to the escrow of a PAID_ACTIVE session.
func (s *Service) TopUp(ctx context.Context, sessionID, payerID string, amount int64) (*DepositResult, error) {
	return s.deposit(ctx, sessionID, payerID, amount, true)
}

func (s *Service) deposit(ctx context.Context, sessionID, payerID string, amount int64, topUp bool) (*DepositResult, error) {
	if amount <= 0 {
		return nil, billing.ErrInvalidAmount
	}
	unlock, err := s.locker.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(payerID) {
		return nil, billing.ErrNotParticipant
	}
	if sess.Mode != billing.ModePaid {
		return nil, billing.ErrDepositNotAllowed
	}
	if payerID != sess.Roles.PayerID {
		return nil, billing.ErrNotPayer
	}

	now := s.now()
	var res ledger.DepositResult
	if topUp {
		if sess.State != billing.StatePaidActive {
			return nil, billing.ErrNoEscrow
		}
		res, err = s.ledger.TopUp(sess, amount, now)
	} else {
		if sess.Escrow != nil {
			return nil, billing.ErrDuplicateDeposit
		}
		res, err = s.ledger.Deposit(sess, amount, now)
	}
	if err != nil {
		if isIntegrity(err) {
			s.halt(ctx, sess.ID, "deposit", err)
		}
		return nil, err
	}
	if err := s.validator.CheckSplit(sess, amount, res.PlatformFee, res.EscrowTokens); err != nil {
		return nil, err
	}
	if !topUp {
		if err := transition(sess, billing.StatePaidActive, now); err != nil {
			return nil, err
		}
	}
	sess.LastActivityAt = now
	s.refreshExpiry(sess)

	eventType := events.TypeEscrowDeposited
	kind := "initial"
	if topUp {
		eventType = events.TypeEscrowToppedUp
		kind = "top_up"
	}
	ev, err := events.New(sess.ID, eventType, events.EscrowDepositedV1{
		SessionID:    sess.ID,
		PayerID:      payerID,
		GrossTokens:  amount,
		PlatformFee:  res.PlatformFee,
		EscrowTokens: res.EscrowTokens,
		TopUp:        topUp,
		OccurredAt:   now,
	}, now)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Hold(ctx, sess.ID, payerID, amount); err != nil {
		return nil, err
	}
	if err := s.store.Commit(ctx, Change{Session: sess, Entries: res.Entries, Events: []events.Event{ev}}); err != nil {
		// Release the hold; nothing was recorded.
		s.credit(ctx, sess.ID, payerID, amount, "deposit_rollback")
		return nil, fmt.Errorf("session: commit deposit: %w", err)
	}

	s.metrics.ObserveDeposit(kind, res.EscrowTokens, res.PlatformFee)
	s.logger.WithSession(sess.ID).Info("escrow funded",
		"kind", kind,
		"payer_id", payerID,
		"platform_fee", res.PlatformFee,
		"escrow_tokens", res.EscrowTokens,
	)
	return &DepositResult{
		EscrowAmount:    res.EscrowTokens,
		PlatformFee:     res.PlatformFee,
		RemainingTokens: sess.Escrow.RemainingTokens,
		State:           sess.State,
	}, nil
}
