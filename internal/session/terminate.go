package session

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/paychat-billing/internal/billing"
	"github.com/wolfman30/paychat-billing/internal/events"
)

type terminationPolicy struct {
	target      billing.State
	flagSuspect bool
}

// terminationPolicies maps every exit reason to its end state. Refund amounts are
// decided by the ledger from the same reason.
var terminationPolicies = map[billing.RefundReason]terminationPolicy{
	billing.ReasonManualClose: {target: billing.StateClosed},
	billing.ReasonExpired:     {target: billing.StateExpired},
	billing.ReasonNoResponse:  {target: billing.StateExpired},
	billing.ReasonMismatch:    {target: billing.StateClosed, flagSuspect: true},
}

// CloseResult is returned by CloseSession.
type CloseResult struct {
	RefundAmount int64                `json:"refund_amount"`
	Refund       billing.RefundRecord `json:"refund"`
	State        billing.State        `json:"state"`
}

// MismatchResult is returned by ReportMismatch.
type MismatchResult struct {
	Terminated   bool                 `json:"terminated"`
	RefundAmount int64                `json:"refund_amount"`
	Refund       billing.RefundRecord `json:"refund"`
}

// ExpireOutcome is the result of one expiration attempt.
type ExpireOutcome string

const (
	ExpireExpired         ExpireOutcome = "expired"
	ExpireNotDue          ExpireOutcome = "not_due"
	ExpireAlreadyTerminal ExpireOutcome = "already_terminal"
	ExpireSkipped         ExpireOutcome = "skipped"
)

// CloseSession ends the session at a participant's request and refunds the remaining escrow.
func (s *Service) CloseSession(ctx context.Context, sessionID, requestedBy string) (*CloseResult, error) {
	unlock, err := s.locker.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(requestedBy) {
		return nil, billing.ErrNotParticipant
	}
	rec, err := s.terminate(ctx, sess, billing.ReasonManualClose, s.now())
	if err != nil {
		return nil, err
	}
	return &CloseResult{RefundAmount: rec.RefundedTokens, Refund: *rec, State: sess.State}, nil
}

// ReportMismatch force-closes the session on a confirmed identity mismatch,
// refunds escrow plus the platform fee and flags the suspect for review.
// It takes priority over debits queued on the same session.
func (s *Service) ReportMismatch(ctx context.Context, sessionID, reporterID, suspectID string) (*MismatchResult, error) {
	if reporterID == suspectID {
		return nil, billing.ErrSameParticipant
	}
	unlock, err := s.locker.AcquireTerminating(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(reporterID) || !sess.IsParticipant(suspectID) {
		return nil, billing.ErrNotParticipant
	}
	rec, err := s.terminate(ctx, sess, billing.ReasonMismatch, s.now())
	if err != nil {
		return nil, err
	}
	if terminationPolicies[billing.ReasonMismatch].flagSuspect {
		s.flag(ctx, suspectID, sess.ID)
	}
	return &MismatchResult{Terminated: true, RefundAmount: rec.RefundedTokens, Refund: *rec}, nil
}

// Expire terminates an inactive session if its deadline has passed. Busy sessions
// are skipped after a bounded number of lock attempts.
func (s *Service) Expire(ctx context.Context, sessionID string, now time.Time) (ExpireOutcome, error) {
	unlock, ok := s.locker.TryAcquire(ctx, sessionID, s.cfg.SweepLockAttempts, s.cfg.SweepLockBackoff)
	if !ok {
		return ExpireSkipped, nil
	}
	defer unlock()

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.State.IsTerminal() {
		return ExpireAlreadyTerminal, nil
	}
	if sess.Halted {
		return ExpireSkipped, nil
	}
	if sess.Mode != billing.ModePaid || (sess.State != billing.StateAwaitingPrepaid && sess.State != billing.StatePaidActive) {
		return ExpireNotDue, nil
	}
	if now.Sub(sess.LastActivityAt) <= s.deadline(sess) {
		return ExpireNotDue, nil
	}

	reason := billing.ReasonExpired
	if sess.Escrow != nil && sess.Escrow.DebitedTokens == 0 {
		reason = billing.ReasonNoResponse
	}
	if _, err := s.terminate(ctx, sess, reason, now); err != nil {
		return "", err
	}
	return ExpireExpired, nil
}

// terminate is the single exit path. The caller holds the session lock.
func (s *Service) terminate(ctx context.Context, sess *billing.Session, reason billing.RefundReason, now time.Time) (*billing.RefundRecord, error) {
	policy, ok := terminationPolicies[reason]
	if !ok {
		return nil, fmt.Errorf("session: no termination policy for %s", reason)
	}

	var before *billing.Escrow
	if sess.Escrow != nil {
		cp := *sess.Escrow
		before = &cp
	}
	refund, err := s.ledger.Refund(sess, reason, now)
	if err != nil {
		if isIntegrity(err) {
			s.halt(ctx, sess.ID, "refund", err)
		}
		return nil, err
	}
	if err := s.validator.CheckRefund(sess, before, refund.Record); err != nil {
		return nil, err
	}
	if err := transition(sess, policy.target, now); err != nil {
		return nil, err
	}

	ev, err := events.New(sess.ID, events.TypeSessionTerminated, events.SessionTerminatedV1{
		Session:    *sess.Clone(),
		Refund:     refund.Record,
		OccurredAt: now,
	}, now)
	if err != nil {
		return nil, err
	}
	rec := refund.Record
	if err := s.store.Commit(ctx, Change{Session: sess, Refund: &rec, Entries: refund.Entries, Events: []events.Event{ev}}); err != nil {
		return nil, fmt.Errorf("session: commit termination: %w", err)
	}

	s.credit(ctx, sess.ID, rec.PayerID, rec.RefundedTokens, "refund")
	s.metrics.ObserveRefund(string(reason), rec.RefundedTokens)
	s.logger.WithSession(sess.ID).Info("session terminated",
		"reason", reason,
		"state", sess.State,
		"refunded_tokens", rec.RefundedTokens,
		"platform_fee_refunded", rec.PlatformFeeTokens,
	)
	return &rec, nil
}

func (s *Service) flag(ctx context.Context, userID, sessionID string) {
	if s.flagger == nil {
		return
	}
	if err := s.flagger.FlagForReview(ctx, userID, sessionID, string(billing.ReasonMismatch)); err != nil {
		s.logger.WithSession(sessionID).Error("moderation flag failed", "error", err, "user_id", userID)
	}
}
