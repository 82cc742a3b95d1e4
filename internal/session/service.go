// Package session runs the billing state machine: every mutation of a session
// happens here, under the per-session lock.
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
	"github.com/wolfman30/paychat-billing/internal/metering"
	"github.com/wolfman30/paychat-billing/internal/observability/metrics"
	"github.com/wolfman30/paychat-billing/internal/roles"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// ProfileSource is the read-only profile service.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (roles.Profile, error)
}

// Flagger hands a user to moderation. Calls are fire-and-forget.
type Flagger interface {
	FlagForReview(ctx context.Context, userID, sessionID, reason string) error
}

// Alerter notifies operators about conservation failures.
type Alerter interface {
	AlertLedgerIntegrity(ctx context.Context, sessionID, operation string, cause error) error
}

// Config holds deadlines and lock behaviour.
type Config struct {
	PaidInactivityTimeout time.Duration
	IdleInactivityTimeout time.Duration
	SweepLockAttempts     int
	SweepLockBackoff      time.Duration
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{
		PaidInactivityTimeout: 24 * time.Hour,
		IdleInactivityTimeout: 72 * time.Hour,
		SweepLockAttempts:     3,
		SweepLockBackoff:      50 * time.Millisecond,
	}
}

// Options wires the service collaborators. Store, Profiles and Resolver are required.
type Options struct {
	Config    Config
	Store     Store
	Profiles  ProfileSource
	Resolver  *roles.Resolver
	Metering  *metering.Engine
	Ledger    *ledger.Ledger
	Validator *integrity.Validator
	Guard     abuse.Guard
	Flagger   Flagger
	Alerter   Alerter
	Metrics   *metrics.BillingMetrics
	Locker    *Locker
	Logger    *logging.Logger
	Clock     func() time.Time
}

// Service exposes the billing operations.
type Service struct {
	cfg       Config
	store     Store
	profiles  ProfileSource
	resolver  *roles.Resolver
	metering  *metering.Engine
	ledger    *ledger.Ledger
	validator *integrity.Validator
	guard     abuse.Guard
	flagger   Flagger
	alerter   Alerter
	metrics   *metrics.BillingMetrics
	locker    *Locker
	logger    *logging.Logger
	now       func() time.Time
}

func NewService(opts Options) *Service {
	if opts.Store == nil || opts.Profiles == nil || opts.Resolver == nil {
		panic("session: store, profiles and resolver are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.PaidInactivityTimeout <= 0 {
		cfg.PaidInactivityTimeout = def.PaidInactivityTimeout
	}
	if cfg.IdleInactivityTimeout <= 0 {
		cfg.IdleInactivityTimeout = def.IdleInactivityTimeout
	}
	if cfg.SweepLockAttempts <= 0 {
		cfg.SweepLockAttempts = def.SweepLockAttempts
	}
	if cfg.SweepLockBackoff <= 0 {
		cfg.SweepLockBackoff = def.SweepLockBackoff
	}
	svc := &Service{
		cfg:       cfg,
		store:     opts.Store,
		profiles:  opts.Profiles,
		resolver:  opts.Resolver,
		metering:  opts.Metering,
		ledger:    opts.Ledger,
		validator: opts.Validator,
		guard:     opts.Guard,
		flagger:   opts.Flagger,
		alerter:   opts.Alerter,
		metrics:   opts.Metrics,
		locker:    opts.Locker,
		logger:    logger,
		now:       opts.Clock,
	}
	if svc.metering == nil {
		svc.metering = metering.New()
	}
	if svc.ledger == nil {
		svc.ledger = ledger.New(nil, logger)
	}
	if svc.validator == nil {
		svc.validator = integrity.NewValidator(opts.Metrics, logger)
	}
	if svc.guard == nil {
		svc.guard = abuse.NewMemoryGuard(abuse.DefaultConfig())
	}
	if svc.locker == nil {
		svc.locker = NewLocker()
	}
	if svc.now == nil {
		svc.now = func() time.Time { return time.Now().UTC() }
	}
	return svc
}

// Config returns the effective deadlines.
func (s *Service) Config() Config { return s.cfg }

// InitializeSession resolves roles once and creates the session in FREE_ACTIVE.
func (s *Service) InitializeSession(ctx context.Context, participantA, participantB, initiatorID string) (*billing.Session, error) {
	if participantA == "" || participantB == "" || participantA == participantB {
		return nil, billing.ErrSameParticipant
	}
	if initiatorID != participantA && initiatorID != participantB {
		return nil, billing.ErrNotParticipant
	}
	profileA, err := s.profiles.GetProfile(ctx, participantA)
	if err != nil {
		return nil, fmt.Errorf("session: profile %s: %w", participantA, err)
	}
	profileB, err := s.profiles.GetProfile(ctx, participantB)
	if err != nil {
		return nil, fmt.Errorf("session: profile %s: %w", participantB, err)
	}
	profileA.UserID, profileB.UserID = participantA, participantB

	assigned, mode, err := s.resolver.Resolve(profileA, profileB, initiatorID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	a, b := billing.SortedPair(participantA, participantB)
	sess := &billing.Session{
		ID:               uuid.NewString(),
		ParticipantA:     a,
		ParticipantB:     b,
		InitiatorID:      initiatorID,
		Roles:            assigned,
		Mode:             mode,
		State:            billing.StateFreeActive,
		FreeMessagesUsed: map[string]int{a: 0, b: 0},
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	ev, err := events.New(sess.ID, events.TypeSessionCreated, events.SessionCreatedV1{
		SessionID:    sess.ID,
		ParticipantA: a,
		ParticipantB: b,
		InitiatorID:  initiatorID,
		Mode:         mode,
		Roles:        assigned,
		CreatedAt:    now,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, sess, ev); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	s.logger.WithSession(sess.ID).Info("session created",
		"mode", mode,
		"rule", assigned.Rule,
		"payer_id", assigned.PayerID,
		"earner_id", assigned.EarnerID,
	)
	return sess, nil
}

// GetSession returns the current snapshot.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*billing.Session, error) {
	return s.store.Get(ctx, sessionID)
}

// ListRefunds returns the refund records for a session.
func (s *Service) ListRefunds(ctx context.Context, sessionID string) ([]billing.RefundRecord, error) {
	if _, err := s.store.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListRefunds(ctx, sessionID)
}

// ListMessages returns the most recent messages of a session.
func (s *Service) ListMessages(ctx context.Context, sessionID string, limit int) ([]billing.Message, error) {
	if _, err := s.store.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID, limit)
}

// load fetches the session and applies the checks shared by all mutations.
func (s *Service) load(ctx context.Context, sessionID string) (*billing.Session, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.IsTerminal() {
		return nil, billing.ErrSessionClosed
	}
	if sess.Halted {
		return nil, billing.ErrSessionHalted
	}
	return sess, nil
}

// refreshExpiry recomputes ExpiresAt from the applicable inactivity deadline.
func (s *Service) refreshExpiry(sess *billing.Session) {
	if sess.Mode != billing.ModePaid || (sess.State != billing.StateAwaitingPrepaid && sess.State != billing.StatePaidActive) {
		sess.ExpiresAt = nil
		return
	}
	at := sess.LastActivityAt.Add(s.deadline(sess))
	sess.ExpiresAt = &at
}

// deadline is the shorter timeout once the paid phase has produced a message.
func (s *Service) deadline(sess *billing.Session) time.Duration {
	if sess.FirstPaidMessageAt != nil {
		return s.cfg.PaidInactivityTimeout
	}
	return s.cfg.IdleInactivityTimeout
}

// halt records a conservation failure against the stored session and alerts operators.
// The in-memory copy that failed is discarded.
func (s *Service) halt(ctx context.Context, sessionID, operation string, cause error) {
	s.metrics.ObserveLedgerFailure()
	log := s.logger.WithSession(sessionID)
	log.Error("ledger integrity violation, halting session", "operation", operation, "error", cause)

	if fresh, err := s.store.Get(ctx, sessionID); err == nil && !fresh.Halted {
		fresh.Halted = true
		fresh.ExpiresAt = nil
		change := Change{Session: fresh}
		if ev, err := events.New(sessionID, events.TypeIntegrityViolation, events.IntegrityViolationV1{
			SessionID:  sessionID,
			Operation:  operation,
			Detail:     cause.Error(),
			OccurredAt: s.now(),
		}, s.now()); err == nil {
			change.Events = append(change.Events, ev)
		}
		if err := s.store.Commit(ctx, change); err != nil {
			log.Error("failed to persist halt", "error", err)
		}
	}
	if s.alerter != nil {
		if err := s.alerter.AlertLedgerIntegrity(ctx, sessionID, operation, cause); err != nil {
			log.Error("operator alert failed", "error", err)
		}
	}
}

// credit pays out after a commit. Failures cannot roll back the commit, so they
// are logged, counted and queued as an event for reconciliation.
func (s *Service) credit(ctx context.Context, sessionID, userID string, amount int64, purpose string) {
	err := s.ledger.Credit(ctx, sessionID, userID, amount)
	if err == nil {
		return
	}
	s.metrics.ObserveCreditFailure(purpose)
	now := s.now()
	ev, evErr := events.New(sessionID, events.TypeCreditFailed, events.CreditFailedV1{
		SessionID:  sessionID,
		UserID:     userID,
		Tokens:     amount,
		Purpose:    purpose,
		Error:      err.Error(),
		OccurredAt: now,
	}, now)
	if evErr == nil {
		evErr = s.store.Publish(ctx, ev)
	}
	if evErr != nil {
		s.logger.WithSession(sessionID).Error("failed to record credit failure", "error", evErr, "user_id", userID, "amount", amount)
	}
}

func isIntegrity(err error) bool {
	return errors.Is(err, billing.ErrLedgerIntegrity)
}
