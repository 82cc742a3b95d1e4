// Package ledger owns escrow accounting for a session and settles value with the wallet service.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/paychat-billing/internal/billing"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// Wallet is the external token custodian.
type Wallet interface {
	HoldTokens(ctx context.Context, userID string, amount int64) error
	CreditTokens(ctx context.Context, userID string, amount int64) error
}

// DepositResult describes how a deposit was split.
type DepositResult struct {
	GrossTokens  int64
	PlatformFee  int64
	EscrowTokens int64
	Entries      []billing.LedgerEntry
}

// DebitResult is the outcome of a successful debit.
type DebitResult struct {
	Remaining int64
	Entries   []billing.LedgerEntry
}

// RefundResult carries the refund record and its journal rows.
type RefundResult struct {
	Record  billing.RefundRecord
	Entries []billing.LedgerEntry
}

// Ledger mutates escrow on a session held under its lock and talks to the wallet.
type Ledger struct {
	wallet Wallet
	tracer trace.Tracer
	logger *logging.Logger
}

// New returns a ledger. wallet may be nil for pure accounting use.
func New(wallet Wallet, logger *logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{
		wallet: wallet,
		tracer: otel.Tracer("paychat.internal.ledger"),
		logger: logger,
	}
}

// Split returns floor(amount * platformPercent / 100) and the remainder.
func Split(amount, platformPercent int64) (fee, escrow int64) {
	fee = amount * platformPercent / 100
	return fee, amount - fee
}

// Deposit creates the session escrow from a prepaid amount.
func (l *Ledger) Deposit(s *billing.Session, amount int64, at time.Time) (DepositResult, error) {
	if amount <= 0 {
		return DepositResult{}, billing.ErrInvalidAmount
	}
	if s.Escrow != nil {
		return DepositResult{}, billing.ErrDuplicateDeposit
	}
	fee, escrowAmt := Split(amount, s.Roles.PlatformPercent)
	if escrowAmt <= 0 {
		return DepositResult{}, billing.ErrDepositTooSmall
	}
	s.Escrow = &billing.Escrow{
		GrossDepositedTokens: amount,
		PlatformFeeTokens:    fee,
		TotalDepositedTokens: escrowAmt,
		RemainingTokens:      escrowAmt,
		DepositedAt:          at,
	}
	s.Escrow.RemainingWords = escrowAmt * s.Roles.WordsPerToken
	if err := CheckConservation(s); err != nil {
		return DepositResult{}, err
	}
	return DepositResult{
		GrossTokens:  amount,
		PlatformFee:  fee,
		EscrowTokens: escrowAmt,
		Entries:      depositEntries(s, escrowAmt, fee, at),
	}, nil
}

// TopUp adds a further split deposit to an existing escrow.
func (l *Ledger) TopUp(s *billing.Session, amount int64, at time.Time) (DepositResult, error) {
	if amount <= 0 {
		return DepositResult{}, billing.ErrInvalidAmount
	}
	if s.Escrow == nil {
		return DepositResult{}, billing.ErrNoEscrow
	}
	fee, escrowAmt := Split(amount, s.Roles.PlatformPercent)
	if escrowAmt <= 0 {
		return DepositResult{}, billing.ErrDepositTooSmall
	}
	e := s.Escrow
	e.GrossDepositedTokens += amount
	e.PlatformFeeTokens += fee
	e.TotalDepositedTokens += escrowAmt
	e.RemainingTokens += escrowAmt
	e.RemainingWords = e.RemainingTokens * s.Roles.WordsPerToken
	if err := CheckConservation(s); err != nil {
		return DepositResult{}, err
	}
	return DepositResult{
		GrossTokens:  amount,
		PlatformFee:  fee,
		EscrowTokens: escrowAmt,
		Entries:      depositEntries(s, escrowAmt, fee, at),
	}, nil
}

// Debit removes cost from escrow, all or nothing.
func (l *Ledger) Debit(s *billing.Session, cost, words int64, messageID string, at time.Time) (DebitResult, error) {
	if s.Escrow == nil {
		return DebitResult{}, billing.ErrDepositRequired
	}
	if cost < 0 {
		return DebitResult{}, fmt.Errorf("ledger: negative cost %d: %w", cost, billing.ErrIntegrityViolation)
	}
	e := s.Escrow
	if cost > e.RemainingTokens {
		return DebitResult{}, billing.ErrInsufficientEscrow
	}
	e.RemainingTokens -= cost
	e.DebitedTokens += cost
	e.UsedWordsThisSession += words
	e.RemainingWords = e.RemainingTokens * s.Roles.WordsPerToken
	if err := CheckConservation(s); err != nil {
		return DebitResult{}, err
	}
	var entries []billing.LedgerEntry
	if cost > 0 {
		entries = append(entries, billing.LedgerEntry{
			ID:        uuid.NewString(),
			SessionID: s.ID,
			Kind:      billing.EntryDebit,
			AccountID: EarnerAccount(s),
			Tokens:    cost,
			Reference: messageID,
			CreatedAt: at,
		})
	}
	return DebitResult{Remaining: e.RemainingTokens, Entries: entries}, nil
}

// Refund zeroes the escrow and returns the refund owed to the payer.
// The platform fee is returned only for MISMATCH.
func (l *Ledger) Refund(s *billing.Session, reason billing.RefundReason, at time.Time) (RefundResult, error) {
	rec := billing.RefundRecord{
		ID:                    uuid.NewString(),
		SessionID:             s.ID,
		PayerID:               s.Roles.PayerID,
		Reason:                reason,
		IncludesPlatformShare: reason == billing.ReasonMismatch,
		CreatedAt:             at,
	}
	if s.Escrow == nil {
		return RefundResult{Record: rec}, nil
	}
	e := s.Escrow
	escrowBack := e.RemainingTokens
	var feeBack int64
	if reason == billing.ReasonMismatch {
		feeBack = e.PlatformFeeTokens - e.PlatformFeeRefunded
	}
	e.RefundedTokens += escrowBack
	e.RemainingTokens = 0
	e.RemainingWords = 0
	e.PlatformFeeRefunded += feeBack

	rec.EscrowTokens = escrowBack
	rec.PlatformFeeTokens = feeBack
	rec.RefundedTokens = escrowBack + feeBack
	if err := CheckConservation(s); err != nil {
		return RefundResult{}, err
	}

	var entries []billing.LedgerEntry
	if escrowBack > 0 {
		entries = append(entries, billing.LedgerEntry{
			ID: uuid.NewString(), SessionID: s.ID, Kind: billing.EntryRefund,
			AccountID: s.Roles.PayerID, Tokens: escrowBack, Reference: rec.ID, CreatedAt: at,
		})
	}
	if feeBack > 0 {
		entries = append(entries, billing.LedgerEntry{
			ID: uuid.NewString(), SessionID: s.ID, Kind: billing.EntryPlatformFeeRefund,
			AccountID: s.Roles.PayerID, Tokens: feeBack, Reference: rec.ID, CreatedAt: at,
		})
	}
	return RefundResult{Record: rec, Entries: entries}, nil
}

// CheckConservation verifies total == remaining + debited + refunded.
// A violation is never corrected.
func CheckConservation(s *billing.Session) error {
	e := s.Escrow
	if e == nil {
		return nil
	}
	fail := func(detail string) error {
		return &billing.LedgerIntegrityError{
			SessionID: s.ID,
			Total:     e.TotalDepositedTokens,
			Remaining: e.RemainingTokens,
			Debited:   e.DebitedTokens,
			Refunded:  e.RefundedTokens,
			Detail:    detail,
		}
	}
	switch {
	case e.RemainingTokens < 0:
		return fail("negative remaining balance")
	case e.TotalDepositedTokens != e.RemainingTokens+e.DebitedTokens+e.RefundedTokens:
		return fail("total does not equal remaining + debited + refunded")
	case e.GrossDepositedTokens != e.TotalDepositedTokens+e.PlatformFeeTokens:
		return fail("gross deposit does not equal escrow + platform fee")
	case e.PlatformFeeRefunded < 0 || e.PlatformFeeRefunded > e.PlatformFeeTokens:
		return fail("platform fee refund out of range")
	}
	return nil
}

// EarnerAccount is where debits are credited: the earner, or the platform when there is none.
func EarnerAccount(s *billing.Session) string {
	if s.Roles.EarnerID == "" {
		return billing.PlatformAccount
	}
	return s.Roles.EarnerID
}

func depositEntries(s *billing.Session, escrowAmt, fee int64, at time.Time) []billing.LedgerEntry {
	entries := []billing.LedgerEntry{{
		ID: uuid.NewString(), SessionID: s.ID, Kind: billing.EntryDeposit,
		AccountID: s.Roles.PayerID, Tokens: escrowAmt, CreatedAt: at,
	}}
	if fee > 0 {
		entries = append(entries, billing.LedgerEntry{
			ID: uuid.NewString(), SessionID: s.ID, Kind: billing.EntryPlatformFee,
			AccountID: billing.PlatformAccount, Tokens: fee, CreatedAt: at,
		})
	}
	return entries
}

// Hold reserves the payer's tokens with the wallet before a deposit is committed.
func (l *Ledger) Hold(ctx context.Context, sessionID, payerID string, amount int64) error {
	ctx, span := l.tracer.Start(ctx, "ledger.hold")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int64("amount", amount),
	)
	if l.wallet == nil {
		return nil
	}
	if err := l.wallet.HoldTokens(ctx, payerID, amount); err != nil {
		span.RecordError(err)
		return fmt.Errorf("ledger: hold tokens: %w", err)
	}
	return nil
}

// Credit pays out tokens to a user. Platform revenue needs no wallet call.
func (l *Ledger) Credit(ctx context.Context, sessionID, userID string, amount int64) error {
	if amount <= 0 || userID == "" || userID == billing.PlatformAccount {
		return nil
	}
	ctx, span := l.tracer.Start(ctx, "ledger.credit")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int64("amount", amount),
	)
	if l.wallet == nil {
		return nil
	}
	if err := l.wallet.CreditTokens(ctx, userID, amount); err != nil {
		span.RecordError(err)
		l.logger.Error("wallet credit failed",
			"session_id", sessionID,
			"user_id", userID,
			"amount", amount,
			"error", err,
		)
		return fmt.Errorf("ledger: credit tokens: %w", err)
	}
	return nil
}
