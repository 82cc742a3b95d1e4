package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/paychat-billing/internal/billing"
)

type fakeWallet struct {
	held     map[string]int64
	credited map[string]int64
	holdErr  error
	credErr  error
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{held: map[string]int64{}, credited: map[string]int64{}}
}

func (w *fakeWallet) HoldTokens(_ context.Context, userID string, amount int64) error {
	if w.holdErr != nil {
		return w.holdErr
	}
	w.held[userID] += amount
	return nil
}

func (w *fakeWallet) CreditTokens(_ context.Context, userID string, amount int64) error {
	if w.credErr != nil {
		return w.credErr
	}
	w.credited[userID] += amount
	return nil
}

func newSession() *billing.Session {
	return &billing.Session{
		ID:    "sess-1",
		Mode:  billing.ModePaid,
		State: billing.StateAwaitingPrepaid,
		Roles: billing.Roles{
			PayerID:         "payer",
			EarnerID:        "earner",
			MeteredID:       "earner",
			Rate:            1,
			WordsPerToken:   11,
			CreatorPercent:  65,
			PlatformPercent: 35,
		},
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		amount, pct, fee, escrow int64
	}{
		{100, 35, 35, 65},
		{10, 35, 3, 7},
		{1, 35, 0, 1},
		{7, 0, 0, 7},
		{3, 100, 3, 0},
	}
	for _, tt := range tests {
		fee, escrow := Split(tt.amount, tt.pct)
		assert.Equal(t, tt.fee, fee, "fee for %d@%d", tt.amount, tt.pct)
		assert.Equal(t, tt.escrow, escrow, "escrow for %d@%d", tt.amount, tt.pct)
	}
}

func TestStandardScenarioManualClose(t *testing.T) {
	l := New(nil, nil)
	s := newSession()
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	dep, err := l.Deposit(s, 100, at)
	require.NoError(t, err)
	assert.Equal(t, int64(35), dep.PlatformFee)
	assert.Equal(t, int64(65), dep.EscrowTokens)
	assert.Equal(t, int64(65*11), s.Escrow.RemainingWords)
	require.Len(t, dep.Entries, 2)

	debit, err := l.Debit(s, 7, 77, "msg-1", at)
	require.NoError(t, err)
	assert.Equal(t, int64(58), debit.Remaining)
	require.Len(t, debit.Entries, 1)
	assert.Equal(t, "earner", debit.Entries[0].AccountID)

	refund, err := l.Refund(s, billing.ReasonManualClose, at)
	require.NoError(t, err)
	assert.Equal(t, int64(58), refund.Record.RefundedTokens)
	assert.Equal(t, int64(0), refund.Record.PlatformFeeTokens)
	assert.False(t, refund.Record.IncludesPlatformShare)
	assert.Equal(t, int64(0), s.Escrow.RemainingTokens)
	require.NoError(t, CheckConservation(s))

	payerNet := dep.GrossTokens - refund.Record.RefundedTokens
	assert.Equal(t, int64(42), payerNet)
	assert.Equal(t, int64(7), s.Escrow.DebitedTokens)
	assert.Equal(t, int64(35), s.Escrow.PlatformFeeTokens-s.Escrow.PlatformFeeRefunded)
}

func TestMismatchScenarioRefundsPlatformShare(t *testing.T) {
	l := New(nil, nil)
	s := newSession()
	at := time.Now()

	_, err := l.Deposit(s, 100, at)
	require.NoError(t, err)
	_, err = l.Debit(s, 7, 77, "msg-1", at)
	require.NoError(t, err)

	refund, err := l.Refund(s, billing.ReasonMismatch, at)
	require.NoError(t, err)
	assert.Equal(t, int64(93), refund.Record.RefundedTokens)
	assert.Equal(t, int64(58), refund.Record.EscrowTokens)
	assert.Equal(t, int64(35), refund.Record.PlatformFeeTokens)
	assert.True(t, refund.Record.IncludesPlatformShare)
	require.Len(t, refund.Entries, 2)
	assert.Equal(t, billing.EntryPlatformFeeRefund, refund.Entries[1].Kind)
}

func TestDepositErrors(t *testing.T) {
	l := New(nil, nil)

	s := newSession()
	_, err := l.Deposit(s, 0, time.Now())
	assert.ErrorIs(t, err, billing.ErrInvalidAmount)

	s.Roles.PlatformPercent = 100
	_, err = l.Deposit(s, 10, time.Now())
	assert.ErrorIs(t, err, billing.ErrDepositTooSmall)
	assert.Nil(t, s.Escrow)

	s = newSession()
	_, err = l.Deposit(s, 100, time.Now())
	require.NoError(t, err)
	_, err = l.Deposit(s, 100, time.Now())
	assert.ErrorIs(t, err, billing.ErrDuplicateDeposit)
	assert.Equal(t, int64(65), s.Escrow.TotalDepositedTokens)
}

func TestTopUp(t *testing.T) {
	l := New(nil, nil)
	s := newSession()

	_, err := l.TopUp(s, 50, time.Now())
	assert.ErrorIs(t, err, billing.ErrNoEscrow)

	_, err = l.Deposit(s, 100, time.Now())
	require.NoError(t, err)
	_, err = l.Debit(s, 60, 660, "m", time.Now())
	require.NoError(t, err)

	res, err := l.TopUp(s, 20, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.PlatformFee)
	assert.Equal(t, int64(13), res.EscrowTokens)
	assert.Equal(t, int64(18), s.Escrow.RemainingTokens)
	assert.Equal(t, int64(78), s.Escrow.TotalDepositedTokens)
	require.NoError(t, CheckConservation(s))
}

func TestDebitAllOrNothing(t *testing.T) {
	l := New(nil, nil)
	s := newSession()

	_, err := l.Debit(s, 1, 1, "m0", time.Now())
	assert.ErrorIs(t, err, billing.ErrDepositRequired)

	_, err = l.Deposit(s, 10, time.Now())
	require.NoError(t, err)
	before := *s.Escrow

	_, err = l.Debit(s, 8, 88, "m1", time.Now())
	assert.ErrorIs(t, err, billing.ErrInsufficientEscrow)
	assert.Equal(t, before, *s.Escrow)

	res, err := l.Debit(s, 0, 0, "m2", time.Now())
	require.NoError(t, err)
	assert.Empty(t, res.Entries)

	_, err = l.Debit(s, -1, 0, "m3", time.Now())
	assert.ErrorIs(t, err, billing.ErrIntegrityViolation)
}

func TestDebitCreditsPlatformWhenNoEarner(t *testing.T) {
	l := New(nil, nil)
	s := newSession()
	s.Roles.EarnerID = ""
	_, err := l.Deposit(s, 100, time.Now())
	require.NoError(t, err)
	res, err := l.Debit(s, 2, 20, "m", time.Now())
	require.NoError(t, err)
	assert.Equal(t, billing.PlatformAccount, res.Entries[0].AccountID)
}

func TestRefundWithoutEscrowStillProducesRecord(t *testing.T) {
	res, err := New(nil, nil).Refund(newSession(), billing.ReasonExpired, time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Record.ID)
	assert.Equal(t, int64(0), res.Record.RefundedTokens)
	assert.Empty(t, res.Entries)
}

func TestCheckConservationDetectsDrift(t *testing.T) {
	s := newSession()
	_, err := New(nil, nil).Deposit(s, 100, time.Now())
	require.NoError(t, err)

	s.Escrow.RemainingTokens = 70
	err = CheckConservation(s)
	require.Error(t, err)
	var lie *billing.LedgerIntegrityError
	require.True(t, errors.As(err, &lie))
	assert.Equal(t, int64(65), lie.Total)
	assert.Equal(t, int64(70), lie.Remaining)

	s.Escrow.RemainingTokens = -1
	assert.ErrorIs(t, CheckConservation(s), billing.ErrLedgerIntegrity)
}

func TestConservationHoldsAcrossManyDebits(t *testing.T) {
	l := New(nil, nil)
	s := newSession()
	_, err := l.Deposit(s, 1000, time.Now())
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		if _, err := l.Debit(s, int64(i%4), int64(i), "m", time.Now()); err != nil {
			require.ErrorIs(t, err, billing.ErrInsufficientEscrow)
		}
		require.NoError(t, CheckConservation(s))
	}
	assert.Equal(t, s.Escrow.TotalDepositedTokens, s.Escrow.RemainingTokens+s.Escrow.DebitedTokens)
}

func TestWalletSettlement(t *testing.T) {
	w := newFakeWallet()
	l := New(w, nil)
	ctx := context.Background()

	require.NoError(t, l.Hold(ctx, "s", "payer", 100))
	require.NoError(t, l.Credit(ctx, "s", "earner", 7))
	require.NoError(t, l.Credit(ctx, "s", billing.PlatformAccount, 35))
	require.NoError(t, l.Credit(ctx, "s", "payer", 0))
	assert.Equal(t, int64(100), w.held["payer"])
	assert.Equal(t, int64(7), w.credited["earner"])
	assert.NotContains(t, w.credited, billing.PlatformAccount)
	assert.NotContains(t, w.credited, "payer")

	w.holdErr = errors.New("insufficient funds")
	assert.Error(t, l.Hold(ctx, "s", "payer", 1))
	w.credErr = errors.New("wallet down")
	assert.Error(t, l.Credit(ctx, "s", "earner", 1))
}
