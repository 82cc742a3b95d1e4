package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/wolfman30/paychat-billing/internal/billing"
	"github.com/wolfman30/paychat-billing/internal/events"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	t.Cleanup(mock.Close)
	return newPostgresStoreWithDB(mock), mock
}

func paidFixture(now time.Time) *billing.Session {
	s := storedSession("sess-1", billing.ModePaid, billing.StatePaidActive, now)
	s.Roles = billing.Roles{PayerID: "a", EarnerID: "b", MeteredID: "b", Rate: 1, WordsPerToken: 11, CreatorPercent: 65, PlatformPercent: 35, FreeMessageLimit: 3}
	s.Escrow = &billing.Escrow{GrossDepositedTokens: 100, PlatformFeeTokens: 35, TotalDepositedTokens: 65, RemainingTokens: 58, DebitedTokens: 7}
	s.Version = 4
	return s
}

func TestPostgresStoreCommitWritesEverything(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := paidFixture(now)
	msg := &billing.Message{ID: "msg-1", SessionID: "sess-1", SenderID: "b", ReceiverID: "a", ContentType: billing.ContentText, WordCount: 77, ContentHash: "abc", TokenCost: 7, CreatedAt: now}
	entry := billing.LedgerEntry{ID: "le-1", SessionID: "sess-1", Kind: billing.EntryDebit, AccountID: "b", Tokens: 7, Reference: "msg-1", CreatedAt: now}
	ev, err := events.New("sess-1", events.TypeMessageCharged, map[string]int{"cost": 7}, now)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE billing_sessions").
		WithArgs("sess-1", "PAID_ACTIVE", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			now, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), false, int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO billing_messages").
		WithArgs("msg-1", "sess-1", "b", "a", "TEXT", int64(77), "abc", int64(7), false, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO billing_ledger_entries").
		WithArgs("le-1", "sess-1", "debit", "b", int64(7), "msg-1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(ev.ID, "sess-1", events.TypeMessageCharged, []byte(`{"cost":7}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	if err := store.Commit(context.Background(), Change{Session: s, Message: msg, Entries: []billing.LedgerEntry{entry}, Events: []events.Event{ev}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if s.Version != 5 {
		t.Fatalf("expected version 5, got %d", s.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreCommitStaleVersion(t *testing.T) {
	store, mock := newMockStore(t)
	s := paidFixture(time.Now().UTC())

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE billing_sessions").WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := store.Commit(context.Background(), Change{Session: s})
	if err != billing.ErrConcurrentUpdate {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
	if s.Version != 4 {
		t.Fatalf("version must not change on conflict, got %d", s.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreSecondRefundRejected(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	s := paidFixture(now)
	s.State = billing.StateClosed
	rec := &billing.RefundRecord{ID: "r-2", SessionID: "sess-1", PayerID: "a", RefundedTokens: 58, EscrowTokens: 58, Reason: billing.ReasonManualClose, CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE billing_sessions").WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO billing_refunds").
		WithArgs("r-2", "sess-1", "a", int64(58), int64(58), int64(0), "MANUAL_CLOSE", false, now).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "billing_refunds_session_id_key"})
	mock.ExpectRollback()

	err := store.Commit(context.Background(), Change{Session: s, Refund: rec})
	if err != billing.ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreGet(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	want := paidFixture(now)
	roles, _ := json.Marshal(want.Roles)
	used, _ := json.Marshal(want.FreeMessagesUsed)
	escrow, _ := json.Marshal(want.Escrow)
	cols := []string{"id", "participant_a", "participant_b", "initiator_id", "mode", "state", "roles", "free_messages_used",
		"escrow", "created_at", "last_activity_at", "first_paid_message_at", "expires_at", "closed_at", "halted", "version"}

	mock.ExpectQuery("SELECT id, participant_a").WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("sess-1", "a", "b", "a", "PAID", "PAID_ACTIVE", roles, used,
			escrow, now, now, nil, nil, nil, false, int64(4)))

	got, err := store.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Mode != billing.ModePaid || got.State != billing.StatePaidActive || got.Version != 4 {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.Escrow == nil || got.Escrow.RemainingTokens != 58 || got.Roles.PayerID != "a" {
		t.Fatalf("escrow/roles not decoded: %+v", got)
	}

	mock.ExpectQuery("SELECT id, participant_a").WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	if _, err := store.Get(context.Background(), "missing"); err != billing.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreExpiryCandidates(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id FROM billing_sessions[\s\S]*expires_at < \$1\s+ORDER BY expires_at, id`).WithArgs(cutoff, 200).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("s1").AddRow("s2"))

	ids, err := store.ListExpiryCandidates(context.Background(), cutoff, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "s1" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
