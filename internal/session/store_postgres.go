package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/paychat-billing/internal/billing"
	"github.com/wolfman30/paychat-billing/internal/events"
)

type pgDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists sessions, messages, refunds, the ledger journal and
// outbox events in one transaction per change.
type PostgresStore struct {
	db pgDB
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("session: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithDB(db pgDB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, participant_a, participant_b, initiator_id, mode, state, roles, free_messages_used,
	escrow, created_at, last_activity_at, first_paid_message_at, expires_at, closed_at, halted, version`

func (p *PostgresStore) Create(ctx context.Context, s *billing.Session, evs ...events.Event) error {
	roles, used, escrow, err := encodeSession(s)
	if err != nil {
		return err
	}
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("session: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO billing_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)
	`
	if _, err := tx.Exec(ctx, query,
		s.ID, s.ParticipantA, s.ParticipantB, s.InitiatorID, string(s.Mode), string(s.State),
		roles, used, escrow, s.CreatedAt, s.LastActivityAt,
		s.FirstPaidMessageAt, s.ExpiresAt, s.ClosedAt, s.Halted,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return billing.ErrConcurrentUpdate
		}
		return fmt.Errorf("session: insert session: %w", err)
	}
	for _, ev := range evs {
		if err := events.WriteOutbox(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("session: commit create: %w", err)
	}
	s.Version = 1
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*billing.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM billing_sessions WHERE id = $1`
	s, err := scanSession(p.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, billing.ErrSessionNotFound
		}
		return nil, fmt.Errorf("session: get: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) Commit(ctx context.Context, c Change) error {
	s := c.Session
	roles, used, escrow, err := encodeSession(s)
	if err != nil {
		return err
	}
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("session: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	update := `
		UPDATE billing_sessions
		SET state = $2, roles = $3, free_messages_used = $4, escrow = $5,
			last_activity_at = $6, first_paid_message_at = $7, expires_at = $8,
			closed_at = $9, halted = $10, version = version + 1
		WHERE id = $1 AND version = $11
	`
	ct, err := tx.Exec(ctx, update,
		s.ID, string(s.State), roles, used, escrow,
		s.LastActivityAt, s.FirstPaidMessageAt, s.ExpiresAt, s.ClosedAt, s.Halted,
		s.Version,
	)
	if err != nil {
		return fmt.Errorf("session: update session: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return billing.ErrConcurrentUpdate
	}

	if m := c.Message; m != nil {
		query := `
			INSERT INTO billing_messages (id, session_id, sender_id, receiver_id, content_type, word_count, content_hash, token_cost, free, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`
		if _, err := tx.Exec(ctx, query, m.ID, m.SessionID, m.SenderID, m.ReceiverID, string(m.ContentType),
			m.WordCount, m.ContentHash, m.TokenCost, m.Free, m.CreatedAt); err != nil {
			return fmt.Errorf("session: insert message: %w", err)
		}
	}
	if r := c.Refund; r != nil {
		// One refund per session; the unique constraint backs the terminal-state check.
		query := `
			INSERT INTO billing_refunds (id, session_id, payer_id, refunded_tokens, escrow_tokens, platform_fee_tokens, reason, includes_platform_share, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		if _, err := tx.Exec(ctx, query, r.ID, r.SessionID, r.PayerID, r.RefundedTokens, r.EscrowTokens,
			r.PlatformFeeTokens, string(r.Reason), r.IncludesPlatformShare, r.CreatedAt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return billing.ErrSessionClosed
			}
			return fmt.Errorf("session: insert refund: %w", err)
		}
	}
	for _, e := range c.Entries {
		query := `
			INSERT INTO billing_ledger_entries (id, session_id, kind, account_id, tokens, reference, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`
		if _, err := tx.Exec(ctx, query, e.ID, e.SessionID, string(e.Kind), e.AccountID, e.Tokens, e.Reference, e.CreatedAt); err != nil {
			return fmt.Errorf("session: insert ledger entry: %w", err)
		}
	}
	for _, ev := range c.Events {
		if err := events.WriteOutbox(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	s.Version++
	return nil
}

func (p *PostgresStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]billing.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, session_id, sender_id, receiver_id, content_type, word_count, content_hash, token_cost, free, created_at
		FROM (
			SELECT * FROM billing_messages WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at
	`
	rows, err := p.db.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("session: list messages: %w", err)
	}
	defer rows.Close()

	var out []billing.Message
	for rows.Next() {
		var m billing.Message
		var contentType string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.ReceiverID, &contentType, &m.WordCount,
			&m.ContentHash, &m.TokenCost, &m.Free, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("session: scan message: %w", err)
		}
		m.ContentType = billing.ContentType(contentType)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListRefunds(ctx context.Context, sessionID string) ([]billing.RefundRecord, error) {
	query := `
		SELECT id, session_id, payer_id, refunded_tokens, escrow_tokens, platform_fee_tokens, reason, includes_platform_share, created_at
		FROM billing_refunds
		WHERE session_id = $1
		ORDER BY created_at
	`
	rows, err := p.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: list refunds: %w", err)
	}
	defer rows.Close()

	var out []billing.RefundRecord
	for rows.Next() {
		var r billing.RefundRecord
		var reason string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.PayerID, &r.RefundedTokens, &r.EscrowTokens,
			&r.PlatformFeeTokens, &reason, &r.IncludesPlatformShare, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("session: scan refund: %w", err)
		}
		r.Reason = billing.RefundReason(reason)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListExpiryCandidates(ctx context.Context, dueBy time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT id FROM billing_sessions
		WHERE mode = 'PAID'
		  AND state IN ('AWAITING_PREPAID', 'PAID_ACTIVE')
		  AND NOT halted
		  AND expires_at < $1
		ORDER BY expires_at, id
		LIMIT $2
	`
	rows, err := p.db.Query(ctx, query, dueBy, limit)
	if err != nil {
		return nil, fmt.Errorf("session: list expiry candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("session: scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) Publish(ctx context.Context, evs ...events.Event) error {
	for _, ev := range evs {
		if err := events.WriteOutbox(ctx, p.db, ev); err != nil {
			return err
		}
	}
	return nil
}

func encodeSession(s *billing.Session) (roles, used, escrow []byte, err error) {
	if roles, err = json.Marshal(s.Roles); err != nil {
		return nil, nil, nil, fmt.Errorf("session: marshal roles: %w", err)
	}
	if s.FreeMessagesUsed == nil {
		s.FreeMessagesUsed = map[string]int{}
	}
	if used, err = json.Marshal(s.FreeMessagesUsed); err != nil {
		return nil, nil, nil, fmt.Errorf("session: marshal free counters: %w", err)
	}
	if s.Escrow != nil {
		if escrow, err = json.Marshal(s.Escrow); err != nil {
			return nil, nil, nil, fmt.Errorf("session: marshal escrow: %w", err)
		}
	}
	return roles, used, escrow, nil
}

func scanSession(row pgx.Row) (*billing.Session, error) {
	var s billing.Session
	var mode, state string
	var roles, used, escrow []byte
	if err := row.Scan(&s.ID, &s.ParticipantA, &s.ParticipantB, &s.InitiatorID, &mode, &state,
		&roles, &used, &escrow, &s.CreatedAt, &s.LastActivityAt,
		&s.FirstPaidMessageAt, &s.ExpiresAt, &s.ClosedAt, &s.Halted, &s.Version); err != nil {
		return nil, err
	}
	s.Mode = billing.Mode(mode)
	s.State = billing.State(state)
	if err := json.Unmarshal(roles, &s.Roles); err != nil {
		return nil, fmt.Errorf("session: decode roles: %w", err)
	}
	s.FreeMessagesUsed = map[string]int{}
	if len(used) > 0 {
		if err := json.Unmarshal(used, &s.FreeMessagesUsed); err != nil {
			return nil, fmt.Errorf("session: decode free counters: %w", err)
		}
	}
	if len(escrow) > 0 {
		s.Escrow = &billing.Escrow{}
		if err := json.Unmarshal(escrow, s.Escrow); err != nil {
			return nil, fmt.Errorf("session: decode escrow: %w", err)
		}
	}
	return &s, nil
}
