package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// DeliveryHandler emits events to downstream transports.
type DeliveryHandler interface {
	Handle(ctx context.Context, ev Event) error
}

// Source is a queue of undelivered events.
type Source interface {
	FetchPending(ctx context.Context, limit int32) ([]Event, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
}

// Execer is satisfied by pgxpool.Pool, pgx.Tx and pgxmock.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type queryExecer interface {
	Execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const insertOutboxSQL = `
	INSERT INTO outbox (id, session_id, type, payload, created_at)
	VALUES ($1, $2, $3, $4, $5)
`

// WriteOutbox inserts ev using exec, typically the transaction that changed the session.
func WriteOutbox(ctx context.Context, exec Execer, ev Event) error {
	if _, err := exec.Exec(ctx, insertOutboxSQL, ev.ID, ev.SessionID, ev.Type, []byte(ev.Payload), ev.CreatedAt); err != nil {
		return fmt.Errorf("events: insert outbox: %w", err)
	}
	return nil
}

// OutboxStore persists events for reliable delivery.
type OutboxStore struct {
	pool queryExecer
}

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{pool: pool}
}

func newOutboxStoreWithExec(exec queryExecer) *OutboxStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &OutboxStore{pool: exec}
}

func (s *OutboxStore) Insert(ctx context.Context, ev Event) error {
	return WriteOutbox(ctx, s.pool, ev)
}

func (s *OutboxStore) FetchPending(ctx context.Context, limit int32) ([]Event, error) {
	query := `
		SELECT id, session_id, type, payload, created_at
		FROM outbox
		WHERE delivered_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		ev.Payload = append([]byte(nil), payload...)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// Deliverer polls a Source and invokes the handler. Delivery is at least once.
type Deliverer struct {
	source    Source
	handler   DeliveryHandler
	logger    *logging.Logger
	batchSize int32
	interval  time.Duration
}

func NewDeliverer(source Source, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		source:    source,
		handler:   handler,
		logger:    logger,
		batchSize: 25,
		interval:  2 * time.Second,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Deliverer) Start(ctx context.Context) {
	if d.source == nil || d.handler == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// One last pass so events committed during shutdown are not left behind.
			d.Drain(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain delivers one batch and returns how many events were marked delivered.
func (d *Deliverer) Drain(ctx context.Context) int {
	entries, err := d.source.FetchPending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox fetch failed", "error", err)
		return 0
	}
	delivered := 0
	for _, ev := range entries {
		if err := d.handler.Handle(ctx, ev); err != nil {
			d.logger.Error("outbox delivery failed", "error", err, "event_id", ev.ID, "type", ev.Type)
			continue
		}
		if ok, err := d.source.MarkDelivered(ctx, ev.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "event_id", ev.ID)
		} else if ok {
			delivered++
			d.logger.Debug("outbox delivered", "event_id", ev.ID, "type", ev.Type)
		}
	}
	return delivered
}
