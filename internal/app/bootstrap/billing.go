package bootstrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/paychat-billing/internal/abuse"
	appconfig "github.com/wolfman30/paychat-billing/internal/config"
	"github.com/wolfman30/paychat-billing/internal/events"
	"github.com/wolfman30/paychat-billing/internal/expiration"
	"github.com/wolfman30/paychat-billing/internal/ledger"
	"github.com/wolfman30/paychat-billing/internal/observability/metrics"
	"github.com/wolfman30/paychat-billing/internal/roles"
	"github.com/wolfman30/paychat-billing/internal/session"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// Billing holds the wired engine shared by the API and the sweep lambda.
type Billing struct {
	Service   *session.Service
	Store     session.Store
	Outbox    events.Source
	Deliverer *events.Deliverer
	Scheduler *expiration.Scheduler
	Metrics   *metrics.BillingMetrics
	Pipeline  *EventPipeline
	// MemoryGuard is set when duplicate detection runs in-process and needs sweeping.
	MemoryGuard *abuse.MemoryGuard

	pool  *pgxpool.Pool
	redis *redis.Client
}

// BuildBilling wires storage, collaborators and the session service from config.
// awsCfg may be nil, which disables the S3 archive, SQS moderation and SES alerts.
func BuildBilling(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, reg prometheus.Registerer, logger *logging.Logger) (*Billing, error) {
	if logger == nil {
		logger = logging.Default()
	}
	b := &Billing{Metrics: metrics.NewBillingMetrics(reg)}

	table, err := BuildRateTable(cfg)
	if err != nil {
		return nil, err
	}
	profileSource, err := BuildProfiles(cfg, logger)
	if err != nil {
		return nil, err
	}
	walletClient, err := BuildWallet(cfg, logger)
	if err != nil {
		return nil, err
	}
	sender, err := BuildEmailSender(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	alerter := BuildAlerter(cfg, sender, logger)
	flagger, err := BuildFlagger(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}

	b.pool, err = BuildPostgresPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if b.pool != nil {
		b.Store = session.NewPostgresStore(b.pool)
		b.Outbox = events.NewOutboxStore(b.pool)
		logger.Info("using postgres session store")
	} else {
		outbox := events.NewMemoryOutbox()
		b.Store = session.NewMemoryStore(outbox)
		b.Outbox = outbox
		logger.Warn("using in-memory session store; state is lost on restart")
	}

	b.redis = BuildRedisClient(ctx, cfg, logger, true)
	var guard abuse.Guard
	guard, b.MemoryGuard = BuildGuard(b.redis, cfg, logger)

	b.Service = session.NewService(session.Options{
		Config: session.Config{
			PaidInactivityTimeout: cfg.PaidInactivityTimeout,
			IdleInactivityTimeout: cfg.IdleInactivityTimeout,
			SweepLockAttempts:     cfg.SweepLockAttempts,
			SweepLockBackoff:      cfg.SweepLockBackoff,
		},
		Store:    b.Store,
		Profiles: profileSource,
		Resolver: roles.NewResolver(table, logger),
		Ledger:   ledger.New(walletClient, logger),
		Guard:    guard,
		Flagger:  flagger,
		Alerter:  alerter,
		Metrics:  b.Metrics,
		Logger:   logger,
	})

	b.Pipeline = BuildEventPipeline(cfg, BuildArchive(cfg, awsCfg, logger), alerter, logger)
	b.Deliverer = events.NewDeliverer(b.Outbox, b.Pipeline.Handler, logger).
		WithInterval(cfg.OutboxPollInterval)
	b.Scheduler = expiration.NewScheduler(b.Service, b.Store, b.Metrics, logger).
		WithInterval(cfg.SweepInterval).
		WithBatchSize(cfg.SweepBatchSize)
	return b, nil
}

// Ping checks the backing stores.
func (b *Billing) Ping(ctx context.Context) error {
	if b.pool != nil {
		if err := b.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases pools and writers.
func (b *Billing) Close() {
	if b.Pipeline != nil {
		_ = b.Pipeline.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}
