// Package expiration periodically terminates inactive paid sessions.
package expiration

import (
	"context"
	"time"

	"github.com/wolfman30/paychat-billing/internal/observability/metrics"
	"github.com/wolfman30/paychat-billing/internal/session"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// Expirer terminates one session if its deadline has passed.
type Expirer interface {
	Expire(ctx context.Context, sessionID string, now time.Time) (session.ExpireOutcome, error)
}

// CandidateLister finds sessions whose deadline passed before dueBy, earliest first.
type CandidateLister interface {
	ListExpiryCandidates(ctx context.Context, dueBy time.Time, limit int) ([]string, error)
}

// Result summarizes one sweep.
type Result struct {
	Scanned int
	Expired int
	NotDue  int
	Skipped int
	Failed  int
}

// Scheduler runs sweeps on an interval. Busy sessions are skipped and picked up
// by a later sweep.
type Scheduler struct {
	expirer    Expirer
	candidates CandidateLister
	metrics    *metrics.BillingMetrics
	logger     *logging.Logger
	interval   time.Duration
	batchSize  int
	maxBatches int
	now        func() time.Time
}

func NewScheduler(expirer Expirer, candidates CandidateLister, m *metrics.BillingMetrics, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		expirer:    expirer,
		candidates: candidates,
		metrics:    m,
		logger:     logger,
		interval:   time.Hour,
		batchSize:  200,
		maxBatches: 50,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithInterval sets the sweep interval.
func (s *Scheduler) WithInterval(interval time.Duration) *Scheduler {
	if interval > 0 {
		s.interval = interval
	}
	return s
}

// WithBatchSize sets how many candidates are fetched per query.
func (s *Scheduler) WithBatchSize(size int) *Scheduler {
	if size > 0 {
		s.batchSize = size
	}
	return s
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("starting expiration scheduler", "interval", s.interval.String(), "batch_size", s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiration scheduler shutting down")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep expires every overdue session it can lock. Running it twice is harmless:
// already terminated sessions are no longer candidates.
func (s *Scheduler) Sweep(ctx context.Context) Result {
	start := time.Now()
	now := s.now()

	var res Result
	for batch := 0; batch < s.maxBatches; batch++ {
		ids, err := s.candidates.ListExpiryCandidates(ctx, now, s.batchSize)
		if err != nil {
			s.logger.Error("failed to list expiry candidates", "error", err)
			break
		}
		expiredBefore := res.Expired
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			res.Scanned++
			outcome, err := s.expirer.Expire(ctx, id, now)
			if err != nil {
				res.Failed++
				s.metrics.ObserveSweepSession("failed")
				s.logger.WithSession(id).Error("expiration failed", "error", err)
				continue
			}
			s.metrics.ObserveSweepSession(string(outcome))
			switch outcome {
			case session.ExpireExpired:
				res.Expired++
			case session.ExpireSkipped:
				res.Skipped++
			default:
				res.NotDue++
			}
		}
		// Every candidate is due, so a full page that expired nothing holds only
		// busy or failing sessions; leave them to the next sweep.
		if len(ids) < s.batchSize || res.Expired == expiredBefore || ctx.Err() != nil {
			break
		}
	}

	s.metrics.ObserveSweep(time.Since(start).Seconds())
	if res.Scanned > 0 {
		s.logger.Info("expiration sweep completed",
			"scanned", res.Scanned,
			"expired", res.Expired,
			"not_due", res.NotDue,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
	return res
}
