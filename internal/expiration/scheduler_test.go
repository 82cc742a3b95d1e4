package expiration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/paychat-billing/internal/billing"
	"github.com/wolfman30/paychat-billing/internal/events"
	"github.com/wolfman30/paychat-billing/internal/ledger"
	"github.com/wolfman30/paychat-billing/internal/observability/metrics"
	"github.com/wolfman30/paychat-billing/internal/profiles"
	"github.com/wolfman30/paychat-billing/internal/roles"
	"github.com/wolfman30/paychat-billing/internal/session"
	"github.com/wolfman30/paychat-billing/internal/wallet"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newService(t *testing.T, c *clock) (*session.Service, *session.MemoryStore, *wallet.MemoryWallet) {
	t.Helper()
	dir := profiles.NewMemoryDirectory(
		roles.Profile{UserID: "m1", Gender: "male", EarnOptIn: roles.Bool(false)},
		roles.Profile{UserID: "m2", Gender: "male", EarnOptIn: roles.Bool(false)},
		roles.Profile{UserID: "m3", Gender: "male", EarnOptIn: roles.Bool(false)},
		roles.Profile{UserID: "f1", Gender: "female", EarnOptIn: roles.Bool(true)},
	)
	w := wallet.NewMemoryWallet(map[string]int64{"m1": 1000, "m2": 1000, "m3": 1000})
	store := session.NewMemoryStore(events.NewMemoryOutbox())
	svc := session.NewService(session.Options{
		Store:    store,
		Profiles: dir,
		Resolver: roles.NewResolver(roles.DefaultRateTable(), nil),
		Ledger:   ledger.New(w, nil),
		Clock:    c.Now,
	})
	return svc, store, w
}

func TestSweepExpiresOverdueSessionsOnce(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	svc, store, w := newService(t, c)

	// Paid and active: 24h deadline once a paid message exists.
	active, err := svc.InitializeSession(ctx, "m1", "f1", "m1")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, active.ID, "m1", 100)
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, session.SendMessageRequest{SessionID: active.ID, SenderID: "f1", Content: billing.Content{Text: strings.Repeat("word ", 77)}})
	require.NoError(t, err)

	// Funded but never answered: 72h deadline.
	silent, err := svc.InitializeSession(ctx, "m2", "f1", "m2")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, silent.ID, "m2", 100)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	sched := NewScheduler(svc, store, metrics.NewBillingMetrics(reg), nil).WithClock(c.Now)

	c.Advance(25 * time.Hour)
	res := sched.Sweep(ctx)
	assert.Equal(t, Result{Scanned: 1, Expired: 1}, res, "only the overdue session is listed")
	assert.Equal(t, int64(1000-100+58), w.Balance("m1"))

	c.Advance(48 * time.Hour)
	res = sched.Sweep(ctx)
	assert.Equal(t, Result{Scanned: 1, Expired: 1}, res)
	assert.Equal(t, int64(1000-100+65), w.Balance("m2"))

	refunds, err := svc.ListRefunds(ctx, silent.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, billing.ReasonNoResponse, refunds[0].Reason)

	res = sched.Sweep(ctx)
	assert.Equal(t, Result{}, res, "terminated sessions are not revisited")
	assert.Equal(t, int64(1000-100+58), w.Balance("m1"), "refund paid once")
}

func TestSweepReachesOverdueSessionBehindLongIdleOnes(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	svc, store, w := newService(t, c)

	// Two funded sessions that never get a reply sit on the 72h deadline.
	var silent []string
	for _, payer := range []string{"m2", "m3"} {
		sess, err := svc.InitializeSession(ctx, payer, "f1", payer)
		require.NoError(t, err)
		_, err = svc.Deposit(ctx, sess.ID, payer, 100)
		require.NoError(t, err)
		silent = append(silent, sess.ID)
	}

	c.Advance(5 * time.Hour)
	active, err := svc.InitializeSession(ctx, "m1", "f1", "m1")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, active.ID, "m1", 100)
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, session.SendMessageRequest{SessionID: active.ID, SenderID: "f1", Content: billing.Content{Text: strings.Repeat("word ", 77)}})
	require.NoError(t, err)

	// Silent sessions idle 30h, the paid one 25h: only the paid one is due.
	c.Advance(25 * time.Hour)
	sched := NewScheduler(svc, store, nil, nil).WithBatchSize(2).WithClock(c.Now)
	res := sched.Sweep(ctx)
	assert.Equal(t, Result{Scanned: 1, Expired: 1}, res)

	stored, err := svc.GetSession(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StateExpired, stored.State)
	assert.Equal(t, int64(1000-100+58), w.Balance("m1"))

	for _, id := range silent {
		stored, err := svc.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatePaidActive, stored.State)
	}
}

type stubExpirer struct {
	mu       sync.Mutex
	outcomes map[string]session.ExpireOutcome
	errs     map[string]error
	calls    []string
}

func (s *stubExpirer) Expire(_ context.Context, id string, _ time.Time) (session.ExpireOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	if err := s.errs[id]; err != nil {
		return "", err
	}
	return s.outcomes[id], nil
}

type stubLister struct {
	pages     [][]string
	cutoffs   []time.Time
	failFirst bool
}

func (l *stubLister) ListExpiryCandidates(_ context.Context, dueBy time.Time, _ int) ([]string, error) {
	l.cutoffs = append(l.cutoffs, dueBy)
	if l.failFirst {
		l.failFirst = false
		return nil, errors.New("db down")
	}
	if len(l.pages) == 0 {
		return nil, nil
	}
	page := l.pages[0]
	l.pages = l.pages[1:]
	return page, nil
}

func TestSweepCountsOutcomesAndPages(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	exp := &stubExpirer{
		outcomes: map[string]session.ExpireOutcome{
			"a": session.ExpireExpired, "b": session.ExpireSkipped, "c": session.ExpireExpired,
		},
		errs: map[string]error{"d": errors.New("boom")},
	}
	lister := &stubLister{pages: [][]string{{"a", "b"}, {"c", "d"}, {"e"}}}
	sched := NewScheduler(exp, lister, nil, nil).WithBatchSize(2).WithClock(func() time.Time { return now })

	res := sched.Sweep(context.Background())
	assert.Equal(t, Result{Scanned: 5, Expired: 2, Skipped: 1, NotDue: 1, Failed: 1}, res)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, exp.calls)
	require.NotEmpty(t, lister.cutoffs)
	assert.Equal(t, now, lister.cutoffs[0], "candidates are due by the sweep time")
}

func TestSweepStopsWithoutProgress(t *testing.T) {
	exp := &stubExpirer{outcomes: map[string]session.ExpireOutcome{"a": session.ExpireSkipped, "b": session.ExpireSkipped}}
	lister := &stubLister{pages: [][]string{{"a", "b"}, {"a", "b"}}}
	res := NewScheduler(exp, lister, nil, nil).WithBatchSize(2).Sweep(context.Background())
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, lister.cutoffs, 1)
}

func TestSweepListErrorIsLogged(t *testing.T) {
	lister := &stubLister{failFirst: true}
	res := NewScheduler(&stubExpirer{}, lister, nil, nil).Sweep(context.Background())
	assert.Equal(t, Result{}, res)
}

func TestRunStopsOnCancel(t *testing.T) {
	lister := &stubLister{}
	sched := NewScheduler(&stubExpirer{}, lister, nil, nil).WithInterval(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
