package abuse

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/paychat-billing/internal/billing"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestContentHashNormalizes(t *testing.T) {
	a := ContentHash(billing.Content{Type: billing.ContentText, Text: "Hello   THERE\nfriend"})
	b := ContentHash(billing.Content{Type: billing.ContentText, Text: " hello there friend "})
	c := ContentHash(billing.Content{Type: billing.ContentText, Text: "hello there friends"})
	m := ContentHash(billing.Content{Type: billing.ContentMedia, MediaRef: "img-1"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, m)
	assert.Len(t, a, 16)
}

func guards(t *testing.T) map[string]Guard {
	client, _ := setupTestRedis(t)
	return map[string]Guard{
		"memory": NewMemoryGuard(DefaultConfig()),
		"redis":  NewRedisGuard(client, DefaultConfig(), nil),
	}
}

func TestGuardThreshold(t *testing.T) {
	for name, g := range guards(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

			for i, want := range []bool{true, true, false, false} {
				d, err := g.Allow(ctx, "spammer", "h1", base.Add(time.Duration(i)*time.Second))
				require.NoError(t, err)
				assert.Equal(t, want, d.Allowed, "attempt %d", i+1)
			}

			// Other content and other senders are tracked separately.
			d, err := g.Allow(ctx, "spammer", "h2", base.Add(5*time.Second))
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			d, err = g.Allow(ctx, "someone-else", "h1", base.Add(5*time.Second))
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			// Rejections are not recorded, so the window frees once the two accepted copies age out.
			d, err = g.Allow(ctx, "spammer", "h1", base.Add(61*time.Second))
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 1, d.Count)
		})
	}
}

func TestGuardForgetWithdrawsOneOccurrence(t *testing.T) {
	for name, g := range guards(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

			for i := 0; i < 2; i++ {
				d, err := g.Allow(ctx, "sender", "h1", base.Add(time.Duration(i)*time.Second))
				require.NoError(t, err)
				require.True(t, d.Allowed)
			}
			require.NoError(t, g.Forget(ctx, "sender", "h1", base.Add(time.Second)))

			d, err := g.Allow(ctx, "sender", "h1", base.Add(2*time.Second))
			require.NoError(t, err)
			assert.True(t, d.Allowed, "withdrawn occurrence frees a slot")
			assert.Equal(t, 2, d.Count)

			d, err = g.Allow(ctx, "sender", "h1", base.Add(3*time.Second))
			require.NoError(t, err)
			assert.False(t, d.Allowed, "the first occurrence still counts")

			require.NoError(t, g.Forget(ctx, "sender", "unknown", base), "forgetting nothing is a no-op")
		})
	}
}

func TestRedisGuardFailsOpen(t *testing.T) {
	client, mr := setupTestRedis(t)
	g := NewRedisGuard(client, DefaultConfig(), nil)
	mr.Close()

	d, err := g.Allow(context.Background(), "u", "h", time.Now())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisGuardReset(t *testing.T) {
	client, _ := setupTestRedis(t)
	g := NewRedisGuard(client, Config{Window: time.Minute, MaxDuplicates: 1}, nil)
	ctx := context.Background()
	now := time.Now()

	d, _ := g.Allow(ctx, "u", "h", now)
	require.True(t, d.Allowed)
	d, _ = g.Allow(ctx, "u", "h", now)
	require.False(t, d.Allowed)

	require.NoError(t, g.Reset(ctx, "u", "h"))
	d, _ = g.Allow(ctx, "u", "h", now)
	assert.True(t, d.Allowed)
}

func TestMemoryGuardSweepAndReset(t *testing.T) {
	g := NewMemoryGuard(DefaultConfig())
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 10; i++ {
		_, err := g.Allow(ctx, fmt.Sprintf("u%d", i), "h", base)
		require.NoError(t, err)
	}
	assert.Equal(t, 10, g.Len())
	assert.Equal(t, 0, g.Sweep(base.Add(30*time.Second)))
	assert.Equal(t, 10, g.Sweep(base.Add(2*time.Minute)))
	assert.Equal(t, 0, g.Len())

	_, _ = g.Allow(ctx, "u", "h", base)
	g.Reset()
	assert.Equal(t, 0, g.Len())
}

func TestMemoryGuardConcurrentSenders(t *testing.T) {
	g := NewMemoryGuard(DefaultConfig())
	ctx := context.Background()
	now := time.Now()

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := g.Allow(ctx, "same-sender", "same-hash", now)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, allowed)
}
