package abuse

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/paychat-billing/pkg/logging"
)

var abuseTracer = otel.Tracer("paychat.internal.abuse")

// windowScript trims expired members, then adds one unless the limit is reached.
// Returns {allowed, count}.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  return {0, count}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1}
`)

// forgetScript removes a single member scored at ARGV[1]. Returns the number removed.
var forgetScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1], 'LIMIT', 0, 1)
if #members == 0 then
  return 0
end
return redis.call('ZREM', KEYS[1], members[1])
`)

// RedisGuard shares the window across API instances.
type RedisGuard struct {
	redis  *redis.Client
	cfg    Config
	logger *logging.Logger
}

// NewRedisGuard builds a guard backed by a sorted set per sender and hash.
func NewRedisGuard(client *redis.Client, cfg Config, logger *logging.Logger) *RedisGuard {
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisGuard{redis: client, cfg: cfg.normalized(), logger: logger}
}

func abuseKey(senderID, contentHash string) string {
	return fmt.Sprintf("abuse:dup:%s:%s", senderID, contentHash)
}

// Allow runs the window script. Redis failures fail open.
func (g *RedisGuard) Allow(ctx context.Context, senderID, contentHash string, at time.Time) (Decision, error) {
	ctx, span := abuseTracer.Start(ctx, "abuse.allow")
	defer span.End()
	span.SetAttributes(attribute.String("abuse.content_hash", contentHash))

	key := abuseKey(senderID, contentHash)
	res, err := windowScript.Run(ctx, g.redis, []string{key},
		at.UnixMilli(),
		g.cfg.Window.Milliseconds(),
		g.cfg.MaxDuplicates,
		uuid.NewString(),
	).Int64Slice()
	if err != nil || len(res) != 2 {
		span.RecordError(err)
		g.logger.Error("abuse check failed", "error", err, "key", key)
		return Decision{Allowed: true}, nil
	}

	d := Decision{Allowed: res[0] == 1, Count: int(res[1])}
	if !d.Allowed {
		span.SetAttributes(attribute.Bool("abuse.rejected", true))
		g.logger.Warn("duplicate content rejected",
			"sender_id", senderID,
			"count", d.Count,
			"max", g.cfg.MaxDuplicates,
		)
	}
	return d, nil
}

// Forget withdraws one occurrence recorded at the given time.
func (g *RedisGuard) Forget(ctx context.Context, senderID, contentHash string, at time.Time) error {
	ctx, span := abuseTracer.Start(ctx, "abuse.forget")
	defer span.End()

	key := abuseKey(senderID, contentHash)
	if err := forgetScript.Run(ctx, g.redis, []string{key}, at.UnixMilli()).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("abuse: forget %s: %w", key, err)
	}
	return nil
}

// Reset drops the window for one sender and hash (operator use).
func (g *RedisGuard) Reset(ctx context.Context, senderID, contentHash string) error {
	return g.redis.Del(ctx, abuseKey(senderID, contentHash)).Err()
}
