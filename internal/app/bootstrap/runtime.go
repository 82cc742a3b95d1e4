package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/paychat-billing/internal/abuse"
	appconfig "github.com/wolfman30/paychat-billing/internal/config"
	"github.com/wolfman30/paychat-billing/internal/ledger"
	"github.com/wolfman30/paychat-billing/internal/profiles"
	"github.com/wolfman30/paychat-billing/internal/roles"
	"github.com/wolfman30/paychat-billing/internal/session"
	"github.com/wolfman30/paychat-billing/internal/wallet"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		return nil
	}
	return client
}

// BuildPostgresPool connects to DATABASE_URL. It returns nil when memory
// storage is selected or no URL is set.
func BuildPostgresPool(ctx context.Context, cfg *appconfig.Config) (*pgxpool.Pool, error) {
	if cfg == nil || cfg.UseMemoryStore || strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return pool, nil
}

// BuildGuard prefers the shared Redis window so duplicate detection holds
// across API replicas. The in-process guard is returned with its sweeper
// so the caller can run it.
func BuildGuard(redisClient *redis.Client, cfg *appconfig.Config, logger *logging.Logger) (abuse.Guard, *abuse.MemoryGuard) {
	guardCfg := abuse.Config{Window: cfg.AbuseWindow, MaxDuplicates: cfg.AbuseMaxDuplicates}
	if redisClient != nil {
		return abuse.NewRedisGuard(redisClient, guardCfg, logger), nil
	}
	mem := abuse.NewMemoryGuard(guardCfg)
	return mem, mem
}

// BuildRateTable loads the YAML table when configured.
func BuildRateTable(cfg *appconfig.Config) (roles.RateTable, error) {
	if strings.TrimSpace(cfg.RateTablePath) == "" {
		return roles.DefaultRateTable(), nil
	}
	table, err := roles.LoadRateTable(cfg.RateTablePath)
	if err != nil {
		return roles.RateTable{}, fmt.Errorf("bootstrap: %w", err)
	}
	return table, nil
}

// BuildWallet uses the wallet service when configured. Outside production
// an empty in-memory wallet is returned.
func BuildWallet(cfg *appconfig.Config, logger *logging.Logger) (ledger.Wallet, error) {
	if url := strings.TrimSpace(cfg.WalletServiceURL); url != "" {
		return wallet.NewHTTPClient(url, cfg.ServiceTimeout, logger), nil
	}
	if isProduction(cfg) {
		return nil, fmt.Errorf("bootstrap: WALLET_SERVICE_URL is required in production")
	}
	logger.Warn("wallet service not configured; using in-memory wallet")
	return wallet.NewMemoryWallet(nil), nil
}

func BuildProfiles(cfg *appconfig.Config, logger *logging.Logger) (session.ProfileSource, error) {
	if url := strings.TrimSpace(cfg.ProfileServiceURL); url != "" {
		return profiles.NewHTTPClient(url, cfg.ServiceTimeout, logger), nil
	}
	if isProduction(cfg) {
		return nil, fmt.Errorf("bootstrap: PROFILE_SERVICE_URL is required in production")
	}
	logger.Warn("profile service not configured; using in-memory directory")
	return profiles.NewMemoryDirectory(), nil
}

func isProduction(cfg *appconfig.Config) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Env), "production")
}
