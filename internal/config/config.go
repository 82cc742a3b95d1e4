package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseURL    string
	UseMemoryStore bool
	RedisAddr      string
	RedisPassword  string
	RedisTLS       bool

	// Pricing and metering
	RateTablePath string

	// Abuse guard
	AbuseWindow        time.Duration
	AbuseMaxDuplicates int

	// Expiration sweep
	PaidInactivityTimeout time.Duration
	IdleInactivityTimeout time.Duration
	SweepInterval         time.Duration
	SweepBatchSize        int
	SweepLockAttempts     int
	SweepLockBackoff      time.Duration

	// HTTP surface
	UserJWTSecret  string
	RateLimitRPS   float64
	RateLimitBurst int
	OpsToken       string

	// Collaborators
	ProfileServiceURL  string
	WalletServiceURL   string
	ServiceTimeout     time.Duration
	ModerationQueueURL string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Event delivery
	KafkaBrokers       []string
	KafkaTopic         string
	OutboxPollInterval time.Duration
	ArchiveBucket      string

	// Operator alerts
	AlertProvider  string
	AlertEmailTo   string
	AlertFromEmail string
	AlertFromName  string
	SendGridAPIKey string
	AlertCooldown  time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		UseMemoryStore: getEnvAsBool("USE_MEMORY_STORE", false),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisTLS:       getEnvAsBool("REDIS_TLS", false),

		RateTablePath: getEnv("RATE_TABLE_PATH", ""),

		AbuseWindow:        getEnvAsDuration("ABUSE_WINDOW", time.Minute),
		AbuseMaxDuplicates: getEnvAsInt("ABUSE_MAX_DUPLICATES", 2),

		PaidInactivityTimeout: getEnvAsDuration("PAID_INACTIVITY_TIMEOUT", 24*time.Hour),
		IdleInactivityTimeout: getEnvAsDuration("IDLE_INACTIVITY_TIMEOUT", 72*time.Hour),
		SweepInterval:         getEnvAsDuration("SWEEP_INTERVAL", time.Hour),
		SweepBatchSize:        getEnvAsInt("SWEEP_BATCH_SIZE", 200),
		SweepLockAttempts:     getEnvAsInt("SWEEP_LOCK_ATTEMPTS", 3),
		SweepLockBackoff:      getEnvAsDuration("SWEEP_LOCK_BACKOFF", 50*time.Millisecond),

		UserJWTSecret:  getEnv("USER_JWT_SECRET", ""),
		RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 40),
		OpsToken:       getEnv("OPS_TOKEN", ""),

		ProfileServiceURL:  getEnv("PROFILE_SERVICE_URL", ""),
		WalletServiceURL:   getEnv("WALLET_SERVICE_URL", ""),
		ServiceTimeout:     getEnvAsDuration("SERVICE_TIMEOUT", 5*time.Second),
		ModerationQueueURL: getEnv("MODERATION_QUEUE_URL", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		KafkaBrokers:       getEnvAsList("KAFKA_BROKERS"),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "paychat.billing.events"),
		OutboxPollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		ArchiveBucket:      getEnv("ARCHIVE_BUCKET", ""),

		AlertProvider:  strings.ToLower(strings.TrimSpace(getEnv("ALERT_PROVIDER", "stub"))),
		AlertEmailTo:   getEnv("ALERT_EMAIL_TO", ""),
		AlertFromEmail: getEnv("ALERT_FROM_EMAIL", ""),
		AlertFromName:  getEnv("ALERT_FROM_NAME", "PayChat Billing"),
		SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
		AlertCooldown:  getEnvAsDuration("ALERT_COOLDOWN", 15*time.Minute),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
