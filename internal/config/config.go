package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // distrolessイメージでもQUOTA_TIMEZONEを解決できるようにする
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Quota
	QuotaTimezone      *time.Location
	PackageCacheTTL    time.Duration
	QuotaResetInterval time.Duration

	// Sweep
	SweepInterval      time.Duration
	SweepStartTime     string
	SweepRunOnStart    bool
	SweepMaxConcurrent int
	CheckInterval      time.Duration

	// Provider
	ProviderTimeout         time.Duration
	ProviderMaxRetries      int
	ProviderRetryDelay      time.Duration
	ProviderMaxResponseSize int64

	// Retention
	HistoryRetentionDays int
	CleanupInterval      time.Duration

	// Lease
	RedisURL      string
	SweepLeaseTTL time.Duration

	// Rate Limit
	RateLimitGeneral     int
	RateLimitManualCheck int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Cookie
	CookieSecure bool
	CookieDomain string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値の形式が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Timezone
	tzName := getEnvString("QUOTA_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTA_TIMEZONE %q: %w", tzName, err)
	}
	cfg.QuotaTimezone = loc

	// Sweep start time (HH:MM, empty = relative to boot)
	cfg.SweepStartTime = "03:00"
	if v, ok := os.LookupEnv("SWEEP_START_TIME"); ok {
		cfg.SweepStartTime = v
	}
	if cfg.SweepStartTime != "" {
		if _, err := time.Parse("15:04", cfg.SweepStartTime); err != nil {
			return nil, fmt.Errorf("invalid SWEEP_START_TIME %q: expected HH:MM", cfg.SweepStartTime)
		}
	}

	// Optional fields with defaults
	cfg.PackageCacheTTL = getEnvDuration("PACKAGE_CACHE_TTL", 5*time.Minute)
	cfg.QuotaResetInterval = getEnvDuration("QUOTA_RESET_INTERVAL", time.Hour)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 24*time.Hour)
	cfg.SweepRunOnStart = getEnvBool("SWEEP_RUN_ON_START", false)
	cfg.SweepMaxConcurrent = getEnvInt("SWEEP_MAX_CONCURRENT", 8)
	cfg.CheckInterval = getEnvDuration("CHECK_INTERVAL", 24*time.Hour)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 5*time.Second)
	cfg.ProviderMaxRetries = getEnvInt("PROVIDER_MAX_RETRIES", 2)
	cfg.ProviderRetryDelay = getEnvDuration("PROVIDER_RETRY_DELAY", 500*time.Millisecond)
	cfg.ProviderMaxResponseSize = getEnvInt64("PROVIDER_MAX_RESPONSE_SIZE", 1048576)
	cfg.HistoryRetentionDays = getEnvInt("HISTORY_RETENTION_DAYS", 365)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.SweepLeaseTTL = getEnvDuration("SWEEP_LEASE_TTL", 6*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitManualCheck = getEnvInt("RATE_LIMIT_MANUAL_CHECK", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", strings.HasPrefix(cfg.CORSAllowedOrigin, "https://"))
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
