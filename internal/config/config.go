// Package config はアプリケーション全体の設定を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Telegram
	BotToken          string
	WebhookSecretPath string
	BaseURL           string
	APITimeout        time.Duration

	// Invite
	InviteTTL time.Duration

	// Sweep
	SweepInterval         time.Duration
	SweepMaxConcurrent    int
	StuckExpiredThreshold time.Duration

	// Reconcile
	ReconcileInterval   time.Duration
	UpdateRetentionDays int

	// Auth
	JWTSecret string

	// Rate Limit（req/min単位）
	RateLimitGeneral int
	RateLimitGrant   int

	// Server
	ServerPort  string
	MetricsPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if cfg.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}

	cfg.WebhookSecretPath = os.Getenv("TELEGRAM_WEBHOOK_SECRET_PATH")
	if cfg.WebhookSecretPath == "" {
		missing = append(missing, "TELEGRAM_WEBHOOK_SECRET_PATH")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.APITimeout = getEnvDuration("TELEGRAM_API_TIMEOUT", 30*time.Second)
	cfg.InviteTTL = getEnvDuration("INVITE_TTL", 15*time.Minute)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Minute)
	cfg.SweepMaxConcurrent = getEnvInt("SWEEP_MAX_CONCURRENT", 10)
	cfg.StuckExpiredThreshold = getEnvDuration("STUCK_EXPIRED_THRESHOLD", time.Hour)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", 10*time.Minute)
	cfg.UpdateRetentionDays = getEnvInt("UPDATE_RETENTION_DAYS", 14)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitGrant = getEnvInt("RATE_LIMIT_GRANT", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")

	return cfg, nil
}

// WebhookHTTPS はBASE_URLがHTTPSかどうかを返す。
// TelegramはwebhookにHTTPSを要求するため、ローカル環境では登録をスキップする。
func (c *Config) WebhookHTTPS() bool {
	return strings.HasPrefix(strings.ToLower(c.BaseURL), "https://")
}

// WebhookURL はTelegramに登録するwebhook URLを返す。
func (c *Config) WebhookURL() string {
	return fmt.Sprintf("%s/webhooks/telegram/%s", strings.TrimRight(c.BaseURL, "/"), c.WebhookSecretPath)
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
