package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ExportsPath   string
	LedgerPath    string
	LedgerBackend string // file | postgres
	DatabaseURL   string

	GitHubToken  string
	GitHubOwner  string
	GitHubAPIURL string
	TrackerRPS   float64

	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Workers       int
	ActionWorkers int
	BatchSize     int
	Interval      time.Duration

	NatsURL       string
	NatsToken     string
	SlackBotToken string
	SlackChannel  string

	Port     int
	APIToken string
	LogLevel string
	DryRun   bool
}

func Load() Config {
	return Config{
		ExportsPath:   envStr("CODESSA_EXPORTS_PATH", "./exports"),
		LedgerPath:    envStr("CODESSA_LEDGER_PATH", "~/.codessa/ledger.json"),
		LedgerBackend: envStr("CODESSA_LEDGER_BACKEND", "file"),
		DatabaseURL:   envStr("DATABASE_URL", ""),

		GitHubToken:  envStr("GITHUB_TOKEN", ""),
		GitHubOwner:  envStr("GITHUB_OWNER", ""),
		GitHubAPIURL: envStr("GITHUB_API_URL", ""),
		TrackerRPS:   envFloat("CODESSA_TRACKER_RPS", 1),

		MaxRetries:    envInt("CODESSA_MAX_RETRIES", 3),
		BaseDelay:     envDuration("CODESSA_BASE_DELAY", time.Second),
		MaxDelay:      envDuration("CODESSA_MAX_DELAY", 30*time.Second),
		Workers:       envInt("CODESSA_WORKERS", 4),
		ActionWorkers: envInt("CODESSA_ACTION_WORKERS", 2),
		BatchSize:     envInt("CODESSA_BATCH_SIZE", 50),
		Interval:      envDuration("CODESSA_INTERVAL", time.Hour),

		NatsURL:       envStr("NATS_URL", ""),
		NatsToken:     envStr("NATS_TOKEN", ""),
		SlackBotToken: envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:  envStr("SLACK_SUMMARY_CHANNEL", ""),

		Port:     envInt("CODESSA_PORT", 8760),
		APIToken: envStr("CODESSA_API_TOKEN", ""),
		LogLevel: envStr("LOG_LEVEL", "info"),
		DryRun:   envBool("CODESSA_DRY_RUN", false),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration accepts Go durations ("90s") or plain seconds ("90").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
