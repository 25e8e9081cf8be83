package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds process settings for the key lifecycle engine. Settings that
// operators change at runtime live in the bot_settings table, see Runtime.
type Config struct {
	HTTPAddr           string
	DataDir            string
	DatabasePath       string
	BackupDir          string
	CatalogPath        string
	LogLevel           string
	DBRecoverOnCorrupt bool

	TickInterval      time.Duration
	PanelSyncInterval time.Duration
	KeyDeadline       time.Duration
	TickConcurrency   int
	NoticeLead        time.Duration
	ChargeLead        time.Duration
	RevocationGrace   time.Duration

	PanelTimeout          time.Duration
	QuarantineWindow      time.Duration
	PanelRequestsPerSec   float64
	AllowUnsafeDisableTLS bool

	MetricsCapacity      int
	MetricsSlowThreshold time.Duration

	TelegramBotToken string
	AdminChatIDs     []int64
	AdminHTTPToken   string
	DefaultDomain    string
}

func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:           envOrDefault("KEYENGINE_HTTP_ADDR", "127.0.0.1:8390"),
		DataDir:            envOrDefault("KEYENGINE_DATA_DIR", "./data"),
		CatalogPath:        strings.TrimSpace(os.Getenv("KEYENGINE_CATALOG")),
		LogLevel:           strings.ToLower(envOrDefault("KEYENGINE_LOG_LEVEL", "info")),
		DBRecoverOnCorrupt: envBoolOrDefault("KEYENGINE_DB_RECOVER_ON_CORRUPT", false),

		TickInterval:      envDurationOrDefault("KEYENGINE_TICK_INTERVAL", 60*time.Second),
		PanelSyncInterval: envDurationOrDefault("KEYENGINE_PANEL_SYNC_INTERVAL", 10*time.Minute),
		KeyDeadline:       envDurationOrDefault("KEYENGINE_KEY_DEADLINE", 15*time.Second),
		TickConcurrency:   envIntOrDefault("KEYENGINE_TICK_CONCURRENCY", 4),
		NoticeLead:        envDurationOrDefault("KEYENGINE_AUTORENEW_NOTICE_LEAD", 24*time.Hour),
		ChargeLead:        envDurationOrDefault("KEYENGINE_AUTORENEW_LEAD", time.Hour),
		RevocationGrace:   envDurationOrDefault("KEYENGINE_REVOCATION_GRACE", 5*24*time.Hour),

		PanelTimeout:          envDurationOrDefault("KEYENGINE_PANEL_TIMEOUT", 10*time.Second),
		QuarantineWindow:      envDurationOrDefault("KEYENGINE_QUARANTINE_WINDOW", 60*time.Second),
		PanelRequestsPerSec:   envFloatOrDefault("KEYENGINE_PANEL_RPS", 5),
		AllowUnsafeDisableTLS: envBoolOrDefault("KEYENGINE_PANEL_INSECURE_SKIP_TLS_VERIFY", false),

		MetricsCapacity:      envIntOrDefault("KEYENGINE_METRICS_CAPACITY", 1000),
		MetricsSlowThreshold: envDurationOrDefault("KEYENGINE_METRICS_SLOW_THRESHOLD", time.Second),

		TelegramBotToken: strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		AdminHTTPToken:   strings.TrimSpace(os.Getenv("KEYENGINE_ADMIN_TOKEN")),
		DefaultDomain:    envOrDefault("KEYENGINE_DEFAULT_DOMAIN", "localhost"),
	}

	if cfg.ChargeLead > cfg.NoticeLead {
		return Config{}, fmt.Errorf("KEYENGINE_AUTORENEW_LEAD must not exceed KEYENGINE_AUTORENEW_NOTICE_LEAD")
	}
	if cfg.TickConcurrency <= 0 {
		cfg.TickConcurrency = 1
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return Config{}, fmt.Errorf("create data dir: %w", err)
	}
	cfg.DatabasePath = envOrDefault("KEYENGINE_DB_PATH", filepath.Join(cfg.DataDir, "keyengine.db"))
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("create db dir: %w", err)
	}
	cfg.BackupDir = envOrDefault("KEYENGINE_BACKUP_DIR", filepath.Join(cfg.DataDir, "backups"))

	adminChats, err := parseInt64CSV(os.Getenv("KEYENGINE_ADMIN_CHAT_IDS"))
	if err != nil {
		return Config{}, fmt.Errorf("parse KEYENGINE_ADMIN_CHAT_IDS: %w", err)
	}
	cfg.AdminChatIDs = adminChats

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	dur, err := time.ParseDuration(value)
	if err != nil || dur <= 0 {
		return fallback
	}
	return dur
}

func envIntOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloatOrDefault(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func envBoolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" {
		return true
	}
	if value == "0" || value == "false" || value == "no" {
		return false
	}
	return fallback
}

func parseInt64CSV(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	seen := make(map[int64]struct{}, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid int64 %q", part)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
