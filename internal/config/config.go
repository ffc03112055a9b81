// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	FrontendURL        string
	DBPath             string
	BackendURL         string
	MetricsEnabled     bool
	GRPCHealthPort     string // empty disables the gRPC health service
	WorkspaceCacheSize int
	PlanHistoryLimit   int
	ChatHistoryWindow  int
	Timeout            TimeoutConfig
	RateLimit          RateLimitConfig
	ConversationLog    ConversationLogConfig
}

// TimeoutConfig bounds every outstanding external call.
type TimeoutConfig struct {
	Plan        time.Duration
	Chat        time.Duration
	AutoFill    time.Duration
	HealthCheck time.Duration
}

// RateLimitConfig throttles send/confirm per identity.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/dayboard.db"),
		BackendURL:         strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8000"), "/"),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		GRPCHealthPort:     getEnv("GRPC_HEALTH_PORT", ""),
		WorkspaceCacheSize: getEnvInt("WORKSPACE_CACHE_SIZE", 512),
		PlanHistoryLimit:   getEnvInt("PLAN_HISTORY_LIMIT", 20),
		ChatHistoryWindow:  getEnvInt("CHAT_HISTORY_WINDOW", 10),
		Timeout: TimeoutConfig{
			Plan:        getEnvDuration("PLAN_TIMEOUT", 2*time.Minute),
			Chat:        getEnvDuration("CHAT_TIMEOUT", 60*time.Second),
			AutoFill:    getEnvDuration("AUTOFILL_TIMEOUT", 15*time.Second),
			HealthCheck: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}
	if c.WorkspaceCacheSize <= 0 {
		return fmt.Errorf("WORKSPACE_CACHE_SIZE must be > 0")
	}
	if c.ChatHistoryWindow <= 0 {
		return fmt.Errorf("CHAT_HISTORY_WINDOW must be > 0")
	}
	if c.PlanHistoryLimit <= 0 {
		return fmt.Errorf("PLAN_HISTORY_LIMIT must be > 0")
	}
	if c.Timeout.Plan <= 0 || c.Timeout.Chat <= 0 || c.Timeout.AutoFill <= 0 {
		return fmt.Errorf("PLAN_TIMEOUT, CHAT_TIMEOUT and AUTOFILL_TIMEOUT must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
