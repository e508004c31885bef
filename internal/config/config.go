// Package config reads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendLyzr   = "lyzr"
	BackendStatic = "static"

	defaultAgentURL = "https://agent-prod.studio.lyzr.ai/v3/inference/chat/"
)

// Config holds all service configuration.
type Config struct {
	AgentBackend     string
	AgentURL         string
	Lyzr             LyzrConfig
	ParamPrefix      string // when set, Lyzr settings come from SSM instead of Lyzr
	StateTable       string
	MaxMessageLength int
	SessionTTL       time.Duration
	BusyLease        time.Duration
	Port             string
}

// LyzrConfig is the agent configuration taken directly from the environment.
type LyzrConfig struct {
	APIKey    string
	AgentID   string
	SessionID string
	UserID    string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		AgentBackend: strings.ToLower(strings.TrimSpace(getEnv("AGENT_BACKEND", BackendLyzr))),
		AgentURL:     getEnv("AGENT_URL", defaultAgentURL),
		Lyzr: LyzrConfig{
			APIKey:    getEnv("LYZR_API_KEY", ""),
			AgentID:   getEnv("LYZR_AGENT_ID", ""),
			SessionID: getEnv("LYZR_SESSION_ID", ""),
			UserID:    getEnv("LYZR_USER_ID", ""),
		},
		ParamPrefix:      strings.TrimRight(getEnv("PARAM_PREFIX", ""), "/"),
		StateTable:       getEnv("STATE_TABLE", ""),
		MaxMessageLength: getEnvInt("MAX_MESSAGE_LENGTH", 2000),
		SessionTTL:       getEnvDuration("SESSION_TTL", 24*time.Hour),
		BusyLease:        getEnvDuration("BUSY_LEASE", 5*time.Minute),
		Port:             getEnv("PORT", "8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all configuration fields hold usable values.
func (c *Config) Validate() error {
	switch c.AgentBackend {
	case BackendLyzr, BackendStatic:
	default:
		return fmt.Errorf("AGENT_BACKEND must be %q or %q, got %q", BackendLyzr, BackendStatic, c.AgentBackend)
	}
	if c.AgentBackend == BackendLyzr && strings.TrimSpace(c.AgentURL) == "" {
		return fmt.Errorf("AGENT_URL cannot be empty")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be > 0")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.BusyLease <= 0 {
		return fmt.Errorf("BUSY_LEASE must be > 0")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	return nil
}

// RequireStateTable reports an error when no DynamoDB table is configured.
// Only the Lambda binary needs one.
func (c *Config) RequireStateTable() error {
	if strings.TrimSpace(c.StateTable) == "" {
		return fmt.Errorf("STATE_TABLE cannot be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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
