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
	Port        string
	FrontendURL string
	DBPath      string

	Proposer  ProposerConfig
	Retrieval RetrievalConfig
	Sandbox   SandboxConfig
	Session   SessionConfig
	Stream    StreamConfig
}

// ProposerConfig points at the fix-proposal service.
type ProposerConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	MaxRetries     int
}

// RetrievalConfig points at the optional context-retrieval service. An empty
// BaseURL disables retrieval.
type RetrievalConfig struct {
	BaseURL  string
	RepoRoot string
}

// SandboxConfig bounds sandbox execution.
type SandboxConfig struct {
	MemoryBytes    int64
	PidsLimit      int64
	Timeout        time.Duration
	NetworkEnabled bool
	PythonImage    string // override, "" = default
	NodeImage      string
	GoImage        string
	BashImage      string
}

// SessionConfig bounds session orchestration and retention.
type SessionConfig struct {
	DefaultMaxAttempts int
	MaxAttemptsCap     int
	RetryDelay         time.Duration
	ApprovalTimeout    time.Duration // 0 waits indefinitely
	Retention          time.Duration
}

// StreamConfig sizes event delivery to subscribers.
type StreamConfig struct {
	SubscriberBuffer int
	ReplaySize       int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/remedy.db"),
		Proposer: ProposerConfig{
			BaseURL:        getEnv("PROPOSER_URL", ""),
			APIKey:         getEnv("PROPOSER_API_KEY", ""),
			RequestTimeout: getEnvDuration("PROPOSER_TIMEOUT", 60*time.Second),
			MaxRetries:     getEnvInt("PROPOSER_MAX_RETRIES", 2),
		},
		Retrieval: RetrievalConfig{
			BaseURL:  getEnv("RETRIEVAL_URL", ""),
			RepoRoot: getEnv("RETRIEVAL_REPO_ROOT", ""),
		},
		Sandbox: SandboxConfig{
			MemoryBytes:    int64(getEnvInt("SANDBOX_MEMORY_MB", 512)) * 1024 * 1024,
			PidsLimit:      int64(getEnvInt("SANDBOX_PIDS_LIMIT", 128)),
			Timeout:        getEnvDuration("SANDBOX_TIMEOUT", 30*time.Second),
			NetworkEnabled: getEnvBool("SANDBOX_NETWORK_ENABLED", false),
			PythonImage:    getEnv("SANDBOX_PYTHON_IMAGE", ""),
			NodeImage:      getEnv("SANDBOX_NODE_IMAGE", ""),
			GoImage:        getEnv("SANDBOX_GO_IMAGE", ""),
			BashImage:      getEnv("SANDBOX_BASH_IMAGE", ""),
		},
		Session: SessionConfig{
			DefaultMaxAttempts: getEnvInt("SESSION_DEFAULT_MAX_ATTEMPTS", 3),
			MaxAttemptsCap:     getEnvInt("SESSION_MAX_ATTEMPTS_CAP", 10),
			RetryDelay:         getEnvDuration("SESSION_RETRY_DELAY", 0),
			ApprovalTimeout:    getEnvDuration("SESSION_APPROVAL_TIMEOUT", 0),
			Retention:          getEnvDuration("SESSION_RETENTION", 24*time.Hour),
		},
		Stream: StreamConfig{
			SubscriberBuffer: getEnvInt("STREAM_SUBSCRIBER_BUFFER", 256),
			ReplaySize:       getEnvInt("STREAM_REPLAY_SIZE", 64),
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
	if c.Proposer.BaseURL == "" {
		return fmt.Errorf("PROPOSER_URL cannot be empty")
	}
	if c.Proposer.RequestTimeout <= 0 {
		return fmt.Errorf("PROPOSER_TIMEOUT must be positive")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("SANDBOX_TIMEOUT must be positive")
	}
	if c.Session.DefaultMaxAttempts < 1 {
		return fmt.Errorf("SESSION_DEFAULT_MAX_ATTEMPTS must be at least 1")
	}
	if c.Session.MaxAttemptsCap < c.Session.DefaultMaxAttempts {
		return fmt.Errorf("SESSION_MAX_ATTEMPTS_CAP must be >= SESSION_DEFAULT_MAX_ATTEMPTS")
	}
	if c.Stream.SubscriberBuffer <= 0 {
		return fmt.Errorf("STREAM_SUBSCRIBER_BUFFER must be > 0")
	}
	if c.Stream.ReplaySize < 0 {
		return fmt.Errorf("STREAM_REPLAY_SIZE must be >= 0")
	}
	return nil
}

// SandboxImageOverrides maps language names to configured image overrides,
// skipping empty entries.
func (c *Config) SandboxImageOverrides() map[string]string {
	overrides := make(map[string]string)
	for lang, image := range map[string]string{
		"python":     c.Sandbox.PythonImage,
		"javascript": c.Sandbox.NodeImage,
		"go":         c.Sandbox.GoImage,
		"bash":       c.Sandbox.BashImage,
	} {
		if image != "" {
			overrides[lang] = image
		}
	}
	return overrides
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
