// Package config holds the typed ciris configuration tree, YAML persistence,
// environment overrides, and the three-scope mutation model
// (runtime/session/persistent) used by the operator control surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all ciris configuration.
type Config struct {
	// Agent identity
	Agent AgentConfig `yaml:"agent"`

	// Processing limits
	Limits LimitsConfig `yaml:"limits"`

	// Conscience thresholds
	Conscience ConscienceConfig `yaml:"conscience"`

	// Circuit breaker parameters
	Breaker BreakerConfig `yaml:"breaker"`

	// Audit chain settings
	Audit AuditConfig `yaml:"audit"`

	// Storage paths
	Storage StorageConfig `yaml:"storage"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// Shutdown behavior
	Shutdown ShutdownConfig `yaml:"shutdown"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AgentConfig identifies the agent.
type AgentConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	// Domain names the DSDMA rule set to evaluate against.
	Domain string `yaml:"domain"`
}

// LimitsConfig caps the reasoning loop.
type LimitsConfig struct {
	MaxActiveThoughts     int     `yaml:"max_active_thoughts"`     // cap on concurrent thoughts
	MaxThoughtDepth       int     `yaml:"max_thought_depth"`       // follow-up depth cap
	RoundDelaySeconds     float64 `yaml:"round_delay_seconds"`     // controller sleep between rounds
	DMATimeoutSeconds     float64 `yaml:"dma_timeout_seconds"`     // per-DMA deadline
	DMARetryLimit         int     `yaml:"dma_retry_limit"`         // retryable DMA failures
	StartupTimeoutSeconds float64 `yaml:"startup_timeout_seconds"` // registry readiness wait
}

// ConscienceConfig holds the faculty thresholds.
type ConscienceConfig struct {
	EntropyThreshold          float64 `yaml:"entropy_threshold"`           // pass when entropy <= this
	CoherenceThreshold        float64 `yaml:"coherence_threshold"`         // pass when coherence >= this
	IdentityVarianceThreshold float64 `yaml:"identity_variance_threshold"` // identity drift cap
}

// BreakerConfig parameterizes per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold    int `yaml:"failure_threshold"`     // consecutive failures to open
	ResetTimeoutSeconds int `yaml:"reset_timeout_seconds"` // open -> half-open delay
}

// AuditConfig configures the audit chain.
type AuditConfig struct {
	// SigningAlgorithm is "ed25519" or "rsa-pss".
	SigningAlgorithm string `yaml:"signing_algorithm"`
	// JournalFile is the JSONL journal path, relative to the data dir when
	// not absolute.
	JournalFile string `yaml:"journal_file"`
}

// StorageConfig locates the persisted stores. Relative paths resolve under
// DataDir.
type StorageConfig struct {
	DataDir   string `yaml:"data_dir"`
	MainDB    string `yaml:"main_db"`
	AuditDB   string `yaml:"audit_db"`
	SecretsDB string `yaml:"secrets_db"`
}

// LLMConfig configures the default LLM provider registration.
type LLMConfig struct {
	Provider string `yaml:"provider"` // mock, openai, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// ShutdownConfig controls graceful and emergency shutdown.
type ShutdownConfig struct {
	GraceSeconds int `yaml:"grace_seconds"`
	// EmergencyKeys is the allow-list of hex-encoded Ed25519 public keys
	// accepted on SHUTDOWN_NOW commands.
	EmergencyKeys []string `yaml:"emergency_keys"`
	// EmergencyWindowSeconds bounds command timestamp skew (±).
	EmergencyWindowSeconds int `yaml:"emergency_window_seconds"`
}

// LoggingConfig configures the categorized debug logger.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// TelemetryConfig configures correlation recording.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// RetentionHours bounds raw correlation rows before solitude compaction.
	RetentionHours int `yaml:"retention_hours"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:        "ciris",
			Version:     "1.0.0",
			Description: "moral-reasoning agent runtime",
			Domain:      "general",
		},
		Limits: LimitsConfig{
			MaxActiveThoughts:     50,
			MaxThoughtDepth:       7,
			RoundDelaySeconds:     5.0,
			DMATimeoutSeconds:     30.0,
			DMARetryLimit:         3,
			StartupTimeoutSeconds: 30.0,
		},
		Conscience: ConscienceConfig{
			EntropyThreshold:          0.40,
			CoherenceThreshold:        0.60,
			IdentityVarianceThreshold: 0.20,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    3,
			ResetTimeoutSeconds: 300,
		},
		Audit: AuditConfig{
			SigningAlgorithm: "ed25519",
			JournalFile:      "audit.jsonl",
		},
		Storage: StorageConfig{
			DataDir:   "data",
			MainDB:    "ciris.db",
			AuditDB:   "audit.db",
			SecretsDB: "secrets.db",
		},
		LLM: LLMConfig{
			Provider: "mock",
			Model:    "",
			Timeout:  "60s",
		},
		Shutdown: ShutdownConfig{
			GraceSeconds:           10,
			EmergencyWindowSeconds: 300,
		},
		Logging: LoggingConfig{
			Debug: false,
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:        true,
			RetentionHours: 72,
		},
	}
}

// Load loads configuration from a YAML file, starting from defaults and
// applying environment overrides last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Clone returns a deep copy safe to mutate independently.
func (c *Config) Clone() *Config {
	out := *c
	if c.Logging.Categories != nil {
		out.Logging.Categories = make(map[string]bool, len(c.Logging.Categories))
		for k, v := range c.Logging.Categories {
			out.Logging.Categories[k] = v
		}
	}
	if c.Shutdown.EmergencyKeys != nil {
		out.Shutdown.EmergencyKeys = append([]string(nil), c.Shutdown.EmergencyKeys...)
	}
	return &out
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Limits.MaxActiveThoughts < 1 {
		return fmt.Errorf("max_active_thoughts must be >= 1")
	}
	if c.Limits.MaxThoughtDepth < 1 {
		return fmt.Errorf("max_thought_depth must be >= 1")
	}
	if c.Limits.RoundDelaySeconds < 0 {
		return fmt.Errorf("round_delay_seconds must be >= 0")
	}
	if c.Limits.DMARetryLimit < 0 {
		return fmt.Errorf("dma_retry_limit must be >= 0")
	}
	if c.Conscience.EntropyThreshold < 0 || c.Conscience.EntropyThreshold > 1 {
		return fmt.Errorf("entropy_threshold must be in [0,1]")
	}
	if c.Conscience.CoherenceThreshold < 0 || c.Conscience.CoherenceThreshold > 1 {
		return fmt.Errorf("coherence_threshold must be in [0,1]")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker_failure_threshold must be >= 1")
	}
	switch c.Audit.SigningAlgorithm {
	case "ed25519", "rsa-pss":
	default:
		return fmt.Errorf("audit_signing_algorithm must be ed25519 or rsa-pss, got %q", c.Audit.SigningAlgorithm)
	}
	return nil
}

// RoundDelay returns the controller sleep as a duration.
func (c *Config) RoundDelay() time.Duration {
	return time.Duration(c.Limits.RoundDelaySeconds * float64(time.Second))
}

// DMATimeout returns the per-DMA deadline as a duration.
func (c *Config) DMATimeout() time.Duration {
	return time.Duration(c.Limits.DMATimeoutSeconds * float64(time.Second))
}

// StartupTimeout returns the registry readiness wait as a duration.
func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.Limits.StartupTimeoutSeconds * float64(time.Second))
}

// ShutdownGrace returns the in-flight work grace window as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Shutdown.GraceSeconds) * time.Second
}

// BreakerResetTimeout returns the open -> half-open delay as a duration.
func (c *Config) BreakerResetTimeout() time.Duration {
	return time.Duration(c.Breaker.ResetTimeoutSeconds) * time.Second
}

// MainDBPath resolves the main database path under the data dir.
func (c *Config) MainDBPath() string { return c.resolve(c.Storage.MainDB) }

// AuditDBPath resolves the audit database path under the data dir.
func (c *Config) AuditDBPath() string { return c.resolve(c.Storage.AuditDB) }

// SecretsDBPath resolves the secrets database path under the data dir.
func (c *Config) SecretsDBPath() string { return c.resolve(c.Storage.SecretsDB) }

// JournalPath resolves the audit journal path under the data dir.
func (c *Config) JournalPath() string { return c.resolve(c.Audit.JournalFile) }

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Storage.DataDir, p)
}

// applyEnvOverrides applies CIRIS_-prefixed environment variables on top of
// the loaded file. Provider API keys also fall back to their conventional
// variable names.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CIRIS_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("CIRIS_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("CIRIS_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("CIRIS_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("CIRIS_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("CIRIS_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Debug = b
		}
	}
	if v := os.Getenv("CIRIS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	// Conventional provider keys, lowest priority first
	if c.LLM.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.Provider == "openai" {
			c.LLM.APIKey = key
		}
		if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.Provider == "gemini" {
			c.LLM.APIKey = key
		}
	}
}
