package config

import (
	"time"
)

// Config represents the main Daksha configuration
type Config struct {
	// DataDir is the root directory for databases, logs and workspaces
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// WorkspaceDir is where session artifacts are materialized for
	// execution; derived from DataDir when empty
	WorkspaceDir string `json:"workspace_dir" mapstructure:"workspace_dir"`

	// Providers holds model provider configuration
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Executor holds step execution configuration
	Executor ExecutorConfig `json:"executor" mapstructure:"executor"`

	// Memory holds memory manager configuration
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Search holds web search configuration
	Search SearchConfig `json:"search" mapstructure:"search"`

	// Browser holds headless browser configuration
	Browser BrowserConfig `json:"browser" mapstructure:"browser"`

	// Sandbox holds code execution sandbox configuration
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`

	// Sessions holds session store configuration
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Logging holds logging configuration
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics holds the Prometheus endpoint configuration
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// ProvidersConfig holds model provider configuration
type ProvidersConfig struct {
	Default      string            `json:"default" mapstructure:"default"`             // provider name: anthropic, openai, groq, local
	DefaultModel string            `json:"default_model" mapstructure:"default_model"` // model id passed to the provider
	Fallback     []string          `json:"fallback" mapstructure:"fallback"`           // provider names tried in order
	APIKeys      map[string]string `json:"api_keys" mapstructure:"api_keys"`           // keyed by provider name
	BaseURLs     map[string]string `json:"base_urls" mapstructure:"base_urls"`         // overrides for OpenAI-compatible backends
	Temperature  float64           `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int               `json:"max_tokens" mapstructure:"max_tokens"`
}

// ExecutorConfig holds step execution configuration
type ExecutorConfig struct {
	MaxStepRetries  int           `json:"max_step_retries" mapstructure:"max_step_retries"`
	StepTimeout     time.Duration `json:"step_timeout" mapstructure:"step_timeout"`
	BackoffBase     time.Duration `json:"backoff_base" mapstructure:"backoff_base"`
	BackoffCap      time.Duration `json:"backoff_cap" mapstructure:"backoff_cap"`
	MaxPlanAttempts int           `json:"max_plan_attempts" mapstructure:"max_plan_attempts"`
}

// MemoryConfig holds memory manager configuration
type MemoryConfig struct {
	DBPath         string  `json:"db_path" mapstructure:"db_path"`
	TokenBudget    int     `json:"token_budget" mapstructure:"token_budget"`
	LexicalWeight  float64 `json:"lexical_weight" mapstructure:"lexical_weight"`
	KeywordWeight  float64 `json:"keyword_weight" mapstructure:"keyword_weight"`
	EmbeddingModel string  `json:"embedding_model" mapstructure:"embedding_model"` // empty disables vector scoring
}

// SearchConfig holds web search configuration
type SearchConfig struct {
	MaxResults int           `json:"max_results" mapstructure:"max_results"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
}

// BrowserConfig holds headless browser configuration
type BrowserConfig struct {
	Headless       bool          `json:"headless" mapstructure:"headless"`
	MaxPages       int           `json:"max_pages" mapstructure:"max_pages"`
	NavTimeout     time.Duration `json:"nav_timeout" mapstructure:"nav_timeout"`
	AllowedSchemes []string      `json:"allowed_schemes" mapstructure:"allowed_schemes"`
	BlockedDomains []string      `json:"blocked_domains" mapstructure:"blocked_domains"`
}

// SandboxConfig holds code execution sandbox configuration
type SandboxConfig struct {
	Runtime     string        `json:"runtime" mapstructure:"runtime"` // host, docker
	Image       string        `json:"image" mapstructure:"image"`     // docker image when runtime=docker
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxMemoryMB int           `json:"max_memory_mb" mapstructure:"max_memory_mb"`
	MaxOutputKB int           `json:"max_output_kb" mapstructure:"max_output_kb"`
	Network     bool          `json:"network" mapstructure:"network"`
}

// SessionsConfig holds session store configuration
type SessionsConfig struct {
	DBPath       string        `json:"db_path" mapstructure:"db_path"`
	RetentionAge time.Duration `json:"retention_age" mapstructure:"retention_age"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: "",
		Providers: ProvidersConfig{
			Default:      "anthropic",
			DefaultModel: "claude-3-5-sonnet-20241022",
			Fallback:     []string{},
			APIKeys:      map[string]string{},
			BaseURLs:     map[string]string{},
			Temperature:  0.7,
			MaxTokens:    4096,
		},
		Executor: ExecutorConfig{
			MaxStepRetries:  2,
			StepTimeout:     120 * time.Second,
			BackoffBase:     time.Second,
			BackoffCap:      30 * time.Second,
			MaxPlanAttempts: 3,
		},
		Memory: MemoryConfig{
			TokenBudget:   6000,
			LexicalWeight: 0.7,
			KeywordWeight: 0.3,
		},
		Search: SearchConfig{
			MaxResults: 5,
			Timeout:    20 * time.Second,
		},
		Browser: BrowserConfig{
			Headless:       true,
			MaxPages:       4,
			NavTimeout:     30 * time.Second,
			AllowedSchemes: []string{"http", "https"},
		},
		Sandbox: SandboxConfig{
			Runtime:     "host",
			Timeout:     30 * time.Second,
			MaxMemoryMB: 512,
			MaxOutputKB: 256,
			Network:     false,
		},
		Sessions: SessionsConfig{
			RetentionAge: 7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9234",
		},
	}
}
