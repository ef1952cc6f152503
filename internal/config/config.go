// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the runtime configuration.
type Config struct {
	LLM       LLMConfig               `toml:"llm"`
	Runtime   RuntimeConfig           `toml:"runtime"`
	Storage   StorageConfig           `toml:"storage"`
	Events    EventsConfig            `toml:"events"`
	Telemetry TelemetryConfig         `toml:"telemetry"`
	Timeouts  TimeoutsConfig          `toml:"timeouts"`
	Env       EnvConfig               `toml:"env"`
	Experts   map[string]ExpertConfig `toml:"experts"`
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens"`
	BaseURL   string `toml:"base_url"` // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	Thinking  string `toml:"thinking"` // Thinking level: auto|off|low|medium|high
}

// RuntimeConfig bounds a job.
type RuntimeConfig struct {
	Workspace          string   `toml:"workspace"`            // Root for base file tools
	MaxSteps           int      `toml:"max_steps"`            // 0 = unlimited
	MaxRetries         int      `toml:"max_retries"`          // Retryable generation failures per step
	GenerationTimeout  int      `toml:"generation_timeout"`   // Seconds per generation call
	ContextWindow      int      `toml:"context_window"`       // Advisory, tokens
	MaxDelegationDepth int      `toml:"max_delegation_depth"` // Nested delegation ceiling
	BaseSkillCommand   string   `toml:"base_skill_command"`   // Replace the built-in base skill with a subprocess
	BaseSkillArgs      []string `toml:"base_skill_args"`
}

// StorageConfig selects the checkpoint/job/event backend.
type StorageConfig struct {
	Backend       string `toml:"backend"` // file | sqlite | mysql | redis
	Path          string `toml:"path"`    // Directory for file, database file for sqlite
	DSN           string `toml:"dsn"`     // MySQL DSN
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
}

// EventsConfig enables external event fan-out.
type EventsConfig struct {
	NATSURL     string `toml:"nats_url"`
	NATSSubject string `toml:"nats_subject"`
	AMQPURL     string `toml:"amqp_url"`
	AMQPQueue   string `toml:"amqp_queue"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc, http or noop
}

// TimeoutsConfig contains skill timeouts in seconds.
type TimeoutsConfig struct {
	SkillInit int `toml:"skill_init"`
	SkillCall int `toml:"skill_call"`
}

// EnvConfig extends the environment allowlist for subprocess skills.
type EnvConfig struct {
	Allow []string `toml:"allow"`
}

// ExpertConfig declares one expert.
type ExpertConfig struct {
	Name            string                 `toml:"name"`
	Version         string                 `toml:"version"`
	Description     string                 `toml:"description"`
	Instruction     string                 `toml:"instruction"`
	InstructionFile string                 `toml:"instruction_file"` // Markdown with YAML frontmatter
	Delegates       []string               `toml:"delegates"`
	Tags            []string               `toml:"tags"`
	Skills          map[string]SkillConfig `toml:"skills"`
}

// Skill types.
const (
	SkillStdio       = "mcpStdio"
	SkillSSE         = "mcpSse"
	SkillInteractive = "interactive"
)

// SkillConfig declares one tool provider of an expert.
type SkillConfig struct {
	Type        string                     `toml:"type"`
	Description string                     `toml:"description"`
	Command     string                     `toml:"command"`
	Args        []string                   `toml:"args"`
	URL         string                     `toml:"url"`
	Headers     map[string]string          `toml:"headers"`
	RequiredEnv []string                   `toml:"required_env"`
	Pick        []string                   `toml:"pick"`
	Omit        []string                   `toml:"omit"`
	LazyInit    bool                       `toml:"lazy_init"`
	Tools       map[string]InteractiveTool `toml:"tools"` // interactive only
}

// InteractiveTool declares a tool answered from outside the run.
type InteractiveTool struct {
	Description string `toml:"description"`
	InputSchema string `toml:"input_schema"` // JSON Schema, object
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Runtime: RuntimeConfig{
			Workspace:          ".",
			MaxSteps:           100,
			MaxRetries:         5,
			GenerationTimeout:  300,
			ContextWindow:      200000,
			MaxDelegationDepth: 8,
		},
		Storage: StorageConfig{
			Backend:     "file",
			Path:        "~/.local/agentrun",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "agentrun",
		},
		Events: EventsConfig{
			NATSSubject: "agentrun.events",
			AMQPQueue:   "agentrun.events",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Timeouts: TimeoutsConfig{
			SkillInit: 30,
			SkillCall: 60,
		},
		Experts: map[string]ExpertConfig{},
	}
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from agentrun.toml in the current directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	return LoadFile(filepath.Join(cwd, "agentrun.toml"))
}

// Validate checks values a run cannot recover from.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "sqlite", "mysql", "redis":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "mysql" && c.Storage.DSN == "" {
		return fmt.Errorf("storage backend mysql requires dsn")
	}
	if c.Runtime.MaxRetries < 0 || c.Runtime.MaxSteps < 0 {
		return fmt.Errorf("max_steps and max_retries must not be negative")
	}
	for key, e := range c.Experts {
		for name, s := range e.Skills {
			switch s.Type {
			case SkillStdio:
				if s.Command == "" {
					return fmt.Errorf("expert %s: skill %s: command is required", key, name)
				}
			case SkillSSE:
				if s.URL == "" {
					return fmt.Errorf("expert %s: skill %s: url is required", key, name)
				}
			case SkillInteractive:
			default:
				return fmt.Errorf("expert %s: skill %s: unknown type %q", key, name, s.Type)
			}
		}
	}
	return nil
}

// StoragePath expands a leading ~ in the storage path.
func (c *Config) StoragePath() string {
	return ExpandHome(c.Storage.Path)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// GenerationTimeout returns the per-call generation timeout.
func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.Runtime.GenerationTimeout) * time.Second
}

// SkillInitTimeout returns the skill initialization timeout.
func (c *Config) SkillInitTimeout() time.Duration {
	return time.Duration(c.Timeouts.SkillInit) * time.Second
}

// SkillCallTimeout returns the per-call skill timeout.
func (c *Config) SkillCallTimeout() time.Duration {
	return time.Duration(c.Timeouts.SkillCall) * time.Second
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}
