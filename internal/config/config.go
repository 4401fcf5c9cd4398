// Package config loads and validates construct configuration from YAML,
// with environment variable overrides for provider credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all construct configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Named provider accounts, keyed by the name sessions refer to
	// (e.g. "anthropic", "my-claude", "prod-gemini").
	Providers map[string]ProviderConfig `yaml:"providers"`

	// DefaultProvider is used for new sessions until switched.
	DefaultProvider string `yaml:"default_provider"`

	// Command execution policy
	Commands CommandsConfig `yaml:"commands"`

	// System-level settings
	System SystemConfig `yaml:"system"`

	// Feed rendering
	Feed FeedConfig `yaml:"feed"`
}

// ProviderConfig configures one named provider account.
type ProviderConfig struct {
	// Backend protocol: anthropic, openai, gemini, groq, xai, zai.
	Protocol string `yaml:"protocol"`

	// Default model when a request carries none.
	Model string `yaml:"model"`

	// Preferred models tried in order before Model.
	ModelOrder []string `yaml:"model_order"`

	// Fallbacks tried when a preferred model is unavailable.
	ModelFallbacks []string `yaml:"model_fallbacks"`

	// Credential, either inline or via named environment variable.
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`

	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`

	// Requests per minute. 0 disables rate limiting.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// Callers allowed to queue for a rate-limit slot. 0 means fail fast.
	MaxWaiters int `yaml:"max_waiters"`

	// Native prompt caching (anthropic only honors this).
	EnableCache bool `yaml:"enable_cache"`
}

// CommandsConfig configures command classification and timeouts.
type CommandsConfig struct {
	// Policy for executables in none of the lists: "allowed", "ask" or "blocked".
	Default string `yaml:"default"`

	Allowed []string `yaml:"allowed"`
	Ask     []string `yaml:"ask"`
	Blocked []string `yaml:"blocked"`

	// Executables given the long timeout tier.
	LongRunning []string `yaml:"long_running"`

	// Timeout tiers
	ShortTimeout  string `yaml:"short_timeout"`
	MediumTimeout string `yaml:"medium_timeout"`
	LongTimeout   string `yaml:"long_timeout"`
}

// SystemConfig configures system-level behavior.
type SystemConfig struct {
	// Directory containing project working trees.
	ProjectsDir string `yaml:"projects_dir"`

	// Principals allowed to use raw execution.
	Admins []string `yaml:"admins"`

	// Optional pause before each provider call.
	ActionDelay string `yaml:"action_delay"`

	// Grace period between cancel and forced process-group kill.
	StopGrace string `yaml:"stop_grace"`

	// Per-session inbound queue depth.
	QueueDepth int `yaml:"queue_depth"`
}

// FeedConfig configures the progressive feed renderer.
type FeedConfig struct {
	// Entries rendered while a task is active.
	MaxEntries int `yaml:"max_entries"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "construct",
		Version: "0.3.0",

		Providers: map[string]ProviderConfig{
			"anthropic": {
				Protocol:          "anthropic",
				Model:             "claude-sonnet-4-20250514",
				APIKeyEnv:         "ANTHROPIC_API_KEY",
				Timeout:           "120s",
				RequestsPerMinute: 50,
				MaxWaiters:        8,
				EnableCache:       true,
			},
			"openai": {
				Protocol:          "openai",
				Model:             "gpt-4o",
				APIKeyEnv:         "OPENAI_API_KEY",
				Timeout:           "120s",
				RequestsPerMinute: 60,
				MaxWaiters:        8,
			},
			"gemini": {
				Protocol:          "gemini",
				Model:             "gemini-2.5-flash",
				APIKeyEnv:         "GEMINI_API_KEY",
				Timeout:           "120s",
				RequestsPerMinute: 60,
				MaxWaiters:        8,
			},
		},
		DefaultProvider: "anthropic",

		Commands: CommandsConfig{
			Default: "ask",
			Allowed: []string{
				"ls", "cat", "grep", "find", "head", "tail", "wc",
				"git", "go", "npm", "cargo", "make", "python3",
			},
			Ask:     []string{"rm", "mv", "cp", "chmod", "curl", "wget"},
			Blocked: []string{"shutdown", "reboot", "mkfs", "dd"},
			LongRunning: []string{
				"npm", "cargo", "make", "go", "docker", "pip",
			},
			ShortTimeout:  "30s",
			MediumTimeout: "5m",
			LongTimeout:   "30m",
		},

		System: SystemConfig{
			ProjectsDir: "projects",
			ActionDelay: "0s",
			StopGrace:   "5s",
			QueueDepth:  16,
		},

		Feed: FeedConfig{
			MaxEntries: 15,
		},
	}
}

// Load loads configuration from a YAML file, merging over defaults.
// A missing file yields the defaults.
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

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides resolves api_key_env references and fills credentials
// from the conventional environment variables.
func (c *Config) applyEnvOverrides() {
	for name, p := range c.Providers {
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
		if p.APIKey == "" {
			switch p.Protocol {
			case "anthropic":
				p.APIKey = os.Getenv("ANTHROPIC_API_KEY")
			case "openai":
				p.APIKey = os.Getenv("OPENAI_API_KEY")
			case "gemini":
				p.APIKey = os.Getenv("GEMINI_API_KEY")
			case "groq":
				p.APIKey = os.Getenv("GROQ_API_KEY")
			case "xai":
				p.APIKey = os.Getenv("XAI_API_KEY")
			case "zai":
				p.APIKey = os.Getenv("ZAI_API_KEY")
			}
		}
		c.Providers[name] = p
	}

	if dir := os.Getenv("CONSTRUCT_PROJECTS_DIR"); dir != "" {
		c.System.ProjectsDir = dir
	}
}

// ValidProtocols lists all supported provider protocols.
var ValidProtocols = []string{"anthropic", "openai", "gemini", "groq", "xai", "zai"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			return fmt.Errorf("default_provider %q not defined in providers", c.DefaultProvider)
		}
	}

	for name, p := range c.Providers {
		valid := false
		for _, proto := range ValidProtocols {
			if p.Protocol == proto {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("provider %q: invalid protocol %q (valid: %v)", name, p.Protocol, ValidProtocols)
		}
		if p.RequestsPerMinute < 0 {
			return fmt.Errorf("provider %q: requests_per_minute must be >= 0", name)
		}
	}

	switch c.Commands.Default {
	case "allowed", "ask", "blocked":
	default:
		return fmt.Errorf("commands.default must be allowed, ask or blocked, got %q", c.Commands.Default)
	}

	if c.System.ProjectsDir == "" {
		return fmt.Errorf("system.projects_dir not configured")
	}

	return nil
}

// GetShortTimeout returns the short command timeout as a duration.
func (c *Config) GetShortTimeout() time.Duration {
	d, err := time.ParseDuration(c.Commands.ShortTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetMediumTimeout returns the medium command timeout as a duration.
func (c *Config) GetMediumTimeout() time.Duration {
	d, err := time.ParseDuration(c.Commands.MediumTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetLongTimeout returns the long command timeout as a duration.
func (c *Config) GetLongTimeout() time.Duration {
	d, err := time.ParseDuration(c.Commands.LongTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetActionDelay returns the pre-call action delay as a duration.
func (c *Config) GetActionDelay() time.Duration {
	d, err := time.ParseDuration(c.System.ActionDelay)
	if err != nil {
		return 0
	}
	return d
}

// GetStopGrace returns the stop grace period as a duration.
func (c *Config) GetStopGrace() time.Duration {
	d, err := time.ParseDuration(c.System.StopGrace)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetProviderTimeout returns a provider's request timeout as a duration.
func (p ProviderConfig) GetProviderTimeout() time.Duration {
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// IsAdmin reports whether a principal may use raw execution.
func (c *Config) IsAdmin(principal string) bool {
	for _, a := range c.System.Admins {
		if a == principal {
			return true
		}
	}
	return false
}
