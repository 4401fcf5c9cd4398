package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "construct", cfg.Name)
	assert.Equal(t, "ask", cfg.Commands.Default)
	assert.Equal(t, 15, cfg.Feed.MaxEntries)
	assert.Contains(t, cfg.Providers, "anthropic")
	assert.Equal(t, "anthropic", cfg.DefaultProvider)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "construct", cfg.Name)
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
default_provider: glm
providers:
  glm:
    protocol: zai
    model: glm-4.6
    api_key: inline-key
    requests_per_minute: 10
commands:
  default: blocked
system:
  projects_dir: /srv/projects
  admins: ["@ops:example.org"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "glm", cfg.DefaultProvider)
	assert.Equal(t, "blocked", cfg.Commands.Default)
	assert.Equal(t, "/srv/projects", cfg.System.ProjectsDir)

	glm, ok := cfg.Providers["glm"]
	require.True(t, ok)
	assert.Equal(t, "zai", glm.Protocol)
	assert.Equal(t, "inline-key", glm.APIKey)
	assert.Equal(t, 10, glm.RequestsPerMinute)

	// Defaults not mentioned in the file survive the merge.
	assert.Equal(t, 15, cfg.Feed.MaxEntries)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("api_key_env resolves named variable", func(t *testing.T) {
		t.Setenv("MY_CLAUDE_KEY", "sk-named")

		cfg := &Config{Providers: map[string]ProviderConfig{
			"my-claude": {Protocol: "anthropic", APIKeyEnv: "MY_CLAUDE_KEY"},
		}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "sk-named", cfg.Providers["my-claude"].APIKey)
	})

	t.Run("protocol convention fills missing key", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gk")

		cfg := &Config{Providers: map[string]ProviderConfig{
			"gemini": {Protocol: "gemini"},
		}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "gk", cfg.Providers["gemini"].APIKey)
	})

	t.Run("inline key wins over environment", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "env-key")

		cfg := &Config{Providers: map[string]ProviderConfig{
			"anthropic": {Protocol: "anthropic", APIKey: "inline"},
		}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "inline", cfg.Providers["anthropic"].APIKey)
	})

	t.Run("CONSTRUCT_PROJECTS_DIR overrides projects_dir", func(t *testing.T) {
		t.Setenv("CONSTRUCT_PROJECTS_DIR", "/tmp/projects")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/tmp/projects", cfg.System.ProjectsDir)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"no providers", func(c *Config) { c.Providers = nil }, "no providers"},
		{"unknown default provider", func(c *Config) { c.DefaultProvider = "ghost" }, "default_provider"},
		{"bad protocol", func(c *Config) {
			c.Providers["bad"] = ProviderConfig{Protocol: "llama-at-home"}
		}, "invalid protocol"},
		{"bad command default", func(c *Config) { c.Commands.Default = "maybe" }, "commands.default"},
		{"missing projects dir", func(c *Config) { c.System.ProjectsDir = "" }, "projects_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDurationGetters(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "30s", cfg.Commands.ShortTimeout)
	assert.Equal(t, cfg.GetShortTimeout().String(), "30s")
	assert.Equal(t, cfg.GetMediumTimeout().String(), "5m0s")
	assert.Equal(t, cfg.GetLongTimeout().String(), "30m0s")

	// Garbage falls back to the tier default.
	cfg.Commands.LongTimeout = "not-a-duration"
	assert.Equal(t, cfg.GetLongTimeout().String(), "30m0s")
}

func TestIsAdmin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.System.Admins = []string{"@root:example.org"}

	assert.True(t, cfg.IsAdmin("@root:example.org"))
	assert.False(t, cfg.IsAdmin("@guest:example.org"))
}
