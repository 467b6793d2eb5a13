// Package config loads the agent runtime's configuration from a JSONC
// file (oubliette-style: comments allowed, env vars override secrets).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds everything the runtime needs to boot.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Provider ProviderConfig `json:"provider"`
	Context  ContextConfig  `json:"context"`
	Approval ApprovalConfig `json:"approval"`
	Sandbox  SandboxConfig  `json:"sandbox"`
	Database DatabaseConfig `json:"database"`
	Cache    CacheConfig    `json:"cache"`
	Agents   []AgentConfig  `json:"agents"`
	Search   SearchConfig   `json:"search"`
	Dev      bool           `json:"dev"` // enables query-string auth fallback
}

// SearchConfig points the web_search tool at a JSON search endpoint.
type SearchConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
}

// AgentConfig describes one configured agent identity to seed into the
// user table on startup, so the gateway's membership model sees it like
// any other user the moment the process comes up.
type AgentConfig struct {
	UserID      string `json:"user_id"`
	Nickname    string `json:"nickname"`
	Description string `json:"description"`
	Model       string `json:"model"`
	Provider    string `json:"provider"`
}

// ServerConfig holds HTTP listen settings.
type ServerConfig struct {
	Address string `json:"address"`
}

// ProviderConfig selects and configures the model provider.
type ProviderConfig struct {
	Name   string `json:"name"` // "anthropic"
	Model  string `json:"model"`
	APIKey string `json:"api_key"`
}

// ContextConfig controls how much chat history is loaded per run.
type ContextConfig struct {
	WindowSize int           `json:"window_size"` // default 30
	TTL        time.Duration `json:"ttl"`          // default 24h
}

// ApprovalConfig controls tool-approval suspension.
type ApprovalConfig struct {
	Timeout time.Duration `json:"timeout"` // default 300s
	TTL     time.Duration `json:"ttl"`     // ancillary-data TTL, default 2h
}

// SandboxConfig bounds the code_execute tool.
type SandboxConfig struct {
	Image          string        `json:"image"`
	WallClock      time.Duration `json:"wall_clock"`       // default 60s
	MemoryLimitMiB int64         `json:"memory_limit_mib"` // default 512
	CPUs           float64       `json:"cpus"`
}

// DatabaseConfig points at the relational store.
type DatabaseConfig struct {
	Driver string `json:"driver"` // "sqlite"
	DSN    string `json:"dsn"`
}

// CacheConfig points at the key-value store.
type CacheConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Default returns a Config with the spec's documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Address: ":8080"},
		Provider: ProviderConfig{
			Name:  "anthropic",
			Model: "claude-sonnet-4-5",
		},
		Context: ContextConfig{
			WindowSize: 30,
			TTL:        24 * time.Hour,
		},
		Approval: ApprovalConfig{
			Timeout: 300 * time.Second,
			TTL:     2 * time.Hour,
		},
		Sandbox: SandboxConfig{
			Image:          "oubliette-agent-sandbox:latest",
			WallClock:      60 * time.Second,
			MemoryLimitMiB: 512,
			CPUs:           1,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "agent.db",
		},
		Cache: CacheConfig{
			Address: "127.0.0.1:6379",
		},
	}
}

// Load reads a JSONC config file, falling back to defaults for anything
// absent, then applies environment variable overrides for secrets.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			clean := StripJSONComments(raw)
			if err := json.Unmarshal(clean, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// FindConfigPath resolves the config file using the same precedence the
// teacher uses for its own jsonc file: explicit dir, env var, cwd, home.
func FindConfigPath(dirFlag string) string {
	if dirFlag != "" {
		return filepath.Join(dirFlag, "agent.jsonc")
	}
	if env := os.Getenv("AGENT_HOME"); env != "" {
		return filepath.Join(env, "agent.jsonc")
	}
	if _, err := os.Stat("./.agent"); err == nil {
		return "./.agent/agent.jsonc"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "agent.jsonc"
	}
	return filepath.Join(home, ".agent", "agent.jsonc")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENT_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("AGENT_PROVIDER_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("AGENT_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("AGENT_CACHE_ADDRESS"); v != "" {
		cfg.Cache.Address = v
	}
	if v := os.Getenv("AGENT_SEARCH_ENDPOINT"); v != "" {
		cfg.Search.Endpoint = v
	}
	if v := os.Getenv("AGENT_SEARCH_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("AGENT_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if os.Getenv("AGENT_DEV") == "1" {
		cfg.Dev = true
	}
}
