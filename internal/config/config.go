// Package config loads the platform configuration: defaults, then a
// TOML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Storage  StorageConfig  `toml:"storage"`
	Agent    AgentConfig    `toml:"agent"`
	Forum    ForumConfig    `toml:"forum"`
	Cron     CronConfig     `toml:"cron"`
	Tools    ToolsConfig    `toml:"tools"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// InternalToken authenticates service-to-service calls (forum
	// callbacks, cron triggers, sub-agent bridging). Generated and
	// persisted on first start when absent.
	InternalToken string `toml:"internal_token"`
	UsersFile     string `toml:"users_file"`
	DataDir       string `toml:"data_dir"`
}

type LLMConfig struct {
	BaseURL     string `toml:"base_url"`
	APIKey      string `toml:"api_key"`
	Model       string `toml:"model"`
	TTSEndpoint string `toml:"tts_endpoint"`
	// Vision marks the model as image-capable. Non-vision models get
	// image parts stripped with an apology note.
	Vision bool `toml:"vision"`
}

type StorageConfig struct {
	// Backend selects the checkpoint store: "sqlite" or "postgres".
	Backend     string `toml:"backend"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
}

type AgentConfig struct {
	MaxIterations int `toml:"max_iterations"`
}

type ForumConfig struct {
	Port        int    `toml:"port"`
	URL         string `toml:"url"`
	ExpertsFile string `toml:"experts_file"`
	CustomDir   string `toml:"custom_dir"`
}

type CronConfig struct {
	Port int    `toml:"port"`
	URL  string `toml:"url"`
}

type ToolsConfig struct {
	WorkspaceDir    string   `toml:"workspace_dir"`
	ToolboxCommand  string   `toml:"toolbox_command"`
	Groups          []string `toml:"groups"`
	AllowedCommands []string `toml:"allowed_commands"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	dataDir := filepath.Join(home, "minitime-data")
	return Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8000,
			UsersFile: filepath.Join(dataDir, "users.json"),
			DataDir:   dataDir,
		},
		LLM: LLMConfig{
			BaseURL: "https://api.deepseek.com/v1",
			Model:   "deepseek-chat",
		},
		Storage: StorageConfig{
			Backend:    "sqlite",
			SQLitePath: filepath.Join(dataDir, "checkpoints.db"),
		},
		Agent: AgentConfig{MaxIterations: 10},
		Forum: ForumConfig{
			Port:        8001,
			URL:         "http://127.0.0.1:8001",
			ExpertsFile: filepath.Join(dataDir, "experts.json"),
			CustomDir:   filepath.Join(dataDir, "custom_experts"),
		},
		Cron: CronConfig{
			Port: 8002,
			URL:  "http://127.0.0.1:8002",
		},
		Tools: ToolsConfig{
			WorkspaceDir:   filepath.Join(dataDir, "workspace"),
			ToolboxCommand: "toolbox",
			Groups:         []string{"filemanager", "commander", "search", "scheduler", "forum", "push"},
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
// When no internal token is configured one is generated and written
// back to the file so restarts keep the same token.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "minitime.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("MINITIME_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("MINITIME_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("MINITIME_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MINITIME_INTERNAL_TOKEN"); v != "" {
		cfg.Server.InternalToken = v
	}
	if v := os.Getenv("MINITIME_POSTGRES_DSN"); v != "" {
		cfg.Storage.Backend = "postgres"
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("MINITIME_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	if cfg.Server.InternalToken == "" {
		cfg.Server.InternalToken = uuid.NewString()
		if err := persistToken(path, cfg); err != nil {
			return cfg, fmt.Errorf("persist internal token: %w", err)
		}
	}

	return cfg, nil
}

// persistToken writes the full config back to path so the generated
// token survives restarts.
func persistToken(path string, cfg Config) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
