package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"MINITIME_LLM_API_KEY", "MINITIME_LLM_BASE_URL", "MINITIME_LLM_MODEL",
		"MINITIME_INTERNAL_TOKEN", "MINITIME_POSTGRES_DSN", "MINITIME_OBSERVER_ENABLED",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8000 || cfg.Forum.Port != 8001 || cfg.Cron.Port != 8002 {
		t.Errorf("ports = %d/%d/%d", cfg.Server.Port, cfg.Forum.Port, cfg.Cron.Port)
	}
	if cfg.LLM.Model != "deepseek-chat" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max iterations = %d", cfg.Agent.MaxIterations)
	}
	if len(cfg.Tools.Groups) == 0 {
		t.Error("default tool groups missing")
	}
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MINITIME_INTERNAL_TOKEN", "fixed")

	path := filepath.Join(t.TempDir(), "minitime.toml")
	doc := `
[server]
port = 9000

[llm]
model = "gpt-4o-mini"
api_key = "file-key"

[storage]
backend = "sqlite"
sqlite_path = "/tmp/x.db"
`
	os.WriteFile(path, []byte(doc), 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.LLM.Model != "gpt-4o-mini" || cfg.LLM.APIKey != "file-key" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	// Untouched sections keep their defaults.
	if cfg.Forum.Port != 8001 {
		t.Errorf("forum port = %d", cfg.Forum.Port)
	}
}

func TestLoadEnvWinsOverFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("MINITIME_INTERNAL_TOKEN", "fixed")
	t.Setenv("MINITIME_LLM_API_KEY", "env-key")
	t.Setenv("MINITIME_POSTGRES_DSN", "postgres://env")

	path := filepath.Join(t.TempDir(), "minitime.toml")
	os.WriteFile(path, []byte("[llm]\napi_key = \"file-key\"\n"), 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("api key = %q, env must win", cfg.LLM.APIKey)
	}
	if cfg.Storage.Backend != "postgres" || cfg.Storage.PostgresDSN != "postgres://env" {
		t.Errorf("storage = %+v, DSN env should switch the backend", cfg.Storage)
	}
}

func TestLoadGeneratesAndPersistsToken(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "minitime.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.InternalToken == "" {
		t.Fatal("token not generated")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written back: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config mode = %o, want 600", info.Mode().Perm())
	}

	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Server.InternalToken != cfg.Server.InternalToken {
		t.Error("token must survive restarts")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "minitime.toml")
	os.WriteFile(path, []byte("not [valid toml"), 0o600)
	if _, err := Load(path); err == nil {
		t.Error("malformed config should fail")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MINITIME_INTERNAL_TOKEN", "fixed")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("port = %d, want the default", cfg.Server.Port)
	}
	if cfg.Server.InternalToken != "fixed" {
		t.Errorf("token = %q", cfg.Server.InternalToken)
	}
}
