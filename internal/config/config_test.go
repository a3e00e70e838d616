package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "sqlassist.yaml", `
server:
  address: ":9090"
database:
  driver: mysql
  pool_size: 4
skills:
  directory: skills
sessions:
  driver: redis
  redis:
    address: "localhost:6379"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Database.Driver != "mysql" || cfg.Database.PoolSize != 4 {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Database.MaxRows != 1000 || cfg.Database.AcquireTimeout() != 5*time.Second {
		t.Fatalf("database defaults missing: %+v", cfg.Database)
	}
	if cfg.Agent.MaxSkillLoads != 5 {
		t.Fatalf("unexpected skill bound %d", cfg.Agent.MaxSkillLoads)
	}
	if want := filepath.Join(filepath.Dir(path), "skills"); cfg.Skills.Directory != want {
		t.Fatalf("skills dir = %q, want %q", cfg.Skills.Directory, want)
	}
	if cfg.Sessions.Redis.LockTTL() != 2*time.Minute {
		t.Fatalf("unexpected lock ttl %s", cfg.Sessions.Redis.LockTTL())
	}
	if cfg.LLM.Provider != "openai" || cfg.Events.Driver != "log" {
		t.Fatalf("unexpected provider defaults: %+v %+v", cfg.LLM, cfg.Events)
	}
}

func TestLoadJSONByExtension(t *testing.T) {
	path := writeFile(t, "sqlassist.json", `{"agent":{"max_skill_loads":2},"llm":{"provider":"command","command":{"executable":"python3"}}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.MaxSkillLoads != 2 || cfg.LLM.Provider != "command" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.LLM.Command.WorkingDir != filepath.Dir(path) {
		t.Fatalf("working dir should default to config dir, got %q", cfg.LLM.Command.WorkingDir)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := writeFile(t, "bad.yaml", "database:\n  driver: oracle\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestResolveSecretsFromEnv(t *testing.T) {
	t.Setenv("TEST_SQLASSIST_KEY", "sk-test")
	t.Setenv("TEST_SQLASSIST_DSN", "postgres://localhost/shop")
	t.Setenv("SQLASSIST_SERVER_ADDRESS", ":7070")

	cfg := Default()
	cfg.LLM.OpenAI.APIKeyEnv = "TEST_SQLASSIST_KEY"
	cfg.Database.DSNEnv = "TEST_SQLASSIST_DSN"

	if got := cfg.LLM.OpenAI.ResolveAPIKey(); got != "sk-test" {
		t.Fatalf("unexpected api key %q", got)
	}
	if got := cfg.Database.ResolveDSN(); got != "postgres://localhost/shop" {
		t.Fatalf("unexpected dsn %q", got)
	}
	if cfg.Server.Address != ":7070" {
		t.Fatalf("env override ignored: %q", cfg.Server.Address)
	}

	cfg.Database.DSN = "explicit"
	if cfg.Database.ResolveDSN() != "explicit" {
		t.Fatalf("explicit dsn should win")
	}
}

func TestResolveAPITokens(t *testing.T) {
	t.Setenv("SQLASSIST_TEST_TOKENS", " a1 , ,b2")
	cfg := ServerConfig{APITokens: []string{"static", " "}, APITokensEnv: "SQLASSIST_TEST_TOKENS"}
	got := cfg.ResolveAPITokens()
	if len(got) != 3 || got[0] != "static" || got[1] != "a1" || got[2] != "b2" {
		t.Fatalf("unexpected tokens %v", got)
	}
}
