package main

import (
	"os"
	"path/filepath"
	"testing"

	"sqlassist/internal/config"
	"sqlassist/internal/llm/command"
	"sqlassist/internal/llm/openai"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.Database.Driver != "pgx" || cfg.Sessions.Driver != "memory" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sqlassist.yaml")
	content := "database:\n  driver: mysql\n  pool_size: 3\nllm:\n  provider: command\n  command:\n    executable: ./bin/model\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.PoolSize != 3 || dialectOf(cfg.Database.Driver) != "MySQL" {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}

	client, err := newLLMClient(cfg.LLM)
	if err != nil {
		t.Fatalf("command client: %v", err)
	}
	if _, ok := client.(*command.Client); !ok {
		t.Fatalf("unexpected client %T", client)
	}
}

func TestNewLLMClient(t *testing.T) {
	cfg := config.LLMConfig{Provider: "openai", OpenAI: config.OpenAIConfig{APIKey: "sk-test"}}
	client, err := newLLMClient(cfg)
	if err != nil {
		t.Fatalf("openai client: %v", err)
	}
	if _, ok := client.(*openai.Client); !ok {
		t.Fatalf("unexpected client %T", client)
	}

	cfg.OpenAI.APIKey = ""
	cfg.OpenAI.APIKeyEnv = "SQLASSIST_TEST_MISSING_KEY"
	if _, err := newLLMClient(cfg); err == nil {
		t.Fatalf("expected error without api key")
	}
	if _, err := newLLMClient(config.LLMConfig{Provider: "bard"}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "chat", "skills"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("missing subcommand %s", name)
		}
	}
}
