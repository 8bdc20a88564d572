package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "server:\n  admin_password: secret\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 18090 {
		t.Errorf("expected default port 18090, got %d", cfg.Server.Port)
	}
	if cfg.Quota.MaxQueriesPerHour != 100 || cfg.Quota.MaxTokensPerDay != 500000 {
		t.Errorf("unexpected quota defaults: %+v", cfg.Quota)
	}
	if cfg.Quota.EstimatedTokens != 10000 {
		t.Errorf("expected default estimate 10000, got %d", cfg.Quota.EstimatedTokens)
	}
	if cfg.Provider.AttemptCeiling != 3 || cfg.Provider.PerAttemptTimeoutMs != 30000 {
		t.Errorf("unexpected provider defaults: %+v", cfg.Provider)
	}
	if cfg.Session.LifetimeMinutes != 30 || cfg.Session.MaxLifetimeMinutes != 240 {
		t.Errorf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Logging.Level)
	}
}

func TestLoad_ExplicitValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  admin_password: secret
quota:
  max_queries_per_hour: 5
  max_tokens_per_day: 1000
provider:
  base_url: http://localhost:11434
  model: llama3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Quota.MaxQueriesPerHour != 5 || cfg.Quota.MaxTokensPerDay != 1000 {
		t.Errorf("unexpected quota: %+v", cfg.Quota)
	}
	if cfg.Provider.Model != "llama3" {
		t.Errorf("expected model llama3, got %q", cfg.Provider.Model)
	}
}

func TestLoad_AutoPasswordGeneratedAndPersisted(t *testing.T) {
	path := writeConfig(t, "server:\n  admin_password: auto\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !strings.HasPrefix(cfg.Server.AdminPassword, "casegate-admin-") {
		t.Errorf("expected generated password, got %q", cfg.Server.AdminPassword)
	}

	// 生成的口令要落盘，重启后保持一致
	cfg2, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if cfg2.Server.AdminPassword != cfg.Server.AdminPassword {
		t.Error("generated password must survive reload")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}

func TestGet_ReturnsLoadedConfig(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 7777\n  admin_password: secret\n")
	if _, err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if Get().Server.Port != 7777 {
		t.Errorf("Get returned stale config: %d", Get().Server.Port)
	}
}
