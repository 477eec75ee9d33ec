package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "translatord.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PINATA_API_SECRET", "shhh")

	path := writeConfig(t, `{
  "agent": {"did": "did:translator", "step_timeout_seconds": 30},
  "llm": {"api_key": "${OPENAI_API_KEY}"},
  "ipfs": {"api_key": "pk", "api_secret": "${PINATA_API_SECRET}"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("expected env expansion, got %q", cfg.LLM.APIKey)
	}
	if cfg.IPFS.APISecret != "shhh" {
		t.Fatalf("expected env expansion, got %q", cfg.IPFS.APISecret)
	}
	if cfg.Agent.StepTimeout() != 30*time.Second {
		t.Fatalf("unexpected step timeout: %v", cfg.Agent.StepTimeout())
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"agent": {"did": "did:translator"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address: %q", cfg.Server.Address)
	}
	if cfg.Protocol.Mode != "local" {
		t.Fatalf("unexpected protocol mode: %q", cfg.Protocol.Mode)
	}
	if cfg.Storage.Driver != "memory" || cfg.Events.Driver != "memory" || cfg.Payments.Driver != "memory" {
		t.Fatalf("unexpected drivers: %s/%s/%s", cfg.Storage.Driver, cfg.Events.Driver, cfg.Payments.Driver)
	}
	if cfg.LLM.SourceLang != "Spanish" || cfg.LLM.TargetLang != "English" {
		t.Fatalf("unexpected languages: %s -> %s", cfg.LLM.SourceLang, cfg.LLM.TargetLang)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("unexpected log level: %q", cfg.Logging.Level)
	}
	if cfg.Agent.StepTimeout() != 0 {
		t.Fatalf("zero timeout must mean no limit, got %v", cfg.Agent.StepTimeout())
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `{
  "agent": {"did": "did:translator"},
  "payments": {"driver": "ethereum", "plans_file": "plans.yaml"},
  "logging": {"audit": {"enabled": true, "path": "audit.log"}}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	baseDir := filepath.Dir(path)
	if cfg.Payments.PlansFile != filepath.Join(baseDir, "plans.yaml") {
		t.Fatalf("plans file must resolve against the config dir, got %q", cfg.Payments.PlansFile)
	}
	if cfg.Logging.Audit.Path != filepath.Join(baseDir, "audit.log") {
		t.Fatalf("audit path must resolve against the config dir, got %q", cfg.Logging.Audit.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, "{not json")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}
