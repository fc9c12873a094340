package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.HTTPPort != "8170" {
		t.Errorf("expected http port 8170, got %s", cfg.Server.HTTPPort)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("expected memory storage driver, got %s", cfg.Storage.Driver)
	}
	if cfg.Auth.SignatureMaxAge != 300*time.Second {
		t.Errorf("expected signature max age 300s, got %v", cfg.Auth.SignatureMaxAge)
	}
	if cfg.Push.MaxAttempts != 3 {
		t.Errorf("expected 3 push attempts, got %d", cfg.Push.MaxAttempts)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  http_port: "9090"
  cors_origin: "http://example.com"
storage:
  driver: "postgres"
scheduler:
  workers: 8
agent:
  name: "summarizer"
  skills:
    - id: "summarize"
      name: "Document Summarizer"
      tags: ["summarize", "documents"]
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.HTTPPort != "9090" {
		t.Errorf("expected http port 9090, got %s", cfg.Server.HTTPPort)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("expected postgres driver, got %s", cfg.Storage.Driver)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Scheduler.Workers)
	}
	if len(cfg.Agent.Skills) != 1 || cfg.Agent.Skills[0].ID != "summarize" {
		t.Errorf("expected one summarize skill, got %+v", cfg.Agent.Skills)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("PARLEY_HTTP_PORT", "7070")
	t.Setenv("PARLEY_SCHEDULER_DRIVER", "nats")
	t.Setenv("PARLEY_AUTH_ENABLED", "true")
	t.Setenv("PARLEY_AUTH_SIGNATURE_MAX_AGE", "2m")
	t.Setenv("PARLEY_NEGOTIATION_MIN_SCORE", "0.55")

	loadEnv(&cfg)

	if cfg.Server.HTTPPort != "7070" {
		t.Errorf("expected http port 7070, got %s", cfg.Server.HTTPPort)
	}
	if cfg.Scheduler.Driver != "nats" {
		t.Errorf("expected nats driver, got %s", cfg.Scheduler.Driver)
	}
	if !cfg.Auth.Enabled {
		t.Error("expected auth enabled")
	}
	if cfg.Auth.SignatureMaxAge != 2*time.Minute {
		t.Errorf("expected signature max age 2m, got %v", cfg.Auth.SignatureMaxAge)
	}
	if cfg.Negotiation.MinScore != 0.55 {
		t.Errorf("expected min score 0.55, got %f", cfg.Negotiation.MinScore)
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	bad := Defaults()
	bad.Storage.Driver = "redis"
	if err := validate(&bad); err == nil {
		t.Error("unknown storage driver should fail validation")
	}

	bad = Defaults()
	bad.Auth.Enabled = true
	bad.Auth.IntrospectionURL = ""
	if err := validate(&bad); err == nil {
		t.Error("auth without introspection url should fail validation")
	}

	bad = Defaults()
	bad.Server.TLSCert = "/etc/parley/cert.pem"
	if err := validate(&bad); err == nil {
		t.Error("tls cert without key should fail validation")
	}
}
