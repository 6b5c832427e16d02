package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Capture.BatchThreshold != 5 {
		t.Fatalf("expected default batch threshold 5, got %d", cfg.Capture.BatchThreshold)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("expected memory store by default, got %q", cfg.Store.Driver)
	}
	if !cfg.Tiers.Simulation.Enabled {
		t.Fatal("expected simulation tier enabled by default")
	}
	if cfg.Tiers.Cloud.APIKey != "" && os.Getenv("OPENAI_API_KEY") == "" {
		t.Fatal("expected no cloud credential by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_STORE_DRIVER", "sqlite")
	t.Setenv("LOQA_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_CAPTURE_BATCH_THRESHOLD", "3")
	t.Setenv("LOQA_CAPTURE_WORD_POLICY", "phrase")
	t.Setenv("LOQA_TIERS_LOCAL_ENABLED", "true")
	t.Setenv("LOQA_TIERS_LOCAL_MODE", "exec")
	t.Setenv("LOQA_TIERS_LOCAL_COMMAND", "whisper-cli --json")
	t.Setenv("LOQA_TIERS_CLOUD_API_KEY", "sk-test")
	t.Setenv("LOQA_TIERS_SIMULATION_SEED", "42")
	t.Setenv("LOQA_TIERS_SIMULATION_VOCABULARY", "alpha, beta")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 || cfg.Bus.Embedded {
		t.Fatalf("expected 2 external servers, got %v (embedded=%v)", cfg.Bus.Servers, cfg.Bus.Embedded)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected sqlite store override, got %+v", cfg.Store)
	}
	if cfg.Capture.BatchThreshold != 3 {
		t.Fatalf("expected threshold 3, got %d", cfg.Capture.BatchThreshold)
	}
	if cfg.Capture.WordPolicy != "phrase" {
		t.Fatalf("expected phrase policy, got %q", cfg.Capture.WordPolicy)
	}
	if !cfg.Tiers.Local.Enabled || cfg.Tiers.Local.Mode != "exec" {
		t.Fatalf("expected local exec tier, got %+v", cfg.Tiers.Local)
	}
	if cfg.Tiers.Cloud.APIKey != "sk-test" {
		t.Fatalf("expected cloud key override")
	}
	if cfg.Tiers.Simulation.Seed != 42 {
		t.Fatalf("expected seed 42, got %d", cfg.Tiers.Simulation.Seed)
	}
	if len(cfg.Tiers.Simulation.Vocabulary) != 2 || cfg.Tiers.Simulation.Vocabulary[1] != "beta" {
		t.Fatalf("unexpected vocabulary %v", cfg.Tiers.Simulation.Vocabulary)
	}
}

func TestCloudKeyFallsBackToOpenAIEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-global")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Tiers.Cloud.APIKey != "sk-global" {
		t.Fatalf("expected OPENAI_API_KEY to provision cloud tier, got %q", cfg.Tiers.Cloud.APIKey)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.yaml")
	data := []byte(`
runtime_name: capture-test
capture:
  batch_threshold: 8
tiers:
  local:
    enabled: true
    mode: http
    endpoint: http://whisper:8178
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "capture-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Capture.BatchThreshold != 8 {
		t.Fatalf("expected threshold 8, got %d", cfg.Capture.BatchThreshold)
	}
	if cfg.Capture.WordPolicy != "words" {
		t.Fatalf("expected default word policy to survive partial file, got %q", cfg.Capture.WordPolicy)
	}
	if cfg.Tiers.Local.Endpoint != "http://whisper:8178" {
		t.Fatalf("unexpected local endpoint %q", cfg.Tiers.Local.Endpoint)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"threshold":   func(c *Config) { c.Capture.BatchThreshold = 0 },
		"policy":      func(c *Config) { c.Capture.WordPolicy = "sentences" },
		"driver":      func(c *Config) { c.Store.Driver = "postgres" },
		"local mode":  func(c *Config) { c.Tiers.Local.Enabled = true; c.Tiers.Local.Mode = "grpc" },
		"exec cmd":    func(c *Config) { c.Tiers.Local.Enabled = true; c.Tiers.Local.Mode = "exec" },
		"no tiers":    func(c *Config) { c.Tiers.Simulation.Enabled = false },
		"ingress bus": func(c *Config) { c.Ingress.Enabled = true },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (TelemetryConfig{LogLevel: in}).SlogLevel(); got != want {
			t.Fatalf("%q: expected %v, got %v", in, want, got)
		}
	}
}
