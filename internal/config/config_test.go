package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INSIGHT_CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxAttempts != 3 || cfg.RetryBackoff != 60*time.Second || cfg.JobTimeout != 300*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg)
	}
	if cfg.MaxExceptions != 3 || cfg.DedupTTL != time.Hour {
		t.Fatalf("unexpected dedup defaults: %+v", cfg)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "insight.yaml")
	contents := []byte("addr: \":9000\"\nsync_token: from-file\nretry_backoff: 15s\nworker_concurrency: 8\nskip_disabled_tasks: true\n")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("INSIGHT_CONFIG_FILE", path)
	t.Setenv("INSIGHT_SYNC_TOKEN", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Errorf("expected addr from file, got %q", cfg.Addr)
	}
	if cfg.SyncToken != "from-env" {
		t.Errorf("expected env to override file, got %q", cfg.SyncToken)
	}
	if cfg.RetryBackoff != 15*time.Second {
		t.Errorf("expected backoff from file, got %v", cfg.RetryBackoff)
	}
	if cfg.WorkerConcurrency != 8 || !cfg.SkipDisabledTasks {
		t.Errorf("unexpected file values: %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("INSIGHT_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("INSIGHT_CONFIG_FILE", "")
	t.Setenv("INSIGHT_WORKER_CONCURRENCY", "lots")
	t.Setenv("INSIGHT_SKIP_DISABLED_TASKS", "maybe")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerConcurrency != 4 || cfg.SkipDisabledTasks {
		t.Fatalf("expected defaults for invalid env values, got %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero attempts")
	}

	cfg = Defaults()
	cfg.Timezone = "Nowhere/Invalid"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for bad timezone")
	}
}

func TestSubSecondFileDurationsSurviveEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "insight.yaml")
	contents := []byte("retry_backoff: 500ms\njob_timeout: 1500ms\ndedup_ttl: 90s\n")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("INSIGHT_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RetryBackoff != 500*time.Millisecond || cfg.JobTimeout != 1500*time.Millisecond || cfg.DedupTTL != 90*time.Second {
		t.Fatalf("file durations were rewritten: backoff=%v timeout=%v ttl=%v", cfg.RetryBackoff, cfg.JobTimeout, cfg.DedupTTL)
	}

	t.Setenv("INSIGHT_JOB_TIMEOUT_SECONDS", "20")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobTimeout != 20*time.Second || cfg.RetryBackoff != 500*time.Millisecond {
		t.Fatalf("expected only the timeout overridden, got timeout=%v backoff=%v", cfg.JobTimeout, cfg.RetryBackoff)
	}
}

func TestValidateRetryPolicy(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero job timeout", func(c *Config) { c.JobTimeout = 0 }},
		{"negative job timeout", func(c *Config) { c.JobTimeout = -time.Second }},
		{"zero max exceptions", func(c *Config) { c.MaxExceptions = 0 }},
		{"negative backoff", func(c *Config) { c.RetryBackoff = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
