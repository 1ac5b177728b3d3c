package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  api_key: secret
  request_timeout: 30s
catalog:
  servers: [MedRxiv, biorxiv, medrxiv]
  requests_per_second: 1.5
db:
  dsn: postgres://localhost/preprints
  max_conns: 20
  min_conns: 2
retry:
  max_attempts: 5
  base_delay: 100ms
sync:
  default_start: "2024-01-01"
  cache_first: true
assets:
  backend: s3
  min_pause: 2s
  max_pause: 3s
  hosts:
    biorxiv: https://mirror.example.org
  s3:
    bucket: pdf-bucket
    endpoint: http://localhost:9000
enrich:
  workers: 8
  max_sentences: 2
  processor: llm
  llm:
    model: gpt-4o-mini
    base_url: http://localhost:11434/v1
pubsub:
  project_id: demo
  topic: preprints
schedule:
  enabled: true
  sync_cron: "*/30 * * * *"
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.APIKey != "secret" {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Server.RequestTimeout != 30*time.Second || cfg.Server.EnqueueTimeout != 2*time.Second {
		t.Fatalf("expected squashed api config, got %+v", cfg.Server.Config)
	}
	if got := strings.Join(cfg.Catalog.Servers, ","); got != "medrxiv,biorxiv" {
		t.Fatalf("expected normalized servers, got %q", got)
	}
	if got := cfg.Catalog.ServerURL("biorxiv"); got != "https://api.biorxiv.org/details/biorxiv" {
		t.Fatalf("unexpected catalog url %q", got)
	}
	if !cfg.HasDatabase() || cfg.DB.MaxConns != 20 || cfg.DB.BatchSize != 200 {
		t.Fatalf("expected db overrides with defaults, got %+v", cfg.DB)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 100*time.Millisecond {
		t.Fatalf("expected retry overrides, got %+v", cfg.Retry)
	}
	if cfg.Sync.DefaultStart != "2024-01-01" || !cfg.Sync.CacheFirst {
		t.Fatalf("expected sync overrides, got %+v", cfg.Sync)
	}
	if cfg.Sync.Topic != "preprints" {
		t.Fatalf("expected sync topic to fall back to pubsub topic, got %q", cfg.Sync.Topic)
	}
	if cfg.Assets.Backend != "s3" || cfg.Assets.S3.Bucket != "pdf-bucket" || cfg.Assets.S3.Region != "us-east-1" {
		t.Fatalf("expected s3 backend, got %+v", cfg.Assets.S3)
	}
	if got := cfg.Assets.FetcherConfig("biorxiv").Host; got != "https://mirror.example.org" {
		t.Fatalf("expected host override, got %q", got)
	}
	if got := cfg.Assets.FetcherConfig("medrxiv"); got.Host != "https://www.medrxiv.org" || got.MinPause != 2*time.Second {
		t.Fatalf("unexpected medrxiv fetcher config %+v", got)
	}
	if got := cfg.Assets.FetcherConfig(cfg.Catalog.Servers...); got.Hosts["biorxiv"] != "https://mirror.example.org" || got.Host != "https://www.medrxiv.org" {
		t.Fatalf("unexpected shared fetcher config %+v", got)
	}
	if cfg.Enrich.Workers != 8 || cfg.Enrich.MaxSentences != 2 || cfg.Enrich.SummaryMethodID != 1 {
		t.Fatalf("expected squashed enrich config, got %+v", cfg.Enrich.Config)
	}
	if cfg.Enrich.Processor != "llm" || cfg.Enrich.LLM.Model != "gpt-4o-mini" {
		t.Fatalf("expected llm processor, got %+v", cfg.Enrich)
	}
	if !cfg.Schedule.Enabled || cfg.Schedule.SyncCron != "*/30 * * * *" || !cfg.Schedule.Backfill {
		t.Fatalf("expected schedule overrides, got %+v", cfg.Schedule)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HasDatabase() {
		t.Fatal("expected no database by default")
	}
	if cfg.Assets.Backend != "local" || cfg.Assets.Local.BaseDir != "data/pdfs" {
		t.Fatalf("expected local asset backend, got %+v", cfg.Assets)
	}
	if cfg.Enrich.Processor != "static" || cfg.Catalog.Servers[0] != "medrxiv" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Assets.FailureBackoffMax != 168*time.Hour {
		t.Fatalf("expected one week max backoff, got %v", cfg.Assets.FailureBackoffMax)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PREPRINT_SERVER_PORT", "7070")
	t.Setenv("PREPRINT_DB_DSN", "postgres://env/preprints")
	t.Setenv("PREPRINT_ENRICH_WORKERS", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port, got %d", cfg.Server.Port)
	}
	if cfg.DB.DSN != "postgres://env/preprints" {
		t.Fatalf("expected env dsn, got %q", cfg.DB.DSN)
	}
	if cfg.Enrich.Workers != 3 {
		t.Fatalf("expected env workers, got %d", cfg.Enrich.Workers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no servers", func(c *Config) { c.Catalog.Servers = nil }, "catalog.servers"},
		{"bad default start", func(c *Config) { c.Sync.DefaultStart = "June" }, "sync.default_start"},
		{"inverted pool", func(c *Config) { c.DB.MinConns = 50 }, "db.min_conns"},
		{"no retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"inverted pause", func(c *Config) { c.Assets.MinPause = time.Minute }, "assets.min_pause"},
		{"unknown backend", func(c *Config) { c.Assets.Backend = "ftp" }, "assets.backend"},
		{"gcs without bucket", func(c *Config) { c.Assets.Backend = "gcs" }, "assets.gcs.bucket"},
		{"s3 without bucket", func(c *Config) { c.Assets.Backend = "s3" }, "assets.s3.bucket"},
		{"llm without model", func(c *Config) { c.Enrich.Processor = "llm" }, "enrich.llm.model"},
		{"unknown processor", func(c *Config) { c.Enrich.Processor = "magic" }, "enrich.processor"},
		{"no dispatcher workers", func(c *Config) { c.Dispatcher.Workers = 0 }, "dispatcher.workers"},
		{"schedule without cron", func(c *Config) {
			c.Schedule.Enabled = true
			c.Schedule.SyncCron = " "
		}, "schedule.sync_cron"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.Catalog.Servers = append([]string(nil), base.Catalog.Servers...)
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
