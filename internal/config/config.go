// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/preprint-harvester/internal/api"
	"github.com/JakeFAU/preprint-harvester/internal/assets"
	"github.com/JakeFAU/preprint-harvester/internal/enrich"
	collyfetcher "github.com/JakeFAU/preprint-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/preprint-harvester/internal/logging"
	"github.com/JakeFAU/preprint-harvester/internal/policy/retry"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
	gcppublisher "github.com/JakeFAU/preprint-harvester/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/preprint-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/preprint-harvester/internal/storage/local"
	"github.com/JakeFAU/preprint-harvester/internal/storage/postgres"
	s3storage "github.com/JakeFAU/preprint-harvester/internal/storage/s3"
	"github.com/JakeFAU/preprint-harvester/internal/textproc/llm"
)

// EnvPrefix prefixes every environment override, e.g. PREPRINT_DB_DSN.
const EnvPrefix = "PREPRINT"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging    logging.Config      `mapstructure:"logging"`
	DB         postgres.Config     `mapstructure:"db"`
	Catalog    CatalogConfig       `mapstructure:"catalog"`
	HTTP       collyfetcher.Config `mapstructure:"http"`
	Retry      retry.Config        `mapstructure:"retry"`
	Sync       SyncConfig          `mapstructure:"sync"`
	Assets     AssetsConfig        `mapstructure:"assets"`
	Enrich     EnrichConfig        `mapstructure:"enrich"`
	Progress   ProgressConfig      `mapstructure:"progress"`
	PubSub     gcppublisher.Config `mapstructure:"pubsub"`
	Server     ServerConfig        `mapstructure:"server"`
	Dispatcher DispatcherConfig    `mapstructure:"dispatcher"`
	Schedule   ScheduleConfig      `mapstructure:"schedule"`
}

// CatalogConfig points at the catalog API. Each server is served under
// {BaseURL}/{server}.
type CatalogConfig struct {
	BaseURL           string   `mapstructure:"base_url"`
	Servers           []string `mapstructure:"servers"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"`
	Burst             int      `mapstructure:"burst"`
}

// ServerURL returns the catalog base for one server.
func (c CatalogConfig) ServerURL(server string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + server
}

// SyncConfig holds the defaults every sync engine starts from.
type SyncConfig struct {
	DefaultStart string `mapstructure:"default_start"`
	CacheFirst   bool   `mapstructure:"cache_first"`
	FetchPDFs    bool   `mapstructure:"fetch_pdfs"`
	// Topic receives one message per newly ingested record; empty disables
	// publishing.
	Topic string `mapstructure:"topic"`
}

// AssetsConfig selects the PDF blob backend and download pacing.
type AssetsConfig struct {
	// Hosts overrides the publications host per server; servers without an
	// entry use https://www.{server}.org.
	Hosts             map[string]string   `mapstructure:"hosts"`
	FailureBackoff    time.Duration       `mapstructure:"failure_backoff"`
	FailureBackoffMax time.Duration       `mapstructure:"failure_backoff_max"`
	MinPause          time.Duration       `mapstructure:"min_pause"`
	MaxPause          time.Duration       `mapstructure:"max_pause"`
	Backend           string              `mapstructure:"backend"`
	Local             localstorage.Config `mapstructure:"local"`
	GCS               gcsstorage.Config   `mapstructure:"gcs"`
	S3                s3storage.Config    `mapstructure:"s3"`
}

// Host returns the publications host for server.
func (c AssetsConfig) Host(server string) string {
	if host := c.Hosts[server]; host != "" {
		return host
	}
	return "https://www." + server + ".org"
}

// FetcherConfig returns download settings covering servers. The first server
// supplies the fallback host.
func (c AssetsConfig) FetcherConfig(servers ...string) assets.Config {
	cfg := assets.Config{
		FailureBackoff:    c.FailureBackoff,
		FailureBackoffMax: c.FailureBackoffMax,
		MinPause:          c.MinPause,
		MaxPause:          c.MaxPause,
	}
	if len(servers) == 0 {
		return cfg
	}
	cfg.Host = c.Host(servers[0])
	cfg.Hosts = make(map[string]string, len(servers))
	for _, server := range servers {
		cfg.Hosts[server] = c.Host(server)
	}
	return cfg
}

// EnrichConfig tunes the pipeline and picks the text processor.
type EnrichConfig struct {
	enrich.Config `mapstructure:",squash"`
	// Processor is "static" (offline extractive) or "llm".
	Processor   string     `mapstructure:"processor"`
	MaxKeywords int        `mapstructure:"max_keywords"`
	LLM         llm.Config `mapstructure:"llm"`
}

// ProgressConfig controls the progress hub and its sinks.
type ProgressConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	LogEnabled    bool `mapstructure:"log_enabled"`
	Prometheus    bool `mapstructure:"prometheus"`
	StoreEnabled  bool `mapstructure:"store_enabled"`
	BufferSize    int  `mapstructure:"buffer_size"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms"`
	Batch         struct {
		MaxEvents int `mapstructure:"max_events"`
		MaxWaitMs int `mapstructure:"max_wait_ms"`
	} `mapstructure:"batch"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	api.Config      `mapstructure:",squash"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DispatcherConfig sizes the background job runner behind the API.
type DispatcherConfig struct {
	Workers    int           `mapstructure:"workers"`
	QueueDepth int           `mapstructure:"queue_depth"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// ScheduleConfig drives periodic sync and backfill while serving.
type ScheduleConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SyncCron string `mapstructure:"sync_cron"`
	// Backfill runs the PDF and enrichment backfill after each scheduled sync.
	Backfill bool `mapstructure:"backfill"`
}

// Load builds a Config from .env, disk and environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.connect_retries", 5)
	v.SetDefault("db.connect_retry_delay", "2s")
	v.SetDefault("db.batch_size", 200)
	v.SetDefault("db.auto_migrate", false)

	v.SetDefault("catalog.base_url", "https://api.biorxiv.org/details")
	v.SetDefault("catalog.servers", []string{"medrxiv"})
	v.SetDefault("catalog.requests_per_second", 2.0)
	v.SetDefault("catalog.burst", 1)

	v.SetDefault("http.user_agent", "preprint-harvester/0.1")
	v.SetDefault("http.contact", "")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.max_body_bytes", 64<<20)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "250ms")
	v.SetDefault("retry.max_delay", "5s")

	v.SetDefault("sync.default_start", "2019-06-01")
	v.SetDefault("sync.cache_first", false)
	v.SetDefault("sync.fetch_pdfs", false)
	v.SetDefault("sync.topic", "")

	v.SetDefault("assets.failure_backoff", "1h")
	v.SetDefault("assets.failure_backoff_max", "168h")
	v.SetDefault("assets.min_pause", "1s")
	v.SetDefault("assets.max_pause", "6s")
	v.SetDefault("assets.backend", "local")
	v.SetDefault("assets.local.base_dir", "data/pdfs")
	v.SetDefault("assets.gcs.bucket", "")
	v.SetDefault("assets.gcs.prefix", "pdfs")
	v.SetDefault("assets.gcs.chunk_size", 0)
	v.SetDefault("assets.s3.bucket", "")
	v.SetDefault("assets.s3.prefix", "pdfs")
	v.SetDefault("assets.s3.region", "us-east-1")
	v.SetDefault("assets.s3.endpoint", "")
	v.SetDefault("assets.s3.access_key", "")
	v.SetDefault("assets.s3.secret_key", "")

	v.SetDefault("enrich.workers", 4)
	v.SetDefault("enrich.max_sentences", 3)
	v.SetDefault("enrich.summary_method_id", 1)
	v.SetDefault("enrich.summary_method_name", "extractive")
	v.SetDefault("enrich.progress_every", 50)
	v.SetDefault("enrich.processor", "static")
	v.SetDefault("enrich.max_keywords", 8)
	v.SetDefault("enrich.llm.base_url", "")
	v.SetDefault("enrich.llm.token", "")
	v.SetDefault("enrich.llm.model", "")
	v.SetDefault("enrich.llm.temperature", 0.2)
	v.SetDefault("enrich.llm.max_keywords", 8)

	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus", true)
	v.SetDefault("progress.store_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("progress.batch.max_events", 1000)
	v.SetDefault("progress.batch.max_wait_ms", 500)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.ready_timeout", "2s")
	v.SetDefault("server.enqueue_timeout", "2s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("dispatcher.workers", 2)
	v.SetDefault("dispatcher.queue_depth", 16)
	v.SetDefault("dispatcher.job_timeout", "6h")

	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.sync_cron", "0 3 * * *")
	v.SetDefault("schedule.backfill", true)
}

func (c *Config) normalize() {
	servers := make([]string, 0, len(c.Catalog.Servers))
	for _, s := range c.Catalog.Servers {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" && !slices.Contains(servers, s) {
			servers = append(servers, s)
		}
	}
	c.Catalog.Servers = servers
	c.Assets.Backend = strings.ToLower(strings.TrimSpace(c.Assets.Backend))
	c.Enrich.Processor = strings.ToLower(strings.TrimSpace(c.Enrich.Processor))
	if c.Sync.Topic == "" {
		c.Sync.Topic = c.PubSub.Topic
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if len(c.Catalog.Servers) == 0 {
		return fmt.Errorf("catalog.servers must list at least one server")
	}
	if c.Catalog.BaseURL == "" {
		return fmt.Errorf("catalog.base_url is required")
	}
	if _, err := publication.ParseDay(c.Sync.DefaultStart); err != nil {
		return fmt.Errorf("sync.default_start must be YYYY-MM-DD: %w", err)
	}
	if c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("db.min_conns must not exceed db.max_conns")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Assets.MinPause > c.Assets.MaxPause {
		return fmt.Errorf("assets.min_pause must not exceed assets.max_pause")
	}
	switch c.Assets.Backend {
	case "local":
		if c.Assets.Local.BaseDir == "" {
			return fmt.Errorf("assets.local.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Assets.GCS.Bucket == "" {
			return fmt.Errorf("assets.gcs.bucket is required for the gcs backend")
		}
	case "s3":
		if c.Assets.S3.Bucket == "" {
			return fmt.Errorf("assets.s3.bucket is required for the s3 backend")
		}
	case "memory":
	default:
		return fmt.Errorf("assets.backend must be one of local, gcs, s3, memory")
	}
	if c.Enrich.Workers <= 0 {
		return fmt.Errorf("enrich.workers must be > 0")
	}
	switch c.Enrich.Processor {
	case "static":
	case "llm":
		if c.Enrich.LLM.Model == "" {
			return fmt.Errorf("enrich.llm.model is required for the llm processor")
		}
	default:
		return fmt.Errorf("enrich.processor must be static or llm")
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be > 0")
	}
	if c.Schedule.Enabled && strings.TrimSpace(c.Schedule.SyncCron) == "" {
		return fmt.Errorf("schedule.sync_cron must be set when the schedule is enabled")
	}
	return nil
}

// HasDatabase reports whether a Postgres DSN is configured. Without one the
// in-memory store is used.
func (c Config) HasDatabase() bool {
	return strings.TrimSpace(c.DB.DSN) != ""
}
