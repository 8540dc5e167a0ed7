package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/medscan/medscan/pkg/domain"
)

//go:generate go run ../../cmd/schema/main.go schema.json

// Config holds the application configuration
type Config struct {
	Server struct {
		Listen  string        `yaml:"listen" json:"listen" jsonschema:"default=:8080,description=HTTP server listen address"`
		Timeout time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=HTTP server timeout"`
	} `yaml:"server" json:"server" jsonschema:"description=Server configuration"`

	Database struct {
		DSN             string `yaml:"dsn" json:"dsn" jsonschema:"default=file:medscan.db?cache=shared&mode=rwc,description=Database connection string"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns" jsonschema:"default=10,description=Maximum number of open connections"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns" jsonschema:"default=5,description=Maximum number of idle connections"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime" jsonschema:"default=3600,description=Connection maximum lifetime in seconds"`
	} `yaml:"database" json:"database" jsonschema:"description=Database configuration"`

	Sources []Source `yaml:"sources" json:"sources" jsonschema:"description=News sources to harvest"`

	Dedup DedupConfig `yaml:"dedup" json:"dedup" jsonschema:"description=Duplicate detection configuration"`

	Cache CacheConfig `yaml:"cache" json:"cache" jsonschema:"description=Enrichment cache TTLs"`

	RateLimits RateLimitConfig `yaml:"rate_limits" json:"rate_limits" jsonschema:"description=Token buckets per external dependency class"`

	Provider ProviderConfig `yaml:"provider" json:"provider" jsonschema:"description=Enrichment provider configuration"`

	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline" jsonschema:"description=Enrichment pipeline configuration"`

	Alerts AlertConfig `yaml:"alerts" json:"alerts" jsonschema:"description=Alert rules and suppression"`

	Channels []Channel `yaml:"channels" json:"channels" jsonschema:"description=Notification channels"`

	Notify NotifyConfig `yaml:"notify" json:"notify" jsonschema:"description=Notification delivery configuration"`

	Schedule ScheduleConfig `yaml:"schedule" json:"schedule" jsonschema:"description=Scheduler configuration"`
}

// Source describes a single external news source
type Source struct {
	Name        string  `yaml:"name" json:"name" jsonschema:"required,description=Unique source identifier"`
	Kind        string  `yaml:"kind" json:"kind" jsonschema:"required,enum=feed,enum=html,description=Adapter kind"`
	URL         string  `yaml:"url" json:"url" jsonschema:"required,description=Feed URL or site root"`
	Credibility float64 `yaml:"credibility" json:"credibility" jsonschema:"default=0.5,minimum=0,maximum=1,description=Trust weight attached to articles from this source"`
}

// DedupConfig holds duplicate detection tunables. The recency window and
// similarity threshold are deliberately configuration, not constants.
type DedupConfig struct {
	RecencyWindow       time.Duration `yaml:"recency_window" json:"recency_window" jsonschema:"default=48h,description=How long index entries participate in near-duplicate matching"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" json:"similarity_threshold" jsonschema:"default=0.85,minimum=0,maximum=1,description=Title similarity ratio treated as a near-duplicate"`
	MaxCandidates       int           `yaml:"max_candidates" json:"max_candidates" jsonschema:"default=200,description=Maximum same-source candidates scanned per classification"`
}

// CacheConfig holds per-stage TTLs for the enrichment cache
type CacheConfig struct {
	SummaryTTL   time.Duration `yaml:"summary_ttl" json:"summary_ttl" jsonschema:"default=168h,description=TTL for cached summaries"`
	EntitiesTTL  time.Duration `yaml:"entities_ttl" json:"entities_ttl" jsonschema:"default=168h,description=TTL for cached entity lists"`
	SentimentTTL time.Duration `yaml:"sentiment_ttl" json:"sentiment_ttl" jsonschema:"default=24h,description=TTL for cached sentiment results"`
}

// Bucket defines a token bucket: sustained rate with burst capacity
type Bucket struct {
	Rate  float64 `yaml:"rate" json:"rate" jsonschema:"description=Tokens refilled per second"`
	Burst int     `yaml:"burst" json:"burst" jsonschema:"description=Maximum burst size"`
}

// RateLimitConfig groups buckets by external dependency class
type RateLimitConfig struct {
	Fetch     Bucket `yaml:"fetch" json:"fetch" jsonschema:"description=Per-source fetch bucket"`
	Inference Bucket `yaml:"inference" json:"inference" jsonschema:"description=Per-provider inference bucket"`
	Notify    Bucket `yaml:"notify" json:"notify" jsonschema:"description=Per-channel notification bucket"`
}

// ProviderConfig holds enrichment provider settings (OpenAI-compatible)
type ProviderConfig struct {
	Endpoint      string        `yaml:"endpoint" json:"endpoint" jsonschema:"description=OpenAI-compatible API endpoint"`
	APIKey        string        `yaml:"api_key" json:"api_key" jsonschema:"description=API key (can use environment variable)"`
	Model         string        `yaml:"model" json:"model" jsonschema:"required,description=Model name (e.g. gpt-4o-mini or llama3)"`
	Temperature   float64       `yaml:"temperature" json:"temperature" jsonschema:"default=0.3,description=Temperature for response generation"`
	MaxTokens     int           `yaml:"max_tokens" json:"max_tokens" jsonschema:"default=500,description=Maximum tokens in response"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=Per-call request timeout"`
	MinTextLength int           `yaml:"min_text_length" json:"min_text_length" jsonschema:"default=100,description=Minimum article text length to summarize"`
}

// PipelineConfig holds orchestrator settings
type PipelineConfig struct {
	MaxWorkers  int           `yaml:"max_workers" json:"max_workers" jsonschema:"default=5,description=Maximum articles processed concurrently"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" jsonschema:"default=3,description=Retry budget per enrichment branch"`
	RetryDelay  time.Duration `yaml:"retry_delay" json:"retry_delay" jsonschema:"default=500ms,description=Initial backoff delay between branch retries"`
	JoinTimeout time.Duration `yaml:"join_timeout" json:"join_timeout" jsonschema:"default=5m,description=Overall bound on one article's enrichment chain"`
}

// AlertConfig holds alert rules and suppression settings
type AlertConfig struct {
	Rules             []domain.AlertRule `yaml:"rules" json:"rules" jsonschema:"description=Alert rules evaluated against enriched articles"`
	SuppressionWindow time.Duration      `yaml:"suppression_window" json:"suppression_window" jsonschema:"default=1h,description=Minimum interval between repeat alerts for the same rule and topic"`
}

// Channel describes a webhook notification target
type Channel struct {
	Name string `yaml:"name" json:"name" jsonschema:"required,description=Channel identifier referenced by rules"`
	URL  string `yaml:"url" json:"url" jsonschema:"required,description=Webhook URL"`
}

// NotifyConfig holds delivery retry and circuit breaker settings
type NotifyConfig struct {
	MaxAttempts      int           `yaml:"max_attempts" json:"max_attempts" jsonschema:"default=4,description=Delivery attempts before dead-lettering"`
	RetryDelay       time.Duration `yaml:"retry_delay" json:"retry_delay" jsonschema:"default=1s,description=Initial backoff delay between delivery attempts"`
	BreakerThreshold int           `yaml:"breaker_threshold" json:"breaker_threshold" jsonschema:"default=5,description=Consecutive failures that open a channel's circuit breaker"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown" jsonschema:"default=2m,description=How long an open breaker short-circuits a channel"`
}

// ScheduleConfig holds sweep and rescan intervals
type ScheduleConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval" json:"sweep_interval" jsonschema:"default=30m,description=Ingestion sweep interval per source"`
	FirstLookback  time.Duration `yaml:"first_lookback" json:"first_lookback" jsonschema:"default=48h,description=How far back the very first sweep of a source reaches"`
	RescanInterval time.Duration `yaml:"rescan_interval" json:"rescan_interval" jsonschema:"default=10m,description=Alert rescan interval"`
	RescanLookback time.Duration `yaml:"rescan_lookback" json:"rescan_lookback" jsonschema:"default=24h,description=How far back one rescan pass reaches for enriched articles"`
	RescanLimit    int           `yaml:"rescan_limit" json:"rescan_limit" jsonschema:"default=500,description=Maximum articles re-evaluated per rescan pass"`
	LeaseTTL       time.Duration `yaml:"lease_ttl" json:"lease_ttl" jsonschema:"default=10m,description=Hard expiry of a per-source sweep lease"`
	DisableAfter   int           `yaml:"disable_after" json:"disable_after" jsonschema:"default=3,description=Consecutive permanent failures before a source is disabled"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)

	// validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// verify against embedded schema
	if err := VerifyAgainstEmbeddedSchema(&cfg); err != nil {
		// log warning but don't fail - schema validation is supplementary
		fmt.Printf("warning: schema validation failed: %v\n", err)
	}

	return &cfg, nil
}

// setDefaults fills zero values with sane defaults
func setDefaults(cfg *Config) {
	// server
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = 30 * time.Second
	}

	// database
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "file:medscan.db?cache=shared&mode=rwc&_txlock=immediate"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 3600
	}

	// dedup
	if cfg.Dedup.RecencyWindow == 0 {
		cfg.Dedup.RecencyWindow = 48 * time.Hour
	}
	if cfg.Dedup.SimilarityThreshold == 0 {
		cfg.Dedup.SimilarityThreshold = 0.85
	}
	if cfg.Dedup.MaxCandidates == 0 {
		cfg.Dedup.MaxCandidates = 200
	}

	// cache TTLs: summaries and entities change rarely, sentiment is cheap to recompute
	if cfg.Cache.SummaryTTL == 0 {
		cfg.Cache.SummaryTTL = 168 * time.Hour
	}
	if cfg.Cache.EntitiesTTL == 0 {
		cfg.Cache.EntitiesTTL = 168 * time.Hour
	}
	if cfg.Cache.SentimentTTL == 0 {
		cfg.Cache.SentimentTTL = 24 * time.Hour
	}

	// rate limits
	if cfg.RateLimits.Fetch.Rate == 0 {
		cfg.RateLimits.Fetch = Bucket{Rate: 1, Burst: 3}
	}
	if cfg.RateLimits.Inference.Rate == 0 {
		cfg.RateLimits.Inference = Bucket{Rate: 2, Burst: 5}
	}
	if cfg.RateLimits.Notify.Rate == 0 {
		cfg.RateLimits.Notify = Bucket{Rate: 5, Burst: 10}
	}

	// provider
	if cfg.Provider.Temperature == 0 {
		cfg.Provider.Temperature = 0.3
	}
	if cfg.Provider.MaxTokens == 0 {
		cfg.Provider.MaxTokens = 500
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = 30 * time.Second
	}
	if cfg.Provider.MinTextLength == 0 {
		cfg.Provider.MinTextLength = 100
	}

	// pipeline
	if cfg.Pipeline.MaxWorkers == 0 {
		cfg.Pipeline.MaxWorkers = 5
	}
	if cfg.Pipeline.MaxAttempts == 0 {
		cfg.Pipeline.MaxAttempts = 3
	}
	if cfg.Pipeline.RetryDelay == 0 {
		cfg.Pipeline.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Pipeline.JoinTimeout == 0 {
		cfg.Pipeline.JoinTimeout = 5 * time.Minute
	}

	// alerts
	if cfg.Alerts.SuppressionWindow == 0 {
		cfg.Alerts.SuppressionWindow = time.Hour
	}

	// notify
	if cfg.Notify.MaxAttempts == 0 {
		cfg.Notify.MaxAttempts = 4
	}
	if cfg.Notify.RetryDelay == 0 {
		cfg.Notify.RetryDelay = time.Second
	}
	if cfg.Notify.BreakerThreshold == 0 {
		cfg.Notify.BreakerThreshold = 5
	}
	if cfg.Notify.BreakerCooldown == 0 {
		cfg.Notify.BreakerCooldown = 2 * time.Minute
	}

	// sources: unset credibility means middle of the road
	for i := range cfg.Sources {
		if cfg.Sources[i].Credibility == 0 {
			cfg.Sources[i].Credibility = 0.5
		}
	}

	// schedule
	if cfg.Schedule.SweepInterval == 0 {
		cfg.Schedule.SweepInterval = 30 * time.Minute
	}
	if cfg.Schedule.FirstLookback == 0 {
		cfg.Schedule.FirstLookback = 48 * time.Hour
	}
	if cfg.Schedule.RescanInterval == 0 {
		cfg.Schedule.RescanInterval = 10 * time.Minute
	}
	if cfg.Schedule.RescanLookback == 0 {
		cfg.Schedule.RescanLookback = 24 * time.Hour
	}
	if cfg.Schedule.RescanLimit == 0 {
		cfg.Schedule.RescanLimit = 500
	}
	if cfg.Schedule.LeaseTTL == 0 {
		cfg.Schedule.LeaseTTL = 10 * time.Minute
	}
	if cfg.Schedule.DisableAfter == 0 {
		cfg.Schedule.DisableAfter = 3
	}
}

// validate checks configuration for correctness
func validate(cfg *Config) error {
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	seen := make(map[string]bool)
	for _, src := range cfg.Sources {
		if src.Name == "" {
			return fmt.Errorf("source name is required")
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
		if src.Kind != "feed" && src.Kind != "html" {
			return fmt.Errorf("source %q: kind must be feed or html", src.Name)
		}
		if src.URL == "" {
			return fmt.Errorf("source %q: url is required", src.Name)
		}
		if src.Credibility < 0 || src.Credibility > 1 {
			return fmt.Errorf("source %q: credibility must be between 0 and 1", src.Name)
		}
	}

	if cfg.Dedup.SimilarityThreshold < 0 || cfg.Dedup.SimilarityThreshold > 1 {
		return fmt.Errorf("dedup.similarity_threshold must be between 0 and 1")
	}

	if cfg.Provider.Model == "" {
		return fmt.Errorf("provider.model is required")
	}
	if cfg.Provider.Temperature < 0 || cfg.Provider.Temperature > 2 {
		return fmt.Errorf("provider.temperature must be between 0 and 2")
	}

	if cfg.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1")
	}

	channels := make(map[string]bool)
	for _, ch := range cfg.Channels {
		if ch.Name == "" || ch.URL == "" {
			return fmt.Errorf("channel name and url are required")
		}
		channels[ch.Name] = true
	}
	for _, rule := range cfg.Alerts.Rules {
		if rule.ID == "" {
			return fmt.Errorf("alert rule id is required")
		}
		if rule.Channel != "" && !channels[rule.Channel] {
			return fmt.Errorf("alert rule %q references unknown channel %q", rule.ID, rule.Channel)
		}
	}

	if cfg.Server.Timeout < time.Second {
		return fmt.Errorf("server timeout must be at least 1 second")
	}

	return nil
}

// GetServerConfig returns server configuration
func (c *Config) GetServerConfig() (listen string, timeout time.Duration) {
	return c.Server.Listen, c.Server.Timeout
}

// GetProviderConfig returns enrichment provider configuration
func (c *Config) GetProviderConfig() ProviderConfig {
	return c.Provider
}

// GetSources returns the configured sources
func (c *Config) GetSources() []Source {
	return c.Sources
}
