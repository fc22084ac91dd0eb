// Package config provides application configuration with multi-source priority.
//
// Sources (highest to lowest): environment variables, config file
// (~/.fixwise/config.yaml), defaults.
//
// Every decision threshold the engine uses (route confidence boundaries,
// coverage thresholds, retry caps, pool bounds, state TTL) lives here as
// an explicit value injected at construction, never as package state.
// Validation is fail-fast: a bad value aborts startup with a
// configuration error, it is never retried.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for Go-idiomatic checking with errors.Is().
var (
	// ErrInvalidThreshold indicates a confidence or coverage threshold
	// outside (0, 1] or an inverted ordering.
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrInvalidPostgres indicates unusable PostgreSQL settings.
	ErrInvalidPostgres = errors.New("invalid PostgreSQL configuration")

	// ErrInvalidWorkers indicates a non-positive worker or pool bound.
	ErrInvalidWorkers = errors.New("invalid concurrency bound")

	// ErrInvalidRetries indicates a non-positive stage retry cap.
	ErrInvalidRetries = errors.New("invalid retry cap")

	// ErrInvalidChunking indicates an unusable chunk word window.
	ErrInvalidChunking = errors.New("invalid chunk window")

	// ErrInvalidQuality indicates a quality minimum outside [0, 100].
	ErrInvalidQuality = errors.New("invalid quality minimum")

	// ErrInvalidTTL indicates a non-positive conversation TTL.
	ErrInvalidTTL = errors.New("invalid conversation TTL")
)

// DefaultEmbedderModel is the default Gemini embedder model.
// gemini-embedding-001 supports truncation to 768 dimensions via
// OutputDimensionality; the pgvector schema uses vector(768).
const DefaultEmbedderModel = "gemini-embedding-001"

// Ingest configures the ingestion pipeline.
type Ingest struct {
	// Workers bounds the number of sources processed concurrently. The
	// bound exists to protect the completion and embedding services from
	// rate-limit exhaustion, not to speed anything up.
	Workers int `mapstructure:"workers" json:"workers"`

	// MaxStageRetries caps retries of a single failed stage. Exceeding
	// it dead-letters the source.
	MaxStageRetries int `mapstructure:"max_stage_retries" json:"max_stage_retries"`

	// RetryBaseInterval is the initial backoff between stage retries.
	RetryBaseInterval time.Duration `mapstructure:"retry_base_interval" json:"retry_base_interval"`

	// RetryMaxInterval caps the exponential backoff.
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval" json:"retry_max_interval"`

	// MinQualityScore is the floor below which generated atoms are
	// routed to human review instead of the store. Range [0, 100].
	MinQualityScore float64 `mapstructure:"min_quality_score" json:"min_quality_score"`

	// ChunkMinWords / ChunkMaxWords bound the chunk word window.
	ChunkMinWords int `mapstructure:"chunk_min_words" json:"chunk_min_words"`
	ChunkMaxWords int `mapstructure:"chunk_max_words" json:"chunk_max_words"`

	// RateLimit is the sustained requests/sec allowed against the
	// external AI services; RateBurst the burst allowance.
	RateLimit float64 `mapstructure:"rate_limit" json:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" json:"rate_burst"`
}

// Retrieval configures the multi-stage search engine.
type Retrieval struct {
	// TopK is the number of candidates fetched per stage.
	TopK int `mapstructure:"top_k" json:"top_k"`

	// StrongTopScore: coverage is strong only when the best hit clears
	// this AND at least StrongMinCandidates clear MidScore. The pair
	// makes the classification distribution-based, not count-only.
	StrongTopScore      float64 `mapstructure:"strong_top_score" json:"strong_top_score"`
	MidScore            float64 `mapstructure:"mid_score" json:"mid_score"`
	StrongMinCandidates int     `mapstructure:"strong_min_candidates" json:"strong_min_candidates"`

	// AdequateTopScore is the floor for adequate coverage; below it any
	// hit at all is thin, no hits is none.
	AdequateTopScore float64 `mapstructure:"adequate_top_score" json:"adequate_top_score"`

	// StageTimeout bounds each search stage; a timeout falls through to
	// the next fallback stage instead of blocking the turn.
	StageTimeout time.Duration `mapstructure:"stage_timeout" json:"stage_timeout"`
}

// Routing configures the per-turn route decision.
// The 0.8 / 0.5 boundaries come from product decisions in the source
// material, so they stay configurable rather than derived.
type Routing struct {
	// DirectAnswer: confidence at or above routes A (answer directly).
	DirectAnswer float64 `mapstructure:"direct_answer" json:"direct_answer"`

	// Clarify: confidence at or above (but below DirectAnswer) routes B.
	// Below Clarify routes C (escalate).
	Clarify float64 `mapstructure:"clarify" json:"clarify"`
}

// Conversation configures dialogue state persistence.
type Conversation struct {
	// TTL is the hard expiry for untouched states. Mere inactivity does
	// not renew it; only an explicit Touch does.
	TTL time.Duration `mapstructure:"ttl" json:"ttl"`

	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
}

// Config stores application configuration.
type Config struct {
	// AI provider configuration
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// External call budget
	CompletionTimeout time.Duration `mapstructure:"completion_timeout" json:"completion_timeout"`
	EmbedTimeout      time.Duration `mapstructure:"embed_timeout" json:"embed_timeout"`

	// Storage
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// PoolMaxConns bounds the store connection pool. Exhaustion surfaces
	// as a degraded result, never an unbounded wait queue.
	PoolMaxConns int32 `mapstructure:"pool_max_conns" json:"pool_max_conns"`

	Ingest       Ingest       `mapstructure:"ingest" json:"ingest"`
	Retrieval    Retrieval    `mapstructure:"retrieval" json:"retrieval"`
	Routing      Routing      `mapstructure:"routing" json:"routing"`
	Conversation Conversation `mapstructure:"conversation" json:"conversation"`
}

// Load loads configuration.
// Priority: environment variables > config file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".fixwise")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("completion_timeout", "30s")
	v.SetDefault("embed_timeout", "15s")

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "fixwise")
	v.SetDefault("postgres_password", "fixwise_dev_password")
	v.SetDefault("postgres_db_name", "fixwise")
	v.SetDefault("postgres_ssl_mode", "disable")
	v.SetDefault("pool_max_conns", 8)

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.max_stage_retries", 3)
	v.SetDefault("ingest.retry_base_interval", "500ms")
	v.SetDefault("ingest.retry_max_interval", "10s")
	v.SetDefault("ingest.min_quality_score", 60)
	v.SetDefault("ingest.chunk_min_words", 200)
	v.SetDefault("ingest.chunk_max_words", 400)
	v.SetDefault("ingest.rate_limit", 5)
	v.SetDefault("ingest.rate_burst", 10)

	v.SetDefault("retrieval.top_k", 8)
	v.SetDefault("retrieval.strong_top_score", 0.85)
	v.SetDefault("retrieval.mid_score", 0.70)
	v.SetDefault("retrieval.strong_min_candidates", 3)
	v.SetDefault("retrieval.adequate_top_score", 0.65)
	v.SetDefault("retrieval.stage_timeout", "5s")

	v.SetDefault("routing.direct_answer", 0.8)
	v.SetDefault("routing.clarify", 0.5)

	v.SetDefault("conversation.ttl", "24h")
	v.SetDefault("conversation.sweep_interval", "10m")
}

// bindEnvVariables binds environment overrides explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via Viper.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("model_name", "FIXWISE_MODEL_NAME")
	mustBind("embedder_model", "FIXWISE_EMBEDDER_MODEL")
	mustBind("postgres_password", "FIXWISE_POSTGRES_PASSWORD")
	mustBind("routing.direct_answer", "FIXWISE_ROUTE_DIRECT_ANSWER")
	mustBind("routing.clarify", "FIXWISE_ROUTE_CLARIFY")
}

// parseDatabaseURL overrides PostgreSQL settings from DATABASE_URL if set.
func (c *Config) parseDatabaseURL() error {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPostgres, err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidPostgres, u.Scheme)
	}
	c.PostgresHost = u.Hostname()
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &c.PostgresPort); err != nil {
			return fmt.Errorf("%w: invalid port %q", ErrInvalidPostgres, p)
		}
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	if name := u.Path; len(name) > 1 {
		c.PostgresDBName = name[1:]
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// ConnString returns the PostgreSQL connection URL.
func (c *Config) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   "/" + c.PostgresDBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
