package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Validate checks all configuration values.
// A failure here is fatal at startup and never retried.
func (c *Config) Validate() error {
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgres)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidPostgres, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgres)
	}
	if c.PoolMaxConns < 1 {
		return fmt.Errorf("%w: pool_max_conns must be >= 1, got %d", ErrInvalidWorkers, c.PoolMaxConns)
	}

	if c.Ingest.Workers < 1 {
		return fmt.Errorf("%w: ingest.workers must be >= 1, got %d", ErrInvalidWorkers, c.Ingest.Workers)
	}
	if c.Ingest.MaxStageRetries < 1 {
		return fmt.Errorf("%w: ingest.max_stage_retries must be >= 1, got %d",
			ErrInvalidRetries, c.Ingest.MaxStageRetries)
	}
	if c.Ingest.MinQualityScore < 0 || c.Ingest.MinQualityScore > 100 {
		return fmt.Errorf("%w: got %.1f", ErrInvalidQuality, c.Ingest.MinQualityScore)
	}
	if c.Ingest.ChunkMinWords < 1 || c.Ingest.ChunkMaxWords <= c.Ingest.ChunkMinWords {
		return fmt.Errorf("%w: min=%d max=%d", ErrInvalidChunking,
			c.Ingest.ChunkMinWords, c.Ingest.ChunkMaxWords)
	}
	if c.Ingest.RateLimit <= 0 || c.Ingest.RateBurst < 1 {
		return fmt.Errorf("%w: rate_limit=%.1f rate_burst=%d",
			ErrInvalidWorkers, c.Ingest.RateLimit, c.Ingest.RateBurst)
	}

	for name, t := range map[string]float64{
		"retrieval.strong_top_score":   c.Retrieval.StrongTopScore,
		"retrieval.mid_score":          c.Retrieval.MidScore,
		"retrieval.adequate_top_score": c.Retrieval.AdequateTopScore,
		"routing.direct_answer":        c.Routing.DirectAnswer,
		"routing.clarify":              c.Routing.Clarify,
	} {
		if t <= 0 || t > 1 {
			return fmt.Errorf("%w: %s=%.2f must be in (0, 1]", ErrInvalidThreshold, name, t)
		}
	}
	if c.Routing.Clarify >= c.Routing.DirectAnswer {
		return fmt.Errorf("%w: clarify (%.2f) must be below direct_answer (%.2f)",
			ErrInvalidThreshold, c.Routing.Clarify, c.Routing.DirectAnswer)
	}
	if c.Retrieval.MidScore > c.Retrieval.StrongTopScore {
		return fmt.Errorf("%w: mid_score (%.2f) must not exceed strong_top_score (%.2f)",
			ErrInvalidThreshold, c.Retrieval.MidScore, c.Retrieval.StrongTopScore)
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("%w: retrieval.top_k must be >= 1, got %d", ErrInvalidWorkers, c.Retrieval.TopK)
	}
	if c.Retrieval.StrongMinCandidates < 1 {
		return fmt.Errorf("%w: retrieval.strong_min_candidates must be >= 1, got %d",
			ErrInvalidWorkers, c.Retrieval.StrongMinCandidates)
	}

	if c.Conversation.TTL <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidTTL, c.Conversation.TTL)
	}
	if c.Conversation.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep_interval must be positive, got %v",
			ErrInvalidTTL, c.Conversation.SweepInterval)
	}

	return nil
}

// Default returns a Config populated with the same defaults Load uses,
// without touching the filesystem. Intended for tests and embedded use.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Unmarshal of pure defaults cannot fail; a panic here means a BUG
	// in setDefaults.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("BUG: unmarshal default config: %v", err))
	}
	return &cfg
}
