// Package retrieval implements the multi-stage search over the
// knowledge store: semantic first, category-filtered semantic when the
// first pass comes back thin, lexical keyword match as the last resort.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/fixwise/fixwise/internal/knowledge"
)

// Coverage classifies how well the returned candidates cover the query.
// The routing layer keys directly off this.
type Coverage string

const (
	CoverageNone     Coverage = "none"
	CoverageThin     Coverage = "thin"
	CoverageAdequate Coverage = "adequate"
	CoverageStrong   Coverage = "strong"
)

// Stage names for result provenance.
const (
	StageSemantic = "semantic"
	StageFiltered = "filtered"
	StageKeyword  = "keyword"
)

// Hit is one retrieval candidate with the stage that produced it.
type Hit struct {
	Atom  knowledge.Atom
	Score float64
	Stage string
}

// Result is the outcome of one retrieval pass.
type Result struct {
	Query    string
	Hits     []Hit
	Coverage Coverage
	// Degraded marks results produced while the store was unreachable
	// or a stage timed out. Degraded results are never cached upstream.
	Degraded bool
	Latency  time.Duration
}

// TopScore returns the best candidate score, or 0 with no candidates.
func (r *Result) TopScore() float64 {
	if len(r.Hits) == 0 {
		return 0
	}
	return r.Hits[0].Score
}

// Config tunes coverage classification and stage behavior.
type Config struct {
	TopK int
	// StrongTopScore and StrongMinCandidates define strong coverage:
	// the best hit clears StrongTopScore AND at least
	// StrongMinCandidates hits clear MidScore. One lucky match is not
	// strong coverage.
	StrongTopScore      float64
	MidScore            float64
	StrongMinCandidates int
	// AdequateTopScore is the floor for adequate coverage.
	AdequateTopScore float64
	// ThinThreshold is the similarity below which semantic hits do not
	// count as covering the query at all.
	ThinThreshold float64
	StageTimeout  time.Duration
}

// searcher is the slice of knowledge.Store the engine needs.
type searcher interface {
	SemanticSearch(ctx context.Context, query pgvector.Vector, topK int) ([]knowledge.Hit, error)
	FilteredSearch(ctx context.Context, query pgvector.Vector, topK int, category string) ([]knowledge.Hit, error)
	KeywordSearch(ctx context.Context, query string, topK int) ([]knowledge.Hit, error)
}

// queryEmbedder turns the query text into a store vector.
type queryEmbedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Engine runs the staged retrieval strategy.
type Engine struct {
	store    searcher
	embedder queryEmbedder
	cfg      Config
	logger   *slog.Logger
}

// NewEngine creates a retrieval Engine.
func NewEngine(store searcher, embedder queryEmbedder, cfg Config, logger *slog.Logger) (*Engine, error) {
	if store == nil || embedder == nil {
		return nil, errors.New("engine requires store and embedder")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 5 * time.Second
	}
	if cfg.ThinThreshold <= 0 {
		cfg.ThinThreshold = 0.35
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, embedder: embedder, cfg: cfg, logger: logger}, nil
}

// Search runs the stages in order, stopping at the first one that
// yields adequate or better coverage. category restricts the filtered
// stage; empty skips it. Store failures degrade the result instead of
// erroring: the caller still gets an answerable (empty) Result.
func (e *Engine) Search(ctx context.Context, query, category string) (*Result, error) {
	start := time.Now()
	res := &Result{Query: query, Coverage: CoverageNone}
	defer func() { res.Latency = time.Since(start) }()

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("query embedding failed, falling back to keyword stage", "error", err)
		res.Degraded = true
		e.keywordStage(ctx, res)
		return res, nil
	}

	hits, err := e.runStage(ctx, StageSemantic, func(ctx context.Context) ([]knowledge.Hit, error) {
		return e.store.SemanticSearch(ctx, vec, e.cfg.TopK)
	})
	if err != nil {
		res.Degraded = true
	} else {
		e.adopt(res, hits, StageSemantic)
		if res.Coverage == CoverageAdequate || res.Coverage == CoverageStrong {
			return res, nil
		}
	}

	if category != "" {
		hits, err = e.runStage(ctx, StageFiltered, func(ctx context.Context) ([]knowledge.Hit, error) {
			return e.store.FilteredSearch(ctx, vec, e.cfg.TopK, category)
		})
		if err != nil {
			res.Degraded = true
		} else if classify(e.cfg, hits) > res.Coverage.rank() {
			e.adopt(res, hits, StageFiltered)
			if res.Coverage == CoverageAdequate || res.Coverage == CoverageStrong {
				return res, nil
			}
		}
	}

	e.keywordStage(ctx, res)
	return res, nil
}

func (e *Engine) keywordStage(ctx context.Context, res *Result) {
	hits, err := e.runStage(ctx, StageKeyword, func(ctx context.Context) ([]knowledge.Hit, error) {
		return e.store.KeywordSearch(ctx, res.Query, e.cfg.TopK)
	})
	if err != nil {
		res.Degraded = true
		return
	}
	if classify(e.cfg, hits) > res.Coverage.rank() {
		e.adopt(res, hits, StageKeyword)
	}
}

func (e *Engine) runStage(ctx context.Context, stage string, fn func(context.Context) ([]knowledge.Hit, error)) ([]knowledge.Hit, error) {
	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()
	hits, err := fn(stageCtx)
	if err != nil {
		e.logger.Warn("retrieval stage failed", "stage", stage, "error", err)
		return nil, fmt.Errorf("%s stage: %w", stage, err)
	}
	return hits, nil
}

func (e *Engine) adopt(res *Result, hits []knowledge.Hit, stage string) {
	res.Hits = res.Hits[:0]
	for _, h := range hits {
		res.Hits = append(res.Hits, Hit{Atom: h.Atom, Score: h.Score, Stage: stage})
	}
	res.Coverage = coverageNames[classify(e.cfg, hits)]
}

var coverageNames = []Coverage{CoverageNone, CoverageThin, CoverageAdequate, CoverageStrong}

func (c Coverage) rank() int {
	for i, name := range coverageNames {
		if c == name {
			return i
		}
	}
	return 0
}

// classify maps a hit distribution to a coverage rank. Strong needs
// both a high top score and corroborating candidates; adequate needs a
// decent top score; thin is anything above the noise floor.
func classify(cfg Config, hits []knowledge.Hit) int {
	if len(hits) == 0 {
		return CoverageNone.rank()
	}
	top := hits[0].Score
	if top < cfg.ThinThreshold {
		return CoverageNone.rank()
	}

	mid := 0
	for _, h := range hits {
		if h.Score >= cfg.MidScore {
			mid++
		}
	}
	switch {
	case top >= cfg.StrongTopScore && mid >= cfg.StrongMinCandidates:
		return CoverageStrong.rank()
	case top >= cfg.AdequateTopScore:
		return CoverageAdequate.rank()
	default:
		return CoverageThin.rank()
	}
}
