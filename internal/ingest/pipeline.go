package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/fixwise/fixwise/internal/fault"
	"github.com/fixwise/fixwise/internal/fingerprint"
	"github.com/fixwise/fixwise/internal/knowledge"
)

// Stage names, in pipeline order. They key the ingestion log and the
// dead-letter records.
const (
	StageAcquire  = "acquire"
	StageExtract  = "extract"
	StageChunk    = "chunk"
	StageGenerate = "generate"
	StageValidate = "validate"
	StageEmbed    = "embed"
	StageStore    = "store"
)

// fingerprintLedger is the slice of fingerprint.Store the pipeline needs.
type fingerprintLedger interface {
	Lookup(ctx context.Context, hash string) (*fingerprint.Fingerprint, bool, error)
	MarkPending(ctx context.Context, hash, sourceURI string) error
	MarkIngested(ctx context.Context, hash string) error
	MarkFailed(ctx context.Context, hash string) error
}

// embedder produces the store vector for a text.
type embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// atomStore persists validated atoms.
type atomStore interface {
	Upsert(ctx context.Context, a knowledge.Atom, embedding pgvector.Vector) error
}

// recorder is the slice of LogStore the pipeline needs.
type recorder interface {
	RecordAttempt(ctx context.Context, sourceID, stage, errClass string, retry int, elapsed time.Duration) error
	DeadLetter(ctx context.Context, src Source, stage, reason string, attempts int) error
	QueueReview(ctx context.Context, atom knowledge.Atom, reason string) error
}

// Config tunes the pipeline.
type Config struct {
	Workers         int
	MaxStageRetries int
	RetryBase       time.Duration
	RetryMax        time.Duration
	MinQualityScore float64
	Chunking        ChunkConfig
}

// Report summarizes one pipeline run.
type Report struct {
	Sources      int
	Skipped      int
	AtomsStored  int
	SentToReview int
	DeadLettered int
}

// Pipeline runs sources through the seven ingestion stages.
type Pipeline struct {
	cfg       Config
	fetcher   *Fetcher
	ledger    fingerprintLedger
	generator *Generator
	scorer    Scorer
	embedder  embedder
	atoms     atomStore
	logs      recorder
	logger    *slog.Logger
}

// NewPipeline wires the pipeline. scorer may be nil to use the default
// heuristic scorer.
func NewPipeline(cfg Config, fetcher *Fetcher, ledger fingerprintLedger, generator *Generator, scorer Scorer, emb embedder, atoms atomStore, logs recorder, logger *slog.Logger) (*Pipeline, error) {
	switch {
	case fetcher == nil, ledger == nil, generator == nil, emb == nil, atoms == nil, logs == nil:
		return nil, errors.New("pipeline requires fetcher, ledger, generator, embedder, atom store and log store")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxStageRetries < 0 {
		cfg.MaxStageRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = 10 * time.Second
	}
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		fetcher:   fetcher,
		ledger:    ledger,
		generator: generator,
		scorer:    scorer,
		embedder:  emb,
		atoms:     atoms,
		logs:      logs,
		logger:    logger,
	}, nil
}

// Run ingests the given sources concurrently on a bounded worker pool.
// A source that dead-letters does not abort the run; only context
// cancellation does. The returned Report covers every source, including
// the failed ones.
func (p *Pipeline) Run(ctx context.Context, sources []Source) (Report, error) {
	var (
		mu     sync.Mutex
		report = Report{Sources: len(sources)}
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, src := range sources {
		g.Go(func() error {
			res, err := p.ingestOne(ctx, src)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				// Terminal per-source failure was already dead-lettered.
				mu.Lock()
				report.DeadLettered++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			report.Skipped += res.Skipped
			report.AtomsStored += res.AtomsStored
			report.SentToReview += res.SentToReview
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return report, err
}

// ingestOne walks a single source through every stage in order.
func (p *Pipeline) ingestOne(ctx context.Context, src Source) (Report, error) {
	logger := p.logger.With("source", src.ID)

	raw, err := runStage(ctx, p, src, StageAcquire, func(ctx context.Context) (*RawDocument, error) {
		return p.fetcher.Fetch(ctx, src)
	})
	if err != nil {
		return Report{}, err
	}

	// Dedup short-circuit: content already ingested under any URI is
	// skipped before a single model call is spent on it.
	hash := fingerprint.Hash(raw.Body)
	if fp, found, err := p.ledger.Lookup(ctx, hash); err != nil {
		logger.Warn("fingerprint lookup failed, continuing without dedup", "error", err)
	} else if found && fp.Status == fingerprint.StatusIngested {
		logger.Info("skipping already-ingested content", "hash", hash[:12])
		return Report{Skipped: 1}, nil
	}
	if err := p.ledger.MarkPending(ctx, hash, src.URI); err != nil {
		logger.Warn("fingerprint mark-pending failed", "error", err)
	}

	doc, err := runStage(ctx, p, src, StageExtract, func(ctx context.Context) (*Document, error) {
		return Extract(raw)
	})
	if err != nil {
		p.markFailed(ctx, hash)
		return Report{}, err
	}

	chunks, err := runStage(ctx, p, src, StageChunk, func(ctx context.Context) ([]Chunk, error) {
		return Split(doc, p.cfg.Chunking)
	})
	if err != nil {
		p.markFailed(ctx, hash)
		return Report{}, err
	}

	var res Report
	for _, chunk := range chunks {
		atoms, err := runStage(ctx, p, src, StageGenerate, func(ctx context.Context) ([]knowledge.Atom, error) {
			return p.generator.Generate(ctx, src.ID, chunk)
		})
		if err != nil {
			p.markFailed(ctx, hash)
			return Report{}, err
		}

		for _, atom := range atoms {
			stored, reviewed, err := p.validateEmbedStore(ctx, src, atom)
			if err != nil {
				p.markFailed(ctx, hash)
				return Report{}, err
			}
			res.AtomsStored += stored
			res.SentToReview += reviewed
		}
	}

	if res.AtomsStored == 0 && res.SentToReview == 0 {
		p.markFailed(ctx, hash)
		reason := "no atoms survived validation"
		_ = p.logs.DeadLetter(ctx, src, StageValidate, reason, 1)
		return Report{}, fault.Validation(errors.New(reason))
	}

	if err := p.ledger.MarkIngested(ctx, hash); err != nil {
		logger.Warn("fingerprint mark-ingested failed", "error", err)
	}
	logger.Info("source ingested",
		"chunks", len(chunks), "atoms", res.AtomsStored, "reviewed", res.SentToReview)
	return res, nil
}

// validateEmbedStore runs the last three stages for one atom. Quality
// rejection routes to the review queue and is not an error.
func (p *Pipeline) validateEmbedStore(ctx context.Context, src Source, atom knowledge.Atom) (stored, reviewed int, err error) {
	atom.QualityScore = p.scorer.Score(atom)
	if err := atom.Validate(); err != nil {
		if qerr := p.logs.QueueReview(ctx, atom, err.Error()); qerr != nil {
			return 0, 0, qerr
		}
		return 0, 1, nil
	}
	if atom.QualityScore < p.cfg.MinQualityScore {
		reason := fmt.Sprintf("quality %.1f below floor %.1f", atom.QualityScore, p.cfg.MinQualityScore)
		if qerr := p.logs.QueueReview(ctx, atom, reason); qerr != nil {
			return 0, 0, qerr
		}
		return 0, 1, nil
	}
	_ = p.logs.RecordAttempt(ctx, src.ID, StageValidate, "", 0, 0)

	vec, err := runStage(ctx, p, src, StageEmbed, func(ctx context.Context) (pgvector.Vector, error) {
		return p.embedder.Embed(ctx, atom.Title+"\n"+atom.Summary+"\n"+atom.Body)
	})
	if err != nil {
		return 0, 0, err
	}

	_, err = runStage(ctx, p, src, StageStore, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.atoms.Upsert(ctx, atom, vec)
	})
	if err != nil {
		return 0, 0, err
	}
	return 1, 0, nil
}

func (p *Pipeline) markFailed(ctx context.Context, hash string) {
	if err := p.ledger.MarkFailed(ctx, hash); err != nil {
		p.logger.Warn("fingerprint mark-failed failed", "error", err)
	}
}

// runStage executes one stage with the per-stage retry budget.
// Transient errors back off exponentially and retry; anything else
// fails immediately. An exhausted budget dead-letters the source.
func runStage[T any](ctx context.Context, p *Pipeline, src Source, stage string, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
		delay   = p.cfg.RetryBase
	)

	for attempt := 0; attempt <= p.cfg.MaxStageRetries; attempt++ {
		start := time.Now()
		out, err := fn(ctx)
		elapsed := time.Since(start)

		if err == nil {
			_ = p.logs.RecordAttempt(ctx, src.ID, stage, "", attempt, elapsed)
			return out, nil
		}
		lastErr = err
		_ = p.logs.RecordAttempt(ctx, src.ID, stage, fault.KindOf(err).String(), attempt, elapsed)

		if !fault.Retryable(err) {
			_ = p.logs.DeadLetter(ctx, src, stage, err.Error(), attempt+1)
			return zero, err
		}
		if attempt == p.cfg.MaxStageRetries {
			break
		}

		p.logger.Debug("retrying stage",
			"source", src.ID, "stage", stage, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return zero, fault.Transient(fmt.Errorf("canceled during %s retry: %w", stage, ctx.Err()))
		case <-time.After(delay):
			delay = min(delay*2, p.cfg.RetryMax)
		}
	}

	err := fault.Transient(fmt.Errorf("%s exhausted %d retries: %w", stage, p.cfg.MaxStageRetries, lastErr))
	_ = p.logs.DeadLetter(ctx, src, stage, err.Error(), p.cfg.MaxStageRetries+1)
	return zero, err
}
