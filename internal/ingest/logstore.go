package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fixwise/fixwise/internal/fault"
	"github.com/fixwise/fixwise/internal/knowledge"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Status is the operational snapshot of the ingestion surface.
type Status struct {
	AttemptsByStage map[string]int64 `json:"attempts_by_stage"`
	FailuresByClass map[string]int64 `json:"failures_by_class"`
	DeadLetters     int64            `json:"dead_letters"`
	PendingReview   int64            `json:"pending_review"`
}

// LogStore records ingestion attempts, dead letters and review-queue
// entries.
//
// LogStore is safe for concurrent use by multiple goroutines.
type LogStore struct {
	db     querier
	logger *slog.Logger
}

// NewLogStore creates a LogStore.
func NewLogStore(db querier, logger *slog.Logger) (*LogStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogStore{db: db, logger: logger}, nil
}

// RecordAttempt logs one stage attempt. errClass is empty on success.
func (s *LogStore) RecordAttempt(ctx context.Context, sourceID, stage, errClass string, retry int, elapsed time.Duration) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO ingestion_log (source_id, stage, error_class, retry_count, duration_ms)
		 VALUES ($1, $2, $3, $4, $5)`,
		sourceID, stage, errClass, retry, elapsed.Milliseconds())
	if err != nil {
		return fault.Transient(fmt.Errorf("recording ingestion attempt: %w", err))
	}
	return nil
}

// DeadLetter parks a source that exhausted its retry budget. Upsert so
// re-queuing an already dead source refreshes the record instead of
// erroring.
func (s *LogStore) DeadLetter(ctx context.Context, src Source, stage, reason string, attempts int) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO dead_letters (source_id, source_uri, stage, reason, attempts)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (source_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			reason = EXCLUDED.reason,
			attempts = EXCLUDED.attempts,
			created_at = now()`,
		src.ID, src.URI, stage, reason, attempts)
	if err != nil {
		return fault.Transient(fmt.Errorf("dead-lettering %q: %w", src.ID, err))
	}
	s.logger.Warn("source dead-lettered",
		"source", src.ID, "stage", stage, "attempts", attempts, "reason", reason)
	return nil
}

// QueueReview holds an atom that failed the quality floor for a human
// to look at.
func (s *LogStore) QueueReview(ctx context.Context, atom knowledge.Atom, reason string) error {
	payload, err := json.Marshal(atom)
	if err != nil {
		return fault.Validation(fmt.Errorf("marshaling atom for review: %w", err))
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO review_queue (source_id, payload, reason) VALUES ($1, $2, $3)`,
		atom.Citation.SourceID, payload, reason)
	if err != nil {
		return fault.Transient(fmt.Errorf("queuing atom for review: %w", err))
	}
	s.logger.Info("atom queued for review",
		"atom", atom.ID, "source", atom.Citation.SourceID, "reason", reason)
	return nil
}

// Snapshot assembles the ingestion_status counters.
func (s *LogStore) Snapshot(ctx context.Context) (*Status, error) {
	st := &Status{
		AttemptsByStage: make(map[string]int64),
		FailuresByClass: make(map[string]int64),
	}

	rows, err := s.db.Query(ctx,
		`SELECT stage, count(*) FROM ingestion_log GROUP BY stage`)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("counting attempts: %w", err))
	}
	if err := scanCounts(rows, st.AttemptsByStage); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx,
		`SELECT error_class, count(*) FROM ingestion_log
		 WHERE error_class <> '' GROUP BY error_class`)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("counting failures: %w", err))
	}
	if err := scanCounts(rows, st.FailuresByClass); err != nil {
		return nil, err
	}

	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM dead_letters`).Scan(&st.DeadLetters); err != nil {
		return nil, fault.Transient(fmt.Errorf("counting dead letters: %w", err))
	}
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM review_queue`).Scan(&st.PendingReview); err != nil {
		return nil, fault.Transient(fmt.Errorf("counting review queue: %w", err))
	}
	return st, nil
}

func scanCounts(rows pgx.Rows, dst map[string]int64) error {
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fault.Transient(fmt.Errorf("scanning count row: %w", err))
		}
		dst[key] = n
	}
	if err := rows.Err(); err != nil {
		return fault.Transient(fmt.Errorf("iterating count rows: %w", err))
	}
	return nil
}
