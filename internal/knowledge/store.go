package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/fixwise/fixwise/internal/fault"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// atomCols is the standard SELECT column list for scanAtoms.
const atomCols = `id, title, summary, body, category, difficulty, safety_level,
	keywords, source_id, source_locator, quality_score, version, created_at`

// upsertAtomSQL inserts an atom or updates it when the content actually
// changed. The WHERE clause on the conflict branch makes re-ingesting
// identical content a true no-op: same id, same row, version untouched.
const upsertAtomSQL = `INSERT INTO atoms
	(id, title, summary, body, category, difficulty, safety_level, keywords,
	 source_id, source_locator, quality_score, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO UPDATE SET
		title = EXCLUDED.title,
		summary = EXCLUDED.summary,
		body = EXCLUDED.body,
		category = EXCLUDED.category,
		difficulty = EXCLUDED.difficulty,
		safety_level = EXCLUDED.safety_level,
		keywords = EXCLUDED.keywords,
		source_locator = EXCLUDED.source_locator,
		quality_score = EXCLUDED.quality_score,
		embedding = EXCLUDED.embedding,
		version = atoms.version + 1
	WHERE (atoms.title, atoms.summary, atoms.body, atoms.quality_score)
	      IS DISTINCT FROM
	      (EXCLUDED.title, EXCLUDED.summary, EXCLUDED.body, EXCLUDED.quality_score)`

const semanticSearchSQL = `SELECT ` + atomCols + `,
	1 - (embedding <=> $1) AS similarity
	FROM atoms
	ORDER BY embedding <=> $1
	LIMIT $2`

const filteredSearchSQL = `SELECT ` + atomCols + `,
	1 - (embedding <=> $1) AS similarity
	FROM atoms
	WHERE category = $3
	ORDER BY embedding <=> $1
	LIMIT $2`

// keywordSearchSQL is the lexical fallback: full-text match over
// title/summary/body plus overlap with the stored keyword set.
// ts_rank_cd is normalized by document length (flag 32) so scores stay
// within [0, 1] like the cosine similarities from the vector stages.
const keywordSearchSQL = `SELECT ` + atomCols + `,
	ts_rank_cd(to_tsvector('english', title || ' ' || summary || ' ' || body),
	           plainto_tsquery('english', $1), 32) AS score
	FROM atoms
	WHERE to_tsvector('english', title || ' ' || summary || ' ' || body)
	      @@ plainto_tsquery('english', $1)
	   OR keywords && string_to_array(lower($1), ' ')
	ORDER BY score DESC
	LIMIT $2`

// Store persists knowledge atoms in PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines. Access goes
// through the injected bounded pool; callers translate pool pressure
// into degraded results, the store never queues unboundedly.
type Store struct {
	db     querier
	logger *slog.Logger
}

// NewStore creates a knowledge Store over a pgx pool (or transaction).
func NewStore(db querier, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Upsert writes an atom and its embedding under the atom's deterministic
// id. Re-running ingestion over unchanged content leaves the row as-is.
func (s *Store) Upsert(ctx context.Context, a Atom, embedding pgvector.Vector) error {
	if err := a.Validate(); err != nil {
		return fault.Validation(err)
	}
	_, err := s.db.Exec(ctx, upsertAtomSQL,
		a.ID, a.Title, a.Summary, a.Body, a.Category, a.Difficulty,
		a.SafetyLevel, a.Keywords, a.Citation.SourceID, a.Citation.Locator,
		a.QualityScore, embedding)
	if err != nil {
		return fault.Transient(fmt.Errorf("upserting atom %q: %w", a.ID, err))
	}
	s.logger.Debug("upserted atom", "id", a.ID, "category", a.Category,
		"quality", a.QualityScore)
	return nil
}

// SemanticSearch returns the topK nearest atoms by cosine similarity.
func (s *Store) SemanticSearch(ctx context.Context, query pgvector.Vector, topK int) ([]Hit, error) {
	rows, err := s.db.Query(ctx, semanticSearchSQL, query, topK)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("semantic search: %w", err))
	}
	return scanHits(rows)
}

// FilteredSearch is SemanticSearch restricted to one category, used when
// unrestricted semantic coverage came back thin.
func (s *Store) FilteredSearch(ctx context.Context, query pgvector.Vector, topK int, category string) ([]Hit, error) {
	rows, err := s.db.Query(ctx, filteredSearchSQL, query, topK, category)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("filtered search (category=%s): %w", category, err))
	}
	return scanHits(rows)
}

// KeywordSearch is the final lexical fallback over title, summary, body
// and the keyword set.
func (s *Store) KeywordSearch(ctx context.Context, query string, topK int) ([]Hit, error) {
	rows, err := s.db.Query(ctx, keywordSearchSQL, query, topK)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("keyword search: %w", err))
	}
	return scanHits(rows)
}

// Count returns the total number of stored atoms.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM atoms`).Scan(&n); err != nil {
		return 0, fault.Transient(fmt.Errorf("counting atoms: %w", err))
	}
	return n, nil
}

// Health checks store reachability with a short deadline.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fault.Transient(fmt.Errorf("store health check: %w", err))
	}
	return nil
}

// scanHits drains rows produced by any of the search queries, which all
// share the atomCols prefix plus a trailing score column.
func scanHits(rows pgx.Rows) ([]Hit, error) {
	defer rows.Close()
	var hits []Hit
	for rows.Next() {
		var h Hit
		err := rows.Scan(
			&h.Atom.ID, &h.Atom.Title, &h.Atom.Summary, &h.Atom.Body,
			&h.Atom.Category, &h.Atom.Difficulty, &h.Atom.SafetyLevel,
			&h.Atom.Keywords, &h.Atom.Citation.SourceID, &h.Atom.Citation.Locator,
			&h.Atom.QualityScore, &h.Atom.Version, &h.Atom.CreatedAt,
			&h.Score)
		if err != nil {
			return nil, fault.Transient(fmt.Errorf("scanning hit: %w", err))
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient(fmt.Errorf("iterating hits: %w", err))
	}
	return hits, nil
}
