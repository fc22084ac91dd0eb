// Package fingerprint implements the dedup ledger: a stable content hash
// for every piece of source material ever ingested, keyed so identical
// content is recognized and skipped no matter which URI it arrived from.
package fingerprint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fixwise/fixwise/internal/fault"
)

// Ingestion status of a fingerprint. Terminal on ingested or failed
// (failed meaning dead-lettered, which a human resolves).
const (
	StatusPending  = "pending"
	StatusIngested = "ingested"
	StatusFailed   = "failed"
)

// Fingerprint records one distinct piece of source content.
type Fingerprint struct {
	ContentHash string
	SourceURI   string
	Status      string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Hash computes the stable content hash: SHA-256 over the normalized
// bytes (CRLF folded to LF, trailing whitespace stripped) so cosmetic
// re-encodings of the same document collapse to one fingerprint.
func Hash(raw []byte) string {
	norm := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	norm = bytes.TrimRight(norm, " \t\n")
	sum := sha256.Sum256(norm)
	return hex.EncodeToString(sum[:])
}

// Store is the PostgreSQL-backed ledger.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     querier
	logger *slog.Logger
}

// NewStore creates a fingerprint Store.
func NewStore(db querier, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Lookup returns the fingerprint for hash, or found=false when the
// content has never been seen.
func (s *Store) Lookup(ctx context.Context, hash string) (*Fingerprint, bool, error) {
	var fp Fingerprint
	err := s.db.QueryRow(ctx,
		`SELECT content_hash, source_uri, status, first_seen_at, last_seen_at
		 FROM fingerprints WHERE content_hash = $1`, hash).
		Scan(&fp.ContentHash, &fp.SourceURI, &fp.Status, &fp.FirstSeenAt, &fp.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fault.Transient(fmt.Errorf("looking up fingerprint: %w", err))
	}
	return &fp, true, nil
}

// MarkPending registers the first sighting of hash, or refreshes
// last_seen on a revisit. An already-ingested hash stays ingested: the
// upsert never downgrades a terminal status.
func (s *Store) MarkPending(ctx context.Context, hash, sourceURI string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO fingerprints (content_hash, source_uri, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (content_hash) DO UPDATE SET last_seen_at = now()`,
		hash, sourceURI, StatusPending)
	if err != nil {
		return fault.Transient(fmt.Errorf("marking fingerprint pending: %w", err))
	}
	return nil
}

// MarkIngested records successful ingestion of hash.
func (s *Store) MarkIngested(ctx context.Context, hash string) error {
	return s.setStatus(ctx, hash, StatusIngested)
}

// MarkFailed records that hash was dead-lettered.
func (s *Store) MarkFailed(ctx context.Context, hash string) error {
	return s.setStatus(ctx, hash, StatusFailed)
}

func (s *Store) setStatus(ctx context.Context, hash, status string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE fingerprints SET status = $2, last_seen_at = now() WHERE content_hash = $1`,
		hash, status)
	if err != nil {
		return fault.Transient(fmt.Errorf("updating fingerprint status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fault.Validation(fmt.Errorf("fingerprint %q not found", hash))
	}
	s.logger.Debug("fingerprint status updated", "hash", hash[:12], "status", status)
	return nil
}
