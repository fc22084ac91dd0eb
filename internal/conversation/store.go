package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fixwise/fixwise/internal/fault"
)

// Sentinel errors.
var (
	// ErrUnknownFlow indicates a flow type absent from the registry.
	ErrUnknownFlow = errors.New("unknown flow type")

	// ErrNoActiveFlow indicates no unexpired state for (user, flow).
	ErrNoActiveFlow = errors.New("no active flow")

	// ErrVersionConflict indicates a concurrent advance won the race.
	// The caller should re-read the state and present its prompt.
	ErrVersionConflict = errors.New("conversation state version conflict")

	// ErrInvalidInput indicates the answer failed the step's validation.
	ErrInvalidInput = errors.New("invalid input for current step")

	// ErrFlowCompleted indicates an advance against a finished flow.
	ErrFlowCompleted = errors.New("flow already completed")
)

// State is one user's progress through one flow.
type State struct {
	ID          uuid.UUID
	UserID      string
	FlowType    string
	CurrentStep int32
	Fields      map[string]string
	Completed   bool
	Version     int32
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

const stateCols = `id, user_id, flow_type, current_step, fields, completed,
	version, created_at, updated_at, expires_at`

// Store persists conversation states in PostgreSQL.
//
// Advance serializes per (user, flow) with a transaction-scoped
// advisory lock, so of two concurrent advances exactly one wins and
// the other observes the post-advance version.
type Store struct {
	pool   *pgxpool.Pool
	reg    *Registry
	ttl    time.Duration
	logger *slog.Logger
}

// NewStore creates a conversation Store.
func NewStore(pool *pgxpool.Pool, reg *Registry, ttl time.Duration, logger *slog.Logger) (*Store, error) {
	if pool == nil || reg == nil {
		return nil, errors.New("store requires pool and flow registry")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, reg: reg, ttl: ttl, logger: logger}, nil
}

// StartFlow begins (or restarts) flowType for userID and returns the
// new state plus the first step's prompt. An existing unfinished state
// is discarded, with a log line noting the abandonment.
func (s *Store) StartFlow(ctx context.Context, userID, flowType string) (*State, string, error) {
	flow, ok := s.reg.Lookup(flowType)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownFlow, flowType)
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversation_states WHERE user_id = $1 AND flow_type = $2`,
		userID, flowType)
	if err != nil {
		return nil, "", fault.Transient(fmt.Errorf("clearing prior flow state: %w", err))
	}
	if tag.RowsAffected() > 0 {
		s.logger.Info("abandoning prior flow state", "user", userID, "flow", flowType)
	}

	var st State
	err = s.pool.QueryRow(ctx,
		`INSERT INTO conversation_states (user_id, flow_type, fields, expires_at)
		 VALUES ($1, $2, '{}', $3)
		 RETURNING `+stateCols,
		userID, flowType, time.Now().Add(s.ttl)).
		Scan(scanDest(&st)...)
	if err != nil {
		return nil, "", fault.Transient(fmt.Errorf("creating flow state: %w", err))
	}
	return &st, flow.Steps[0].Prompt, nil
}

// Get returns the active (unexpired) state for (user, flow).
func (s *Store) Get(ctx context.Context, userID, flowType string) (*State, error) {
	var st State
	err := s.pool.QueryRow(ctx,
		`SELECT `+stateCols+` FROM conversation_states
		 WHERE user_id = $1 AND flow_type = $2 AND expires_at > now()`,
		userID, flowType).
		Scan(scanDest(&st)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveFlow
	}
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("loading flow state: %w", err))
	}
	return &st, nil
}

// Advance applies input to the current step and moves the flow forward.
// expectedVersion is the version the caller last observed; a mismatch
// returns ErrVersionConflict together with the current state so the
// caller can re-prompt from where the winner left things.
//
// On success it returns the updated state and the next prompt (empty
// once the flow completes). Every successful advance also extends the
// state's expiry.
func (s *Store) Advance(ctx context.Context, userID, flowType, input string, expectedVersion int32) (*State, string, error) {
	flow, ok := s.reg.Lookup(flowType)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownFlow, flowType)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, "", fault.Transient(fmt.Errorf("beginning advance: %w", err))
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent advances for this (user, flow). The lock
	// releases automatically at commit or rollback.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, userID+":"+flowType); err != nil {
		return nil, "", fault.Transient(fmt.Errorf("acquiring advance lock: %w", err))
	}

	var st State
	err = tx.QueryRow(ctx,
		`SELECT `+stateCols+` FROM conversation_states
		 WHERE user_id = $1 AND flow_type = $2 AND expires_at > now()
		 FOR UPDATE`,
		userID, flowType).
		Scan(scanDest(&st)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrNoActiveFlow
	}
	if err != nil {
		return nil, "", fault.Transient(fmt.Errorf("loading flow state for advance: %w", err))
	}

	if st.Completed {
		return &st, "", ErrFlowCompleted
	}
	if st.Version != expectedVersion {
		return &st, prompt(flow, st.CurrentStep), ErrVersionConflict
	}

	step := flow.Steps[st.CurrentStep]
	value, err := applyInput(step, input)
	if err != nil {
		return &st, step.Prompt, err
	}

	if st.Fields == nil {
		st.Fields = make(map[string]string, len(flow.Steps))
	}
	st.Fields[step.Field] = value
	st.CurrentStep++
	st.Completed = int(st.CurrentStep) >= len(flow.Steps)

	err = tx.QueryRow(ctx,
		`UPDATE conversation_states SET
			current_step = $3,
			fields = $4,
			completed = $5,
			version = version + 1,
			updated_at = now(),
			expires_at = $6
		 WHERE user_id = $1 AND flow_type = $2
		 RETURNING `+stateCols,
		userID, flowType, st.CurrentStep, st.Fields, st.Completed, time.Now().Add(s.ttl)).
		Scan(scanDest(&st)...)
	if err != nil {
		return nil, "", fault.Transient(fmt.Errorf("saving advanced state: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", fault.Transient(fmt.Errorf("committing advance: %w", err))
	}

	return &st, prompt(flow, st.CurrentStep), nil
}

// Touch extends the expiry of an active state without advancing it.
func (s *Store) Touch(ctx context.Context, userID, flowType string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversation_states SET expires_at = $3, updated_at = now()
		 WHERE user_id = $1 AND flow_type = $2 AND expires_at > now()`,
		userID, flowType, time.Now().Add(s.ttl))
	if err != nil {
		return fault.Transient(fmt.Errorf("touching flow state: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNoActiveFlow
	}
	return nil
}

// DeleteExpired removes states past their expiry. Returns the number
// of states swept.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversation_states WHERE expires_at <= now()`)
	if err != nil {
		return 0, fault.Transient(fmt.Errorf("sweeping expired states: %w", err))
	}
	return tag.RowsAffected(), nil
}

func applyInput(step Step, input string) (string, error) {
	input = strings.TrimSpace(input)
	if step.Optional && strings.EqualFold(input, "skip") {
		return "", nil
	}
	if input == "" {
		return "", fmt.Errorf("%w: empty answer for %q", ErrInvalidInput, step.Field)
	}
	if step.Validate != nil {
		if err := step.Validate(input); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return input, nil
}

func prompt(flow Flow, stepIdx int32) string {
	if int(stepIdx) >= len(flow.Steps) {
		return ""
	}
	return flow.Steps[stepIdx].Prompt
}

func scanDest(st *State) []any {
	return []any{
		&st.ID, &st.UserID, &st.FlowType, &st.CurrentStep, &st.Fields,
		&st.Completed, &st.Version, &st.CreatedAt, &st.UpdatedAt, &st.ExpiresAt,
	}
}
