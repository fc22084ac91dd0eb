package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixwise/fixwise/internal/log"
	"github.com/fixwise/fixwise/internal/testutil"
)

func TestLogStoreSnapshot(t *testing.T) {
	tc, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	store, err := NewLogStore(tc.Pool, log.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.RecordAttempt(ctx, "src-1", StageAcquire, "", 0, 12*time.Millisecond))
	require.NoError(t, store.RecordAttempt(ctx, "src-1", StageEmbed, "transient_io", 0, 40*time.Millisecond))
	require.NoError(t, store.RecordAttempt(ctx, "src-1", StageEmbed, "transient_io", 1, 35*time.Millisecond))
	require.NoError(t, store.RecordAttempt(ctx, "src-2", StageExtract, "validation_failure", 0, 3*time.Millisecond))

	require.NoError(t, store.DeadLetter(ctx, Source{ID: "src-2", URI: "file:///b.md"},
		StageExtract, "content below extraction quality gates", 1))

	atom := goodAtom()
	require.NoError(t, store.QueueReview(ctx, atom, "quality 41.0 below floor 60.0"))

	st, err := store.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), st.AttemptsByStage[StageAcquire])
	assert.Equal(t, int64(2), st.AttemptsByStage[StageEmbed])
	assert.Equal(t, int64(1), st.AttemptsByStage[StageExtract])
	assert.Equal(t, int64(2), st.FailuresByClass["transient_io"])
	assert.Equal(t, int64(1), st.FailuresByClass["validation_failure"])
	assert.NotContains(t, st.FailuresByClass, "", "successes are not failures")
	assert.Equal(t, int64(1), st.DeadLetters)
	assert.Equal(t, int64(1), st.PendingReview)
}

func TestLogStoreDeadLetterUpsert(t *testing.T) {
	tc, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	store, err := NewLogStore(tc.Pool, log.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	src := Source{ID: "src-1", URI: "file:///a.md"}
	require.NoError(t, store.DeadLetter(ctx, src, StageEmbed, "embedding service unreachable", 3))
	// A later run dead-letters the same source at a different stage.
	require.NoError(t, store.DeadLetter(ctx, src, StageGenerate, "model returned non-JSON output", 3))

	st, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.DeadLetters, "one row per source, refreshed in place")

	var stage, reason string
	err = tc.Pool.QueryRow(ctx,
		`SELECT stage, reason FROM dead_letters WHERE source_id = $1`, src.ID).
		Scan(&stage, &reason)
	require.NoError(t, err)
	assert.Equal(t, StageGenerate, stage)
	assert.Equal(t, "model returned non-JSON output", reason)
}
