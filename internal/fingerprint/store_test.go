package fingerprint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixwise/fixwise/internal/fault"
	"github.com/fixwise/fixwise/internal/log"
	"github.com/fixwise/fixwise/internal/testutil"
)

func TestHashNormalization(t *testing.T) {
	base := Hash([]byte("Reset the breaker.\nThen restart the pump.\n"))

	// Line-ending and trailing-whitespace variants collapse to one hash.
	assert.Equal(t, base, Hash([]byte("Reset the breaker.\r\nThen restart the pump.\r\n")))
	assert.Equal(t, base, Hash([]byte("Reset the breaker.\nThen restart the pump.")))
	assert.Equal(t, base, Hash([]byte("Reset the breaker.\nThen restart the pump. \t\n")))

	// Content changes do not.
	assert.NotEqual(t, base, Hash([]byte("Reset the breaker.\nThen restart the fan.\n")))
	// Interior whitespace is content.
	assert.NotEqual(t, base, Hash([]byte("Reset the breaker.\n\nThen restart the pump.\n")))
}

func TestStoreLedger(t *testing.T) {
	tc, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	store, err := NewStore(tc.Pool, log.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	hash := Hash([]byte("some manual content"))

	t.Run("unseen content", func(t *testing.T) {
		_, found, err := store.Lookup(ctx, hash)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("mark pending then ingested", func(t *testing.T) {
		require.NoError(t, store.MarkPending(ctx, hash, "file:///manuals/a.md"))

		fp, found, err := store.Lookup(ctx, hash)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, StatusPending, fp.Status)
		assert.Equal(t, "file:///manuals/a.md", fp.SourceURI)

		require.NoError(t, store.MarkIngested(ctx, hash))
		fp, _, err = store.Lookup(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, StatusIngested, fp.Status)
	})

	t.Run("revisit never downgrades a terminal status", func(t *testing.T) {
		before, _, err := store.Lookup(ctx, hash)
		require.NoError(t, err)

		// Same content arriving from a different URI.
		require.NoError(t, store.MarkPending(ctx, hash, "https://mirror.example/a.md"))

		after, _, err := store.Lookup(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, StatusIngested, after.Status)
		assert.Equal(t, before.SourceURI, after.SourceURI, "first sighting keeps its URI")
		assert.False(t, after.LastSeenAt.Before(before.LastSeenAt))
	})

	t.Run("mark failed", func(t *testing.T) {
		failed := Hash([]byte("content that never made it"))
		require.NoError(t, store.MarkPending(ctx, failed, "file:///manuals/b.md"))
		require.NoError(t, store.MarkFailed(ctx, failed))

		fp, _, err := store.Lookup(ctx, failed)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, fp.Status)
	})

	t.Run("status update requires an existing row", func(t *testing.T) {
		err := store.MarkIngested(ctx, Hash([]byte("never registered")))
		require.Error(t, err)
		assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	})
}
