package knowledge_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixwise/fixwise/internal/fault"
	"github.com/fixwise/fixwise/internal/knowledge"
	"github.com/fixwise/fixwise/internal/log"
	"github.com/fixwise/fixwise/internal/testutil"
)

func newTestStore(t *testing.T) *knowledge.Store {
	t.Helper()
	tc, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	store, err := knowledge.NewStore(tc.Pool, log.NewNop())
	require.NoError(t, err)
	return store
}

func storedAtom(sourceID string, idx int) knowledge.Atom {
	return knowledge.Atom{
		ID:           knowledge.AtomID(sourceID, idx),
		Title:        fmt.Sprintf("Procedure %d from %s", idx, sourceID),
		Summary:      "A short summary of the procedure.",
		Body:         "Check the supply voltage at the terminal block before replacing the contactor.",
		Category:     knowledge.CategoryElectrical,
		Difficulty:   knowledge.DifficultyIntermediate,
		SafetyLevel:  knowledge.SafetyCaution,
		Keywords:     []string{"contactor", "voltage"},
		Citation:     knowledge.Citation{SourceID: sourceID, Locator: fmt.Sprintf("chunk %d", idx)},
		QualityScore: 75,
	}
}

func TestStoreUpsertAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := storedAtom("manual-1", 0)
	vec := testutil.DeterministicVector(a.Body)

	t.Run("rejects invalid atom", func(t *testing.T) {
		bad := a
		bad.Citation.SourceID = ""
		err := store.Upsert(ctx, bad, vec)
		require.Error(t, err)
		assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	})

	t.Run("upsert is idempotent for identical content", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, a, vec))
		require.NoError(t, store.Upsert(ctx, a, vec))

		hits, err := store.SemanticSearch(ctx, vec, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, a.ID, hits[0].Atom.ID)
		assert.Equal(t, int32(1), hits[0].Atom.Version, "no-op rewrite must not bump the version")
		assert.InDelta(t, 1.0, hits[0].Score, 1e-4, "identical vectors have similarity 1")
	})

	t.Run("changed content bumps the version", func(t *testing.T) {
		changed := a
		changed.Body = a.Body + " Verify the coil resistance too."
		require.NoError(t, store.Upsert(ctx, changed, vec))

		hits, err := store.SemanticSearch(ctx, vec, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, int32(2), hits[0].Atom.Version)
		assert.Equal(t, changed.Body, hits[0].Atom.Body)
	})

	t.Run("count", func(t *testing.T) {
		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestStoreSearchStages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Three atoms with known geometry: "near" shares the query vector,
	// the other two are effectively orthogonal hash vectors.
	queryVec := testutil.DeterministicVector("breaker trips when the compressor starts")

	near := storedAtom("manual-1", 0)
	near.Title = "Breaker trips on compressor start"
	require.NoError(t, store.Upsert(ctx, near, queryVec))

	mech := storedAtom("manual-2", 0)
	mech.Title = "Replacing a worn drive belt"
	mech.Body = "Release the tensioner, slip the old belt off the pulleys and fit the new one."
	mech.Category = knowledge.CategoryMechanical
	mech.Keywords = []string{"belt", "tensioner"}
	require.NoError(t, store.Upsert(ctx, mech, testutil.DeterministicVector(mech.Body)))

	hyd := storedAtom("manual-3", 0)
	hyd.Title = "Hydraulic pump cavitation"
	hyd.Body = "A whining pump usually means cavitation. Check the suction strainer and fluid level."
	hyd.Category = knowledge.CategoryHydraulic
	hyd.Keywords = []string{"cavitation", "pump"}
	require.NoError(t, store.Upsert(ctx, hyd, testutil.DeterministicVector(hyd.Body)))

	t.Run("semantic orders by similarity", func(t *testing.T) {
		hits, err := store.SemanticSearch(ctx, queryVec, 3)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, near.ID, hits[0].Atom.ID)
		assert.Greater(t, hits[0].Score, hits[1].Score)
	})

	t.Run("filtered restricts to category", func(t *testing.T) {
		hits, err := store.FilteredSearch(ctx, queryVec, 3, knowledge.CategoryMechanical)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, mech.ID, hits[0].Atom.ID)
	})

	t.Run("keyword matches text", func(t *testing.T) {
		hits, err := store.KeywordSearch(ctx, "drive belt tensioner", 3)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, mech.ID, hits[0].Atom.ID)
	})

	t.Run("keyword matches stored keyword set", func(t *testing.T) {
		hits, err := store.KeywordSearch(ctx, "cavitation", 3)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, hyd.ID, hits[0].Atom.ID)
	})

	t.Run("keyword misses unrelated query", func(t *testing.T) {
		hits, err := store.KeywordSearch(ctx, "quantum flux capacitor", 3)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("health", func(t *testing.T) {
		assert.NoError(t, store.Health(ctx))
	})
}
