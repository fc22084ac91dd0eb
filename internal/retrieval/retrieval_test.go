package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixwise/fixwise/internal/fault"
	"github.com/fixwise/fixwise/internal/knowledge"
	"github.com/fixwise/fixwise/internal/log"
	"github.com/fixwise/fixwise/internal/testutil"
)

var testCfg = Config{
	TopK:                8,
	StrongTopScore:      0.85,
	MidScore:            0.70,
	StrongMinCandidates: 3,
	AdequateTopScore:    0.65,
	ThinThreshold:       0.35,
}

// fakeSearcher returns canned hits per stage and records which stages ran.
type fakeSearcher struct {
	semantic    []knowledge.Hit
	filtered    []knowledge.Hit
	keyword     []knowledge.Hit
	semanticErr error
	filteredErr error
	keywordErr  error
	stagesRun   []string
}

func (f *fakeSearcher) SemanticSearch(_ context.Context, _ pgvector.Vector, _ int) ([]knowledge.Hit, error) {
	f.stagesRun = append(f.stagesRun, StageSemantic)
	return f.semantic, f.semanticErr
}

func (f *fakeSearcher) FilteredSearch(_ context.Context, _ pgvector.Vector, _ int, _ string) ([]knowledge.Hit, error) {
	f.stagesRun = append(f.stagesRun, StageFiltered)
	return f.filtered, f.filteredErr
}

func (f *fakeSearcher) KeywordSearch(_ context.Context, _ string, _ int) ([]knowledge.Hit, error) {
	f.stagesRun = append(f.stagesRun, StageKeyword)
	return f.keyword, f.keywordErr
}

func hitsWithScores(category string, scores ...float64) []knowledge.Hit {
	out := make([]knowledge.Hit, len(scores))
	for i, s := range scores {
		out[i] = knowledge.Hit{
			Atom:  knowledge.Atom{ID: knowledge.AtomID("src", i), Category: category},
			Score: s,
		}
	}
	return out
}

func newTestEngine(t *testing.T, store *fakeSearcher) *Engine {
	t.Helper()
	e, err := NewEngine(store, testutil.NewHashEmbedder(), testCfg, log.NewNop())
	require.NoError(t, err)
	return e
}

func TestSearchStrongCoverageStopsAtSemantic(t *testing.T) {
	store := &fakeSearcher{semantic: hitsWithScores("electrical", 0.92, 0.80, 0.74, 0.40)}
	res, err := newTestEngine(t, store).Search(context.Background(), "breaker trips", "electrical")
	require.NoError(t, err)

	assert.Equal(t, CoverageStrong, res.Coverage)
	assert.False(t, res.Degraded)
	assert.Equal(t, []string{StageSemantic}, store.stagesRun)
	for _, h := range res.Hits {
		assert.Equal(t, StageSemantic, h.Stage)
	}
}

func TestSearchHighTopAloneIsNotStrong(t *testing.T) {
	// One lucky match above the strong threshold but no corroboration.
	store := &fakeSearcher{semantic: hitsWithScores("electrical", 0.92, 0.40, 0.38)}
	res, err := newTestEngine(t, store).Search(context.Background(), "breaker trips", "")
	require.NoError(t, err)
	assert.Equal(t, CoverageAdequate, res.Coverage)
}

func TestSearchFallsThroughToFiltered(t *testing.T) {
	store := &fakeSearcher{
		semantic: hitsWithScores("general", 0.50, 0.40),
		filtered: hitsWithScores("hydraulic", 0.88, 0.80, 0.78),
	}
	res, err := newTestEngine(t, store).Search(context.Background(), "pump noise", "hydraulic")
	require.NoError(t, err)

	assert.Equal(t, CoverageStrong, res.Coverage)
	assert.Equal(t, []string{StageSemantic, StageFiltered}, store.stagesRun)
	assert.Equal(t, StageFiltered, res.Hits[0].Stage)
}

func TestSearchSkipsFilteredWithoutCategory(t *testing.T) {
	store := &fakeSearcher{semantic: hitsWithScores("general", 0.50)}
	_, err := newTestEngine(t, store).Search(context.Background(), "pump noise", "")
	require.NoError(t, err)
	assert.Equal(t, []string{StageSemantic, StageKeyword}, store.stagesRun)
}

func TestSearchKeywordLastResort(t *testing.T) {
	store := &fakeSearcher{keyword: hitsWithScores("mechanical", 0.45, 0.40)}
	res, err := newTestEngine(t, store).Search(context.Background(), "belt squeal", "mechanical")
	require.NoError(t, err)

	assert.Equal(t, CoverageThin, res.Coverage)
	assert.Equal(t, StageKeyword, res.Hits[0].Stage)
}

func TestSearchNoMatchesIsCoverageNone(t *testing.T) {
	store := &fakeSearcher{}
	res, err := newTestEngine(t, store).Search(context.Background(), "quantum flux capacitor", "")
	require.NoError(t, err)

	assert.Equal(t, CoverageNone, res.Coverage)
	assert.Empty(t, res.Hits)
	assert.False(t, res.Degraded)
}

func TestSearchBelowNoiseFloorIsNone(t *testing.T) {
	store := &fakeSearcher{semantic: hitsWithScores("general", 0.20, 0.10)}
	res, err := newTestEngine(t, store).Search(context.Background(), "anything", "")
	require.NoError(t, err)
	assert.Equal(t, CoverageNone, res.Coverage)
}

func TestSearchStoreDownDegradesInsteadOfErroring(t *testing.T) {
	storeErr := fault.Transient(errors.New("pool exhausted"))
	store := &fakeSearcher{semanticErr: storeErr, filteredErr: storeErr, keywordErr: storeErr}
	res, err := newTestEngine(t, store).Search(context.Background(), "pump noise", "hydraulic")
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	assert.Equal(t, CoverageNone, res.Coverage)
	assert.Empty(t, res.Hits)
}

func TestSearchEmbedderDownFallsBackToKeyword(t *testing.T) {
	store := &fakeSearcher{keyword: hitsWithScores("electrical", 0.70, 0.68)}
	emb := testutil.NewHashEmbedder()
	emb.FailWith(fault.Transient(errors.New("embedder down")))
	e, err := NewEngine(store, emb, testCfg, log.NewNop())
	require.NoError(t, err)

	res, err := e.Search(context.Background(), "breaker keeps tripping", "electrical")
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	assert.Equal(t, []string{StageKeyword}, store.stagesRun)
	assert.NotEmpty(t, res.Hits)
}

func TestCoverageMonotonicity(t *testing.T) {
	// Adding a higher-scoring candidate never lowers the classification.
	base := hitsWithScores("electrical", 0.66, 0.50)
	baseRank := classify(testCfg, base)

	better := append(hitsWithScores("electrical", 0.90, 0.75, 0.72), base...)
	assert.GreaterOrEqual(t, classify(testCfg, better), baseRank)

	ranks := []int{
		classify(testCfg, nil),
		classify(testCfg, hitsWithScores("electrical", 0.40)),
		classify(testCfg, hitsWithScores("electrical", 0.66)),
		classify(testCfg, hitsWithScores("electrical", 0.90, 0.80, 0.75)),
	}
	for i := 1; i < len(ranks); i++ {
		assert.Greater(t, ranks[i], ranks[i-1], "rank %d not above rank %d", i, i-1)
	}
}

func TestTopScore(t *testing.T) {
	res := &Result{}
	assert.Zero(t, res.TopScore())
	res.Hits = []Hit{{Score: 0.7}, {Score: 0.5}}
	assert.InDelta(t, 0.7, res.TopScore(), 0.001)
}
