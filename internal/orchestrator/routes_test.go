package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fixwise/fixwise/internal/knowledge"
	"github.com/fixwise/fixwise/internal/retrieval"
)

var testThresholds = Thresholds{DirectAnswer: 0.8, Clarify: 0.5}

func resultWith(coverage retrieval.Coverage, scores ...float64) *retrieval.Result {
	hits := make([]retrieval.Hit, len(scores))
	for i, s := range scores {
		hits[i] = retrieval.Hit{
			Atom: knowledge.Atom{
				ID:          knowledge.AtomID("src", i),
				Category:    knowledge.CategoryElectrical,
				SafetyLevel: knowledge.SafetyCaution,
			},
			Score: s,
		}
	}
	return &retrieval.Result{Query: "q", Hits: hits, Coverage: coverage}
}

func TestDecideThresholds(t *testing.T) {
	tests := []struct {
		name string
		res  *retrieval.Result
		want Route
	}{
		{"high confidence strong coverage", resultWith(retrieval.CoverageStrong, 0.9, 0.85, 0.8), RouteDirect},
		{"mid confidence", resultWith(retrieval.CoverageAdequate, 0.6, 0.5), RouteCaveated},
		{"low confidence", resultWith(retrieval.CoverageThin, 0.3), RouteClarify},
		{"exact direct boundary", resultWith(retrieval.CoverageStrong, 0.8, 0.78, 0.75), RouteDirect},
		{"exact clarify boundary", resultWith(retrieval.CoverageAdequate, 0.5), RouteCaveated},
		{"just below clarify", resultWith(retrieval.CoverageThin, 0.49), RouteClarify},
		{"no hits", resultWith(retrieval.CoverageNone), RouteClarify},
		{"high confidence adequate coverage", resultWith(retrieval.CoverageAdequate, 0.9, 0.6), RouteDirect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decide(testThresholds, tt.res)
			assert.Equal(t, tt.want, d.Route)
			assert.NotEmpty(t, d.Trace)
		})
	}
}

func TestDecideHazardousForcesCollaborative(t *testing.T) {
	res := resultWith(retrieval.CoverageStrong, 0.95, 0.9, 0.88)
	res.Hits[1].Atom.SafetyLevel = knowledge.SafetyHazardous

	d := decide(testThresholds, res)
	assert.Equal(t, RouteCollaborative, d.Route)
	assert.True(t, d.SafetyCritical)
}

func TestDecideMultiDomainForcesCollaborative(t *testing.T) {
	res := resultWith(retrieval.CoverageStrong, 0.9, 0.88, 0.85)
	res.Hits[1].Atom.Category = knowledge.CategoryHydraulic

	d := decide(testThresholds, res)
	assert.Equal(t, RouteCollaborative, d.Route)
	assert.True(t, d.MultiDomain)
}

func TestDecideWeakTailDoesNotForceCollaborative(t *testing.T) {
	// A distant low-scoring hit from another domain is noise, not a
	// second domain.
	res := resultWith(retrieval.CoverageStrong, 0.9, 0.88, 0.85, 0.4)
	res.Hits[3].Atom.Category = knowledge.CategoryHydraulic

	d := decide(testThresholds, res)
	assert.Equal(t, RouteDirect, d.Route)
	assert.False(t, d.MultiDomain)
}

func TestDecideGeneralCategoryDoesNotVote(t *testing.T) {
	res := resultWith(retrieval.CoverageStrong, 0.9, 0.88, 0.85)
	res.Hits[1].Atom.Category = knowledge.CategoryGeneral

	d := decide(testThresholds, res)
	assert.Equal(t, RouteDirect, d.Route)
}
