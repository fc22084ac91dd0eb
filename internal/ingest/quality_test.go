package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fixwise/fixwise/internal/knowledge"
)

func goodAtom() knowledge.Atom {
	return knowledge.Atom{
		ID:      knowledge.AtomID("manual-42", 0),
		Title:   "Resetting a tripped motor overload relay",
		Summary: "How to identify and safely reset a thermal overload trip on a motor starter.",
		Body: "A thermal overload trips when motor current exceeds the dial setting " +
			"long enough to heat the element. First, check the dial matches the motor " +
			"nameplate current. Step two: wait for the element to cool, then press the " +
			"reset button. If it trips again within minutes, measure the running current " +
			"on each phase and inspect the load for mechanical binding. Replace the " +
			"overload element if the trip current drifts from the dial setting.",
		Category:    knowledge.CategoryElectrical,
		Difficulty:  knowledge.DifficultyIntermediate,
		SafetyLevel: knowledge.SafetyCaution,
		Keywords:    []string{"overload", "relay", "motor", "reset"},
		Citation:    knowledge.Citation{SourceID: "manual-42", Locator: "chunk 0"},
	}
}

func TestHeuristicScorerRange(t *testing.T) {
	s := HeuristicScorer{}
	assert.GreaterOrEqual(t, s.Score(goodAtom()), 0.0)
	assert.LessOrEqual(t, s.Score(goodAtom()), 100.0)
	assert.GreaterOrEqual(t, s.Score(knowledge.Atom{}), 0.0)
}

func TestHeuristicScorerAcceptsSolidAtom(t *testing.T) {
	score := HeuristicScorer{}.Score(goodAtom())
	assert.GreaterOrEqual(t, score, 60.0, "a complete cited actionable atom clears the default floor")
}

func TestHeuristicScorerPunishesJunk(t *testing.T) {
	junk := knowledge.Atom{Title: "x", Body: "broken"}
	assert.Less(t, HeuristicScorer{}.Score(junk), 50.0, "an uncited fragment stays under the default floor")
}

func TestHeuristicScorerOrdersByQuality(t *testing.T) {
	s := HeuristicScorer{}

	uncited := goodAtom()
	uncited.Citation = knowledge.Citation{}
	uncited.Keywords = nil
	assert.Less(t, s.Score(uncited), s.Score(goodAtom()))

	hedged := goodAtom()
	hedged.Body = "It might be the relay, I think, but I'm not sure what trips it. Probably heat."
	assert.Less(t, s.Score(hedged), s.Score(goodAtom()))
}
