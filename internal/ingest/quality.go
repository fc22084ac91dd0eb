package ingest

import (
	"strings"

	"github.com/fixwise/fixwise/internal/knowledge"
)

// Scorer assigns a 0-100 quality score to a candidate atom. The
// pipeline sends atoms below the configured floor to the review queue
// instead of the store.
type Scorer interface {
	Score(atom knowledge.Atom) float64
}

// Quality dimension weights. They sum to 1.0; the score is a weighted
// blend scaled to 0-100.
const (
	weightCompleteness = 0.30
	weightClarity      = 0.25
	weightEducational  = 0.20
	weightAttribution  = 0.15
	weightRisk         = 0.10
)

// hedgeMarkers flag language suggesting the model was guessing rather
// than distilling. Each occurrence costs accuracy-risk points.
var hedgeMarkers = []string{
	"probably", "might be", "i think", "i believe", "it seems",
	"not sure", "as an ai", "i cannot", "unclear",
}

// HeuristicScorer is the default Scorer: deterministic structural
// checks, no model call. Keeping validation off the LLM makes the
// stage cheap to retry and impossible to rate-limit.
type HeuristicScorer struct{}

// Score blends five dimensions into a 0-100 value.
func (HeuristicScorer) Score(a knowledge.Atom) float64 {
	score := weightCompleteness*completeness(a) +
		weightClarity*clarity(a) +
		weightEducational*educational(a) +
		weightAttribution*attribution(a) +
		weightRisk*accuracyRisk(a)
	return score * 100
}

// completeness checks the atom has substantive text in every field.
func completeness(a knowledge.Atom) float64 {
	s := 0.0
	if len(strings.Fields(a.Title)) >= 3 {
		s += 0.25
	}
	if len(strings.Fields(a.Summary)) >= 5 {
		s += 0.25
	}
	switch n := len(strings.Fields(a.Body)); {
	case n >= 40:
		s += 0.5
	case n >= 15:
		s += 0.3
	case n > 0:
		s += 0.1
	}
	return s
}

// clarity penalizes walls of text and run-on sentences.
func clarity(a knowledge.Atom) float64 {
	sentences := strings.FieldsFunc(a.Body, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	if len(sentences) == 0 {
		return 0
	}
	words := len(strings.Fields(a.Body))
	avg := float64(words) / float64(len(sentences))
	switch {
	case avg <= 25:
		return 1.0
	case avg <= 40:
		return 0.7
	default:
		return 0.3
	}
}

// educational rewards actionable structure: steps, conditions, symptoms.
func educational(a knowledge.Atom) float64 {
	body := strings.ToLower(a.Body)
	s := 0.4
	for _, marker := range []string{"step", "check", "verify", "if ", "replace", "inspect", "measure", "symptom", "cause"} {
		if strings.Contains(body, marker) {
			s += 0.1
		}
		if s >= 1.0 {
			return 1.0
		}
	}
	return s
}

// attribution checks the citation and keyword set are populated.
func attribution(a knowledge.Atom) float64 {
	s := 0.0
	if a.Citation.SourceID != "" {
		s += 0.5
	}
	if a.Citation.Locator != "" {
		s += 0.2
	}
	if len(a.Keywords) >= 3 {
		s += 0.3
	}
	return s
}

// accuracyRisk starts at full marks and loses points per hedge marker.
func accuracyRisk(a knowledge.Atom) float64 {
	text := strings.ToLower(a.Title + " " + a.Summary + " " + a.Body)
	s := 1.0
	for _, marker := range hedgeMarkers {
		if strings.Contains(text, marker) {
			s -= 0.25
		}
	}
	return max(s, 0)
}
