package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// VectorDimension is the fixed dimensionality of every embedding in the
// store. gemini-embedding-001 truncates to this via OutputDimensionality;
// the pgvector schema declares vector(768).
const VectorDimension int32 = 768

// Atom categories. A category doubles as the domain filter key during
// filtered retrieval.
const (
	CategoryElectrical = "electrical"
	CategoryMechanical = "mechanical"
	CategoryHydraulic  = "hydraulic"
	CategoryControls   = "controls"
	CategorySafety     = "safety"
	CategoryGeneral    = "general"
)

// Difficulty levels.
const (
	DifficultyBeginner     = "beginner"
	DifficultyIntermediate = "intermediate"
	DifficultyAdvanced     = "advanced"
)

// Safety levels. SafetyHazardous atoms force collaborative routing.
const (
	SafetyInfo      = "info"
	SafetyCaution   = "caution"
	SafetyHazardous = "hazardous"
)

// Sentinel errors.
var (
	// ErrMissingCitation indicates an atom without a source reference.
	// Every atom carries at least one citation; this is an invariant,
	// not a preference.
	ErrMissingCitation = errors.New("atom has no citation")

	// ErrIncompleteAtom indicates an atom missing required text fields.
	ErrIncompleteAtom = errors.New("atom is incomplete")
)

// Citation points back into the source material an atom was derived from.
type Citation struct {
	SourceID string `json:"source_id"`
	// Locator identifies the position within the source, e.g. "chunk 3"
	// or "page 12".
	Locator string `json:"locator"`
}

// Atom is a single, self-contained unit of troubleshooting knowledge.
// Atoms are created by the ingestion pipeline and are read-only
// afterward except for explicit re-scoring.
type Atom struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary"`
	Body         string    `json:"body"`
	Category     string    `json:"category"`
	Difficulty   string    `json:"difficulty"`
	SafetyLevel  string    `json:"safety_level"`
	Keywords     []string  `json:"keywords"`
	Citation     Citation  `json:"citation"`
	QualityScore float64   `json:"quality_score"`
	Version      int32     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate enforces the atom invariants before storage.
func (a *Atom) Validate() error {
	if a.Citation.SourceID == "" {
		return ErrMissingCitation
	}
	if a.ID == "" || a.Title == "" || a.Body == "" {
		return fmt.Errorf("%w: id=%q title=%q body_len=%d",
			ErrIncompleteAtom, a.ID, a.Title, len(a.Body))
	}
	if a.QualityScore < 0 || a.QualityScore > 100 {
		return fmt.Errorf("%w: quality score %.1f out of range", ErrIncompleteAtom, a.QualityScore)
	}
	return nil
}

// Hit is a single search result with its relevance score.
type Hit struct {
	Atom  Atom
	Score float64
}

// AtomID derives the deterministic store key for a source chunk, so
// repeated ingestion runs upsert the same rows.
func AtomID(sourceID string, chunkIndex int) string {
	h := sha256.Sum256([]byte(sourceID + "#" + strconv.Itoa(chunkIndex)))
	return "atom_" + hex.EncodeToString(h[:16])
}
