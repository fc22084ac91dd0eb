package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAtom() Atom {
	return Atom{
		ID:          AtomID("manual-42", 0),
		Title:       "Resetting a tripped overload relay",
		Summary:     "Identify and reset a thermal overload trip.",
		Body:        "Press the blue reset button after the element cools. If it trips again, measure motor current.",
		Category:    CategoryElectrical,
		Difficulty:  DifficultyIntermediate,
		SafetyLevel: SafetyCaution,
		Keywords:    []string{"overload", "relay", "reset"},
		Citation:    Citation{SourceID: "manual-42", Locator: "chunk 0"},
	}
}

func TestAtomIDDeterministic(t *testing.T) {
	a := AtomID("manual-42", 3)
	b := AtomID("manual-42", 3)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "atom_"))
}

func TestAtomIDDistinguishesInputs(t *testing.T) {
	assert.NotEqual(t, AtomID("manual-42", 0), AtomID("manual-42", 1))
	assert.NotEqual(t, AtomID("manual-42", 0), AtomID("manual-43", 0))
	// The separator prevents ("a", 11) colliding with ("a1", 1).
	assert.NotEqual(t, AtomID("manual-4", 21), AtomID("manual-42", 1))
}

func TestAtomValidate(t *testing.T) {
	valid := validAtom()
	require.NoError(t, valid.Validate())

	t.Run("missing citation", func(t *testing.T) {
		a := validAtom()
		a.Citation.SourceID = ""
		assert.ErrorIs(t, a.Validate(), ErrMissingCitation)
	})

	t.Run("missing body", func(t *testing.T) {
		a := validAtom()
		a.Body = ""
		assert.ErrorIs(t, a.Validate(), ErrIncompleteAtom)
	})

	t.Run("quality out of range", func(t *testing.T) {
		a := validAtom()
		a.QualityScore = 101
		assert.ErrorIs(t, a.Validate(), ErrIncompleteAtom)
	})
}
