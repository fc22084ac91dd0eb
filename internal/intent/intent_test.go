package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixwise/fixwise/internal/fault"
	"github.com/fixwise/fixwise/internal/knowledge"
	"github.com/fixwise/fixwise/internal/log"
	"github.com/fixwise/fixwise/internal/testutil"
)

func newTestClassifier(t *testing.T, fallback *testutil.ScriptedCompleter) *Classifier {
	t.Helper()
	var c *Classifier
	var err error
	if fallback == nil {
		c, err = NewClassifier(nil, log.NewNop())
	} else {
		c, err = NewClassifier(fallback, log.NewNop())
	}
	require.NoError(t, err)
	return c
}

func TestClassifyKeywords(t *testing.T) {
	c := newTestClassifier(t, nil)
	tests := []struct {
		text string
		want string
	}{
		{"the conveyor is broken again", IntentTroubleshoot},
		{"my pump won't start", IntentTroubleshoot},
		{"I need to register a new machine", IntentEquipmentIntake},
		{"what's the ingestion status?", IntentStatus},
		{"hello!", IntentGreeting},
		{"the weather is nice", IntentUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			cls := c.Classify(context.Background(), tt.text)
			assert.Equal(t, tt.want, cls.Intent)
			assert.False(t, cls.FromFallback)
		})
	}
}

func TestClassifyEmptyInput(t *testing.T) {
	c := newTestClassifier(t, nil)
	assert.Equal(t, IntentUnknown, c.Classify(context.Background(), "  ").Intent)
	assert.Equal(t, IntentUnknown, c.Classify(context.Background(), "!!! ???").Intent)
}

func TestClassifyDetectsCategory(t *testing.T) {
	c := newTestClassifier(t, nil)
	tests := []struct {
		text string
		want string
	}{
		{"the breaker keeps tripping", knowledge.CategoryElectrical},
		{"bearing noise on the main shaft", knowledge.CategoryMechanical},
		{"hydraulic pressure drops under load", knowledge.CategoryHydraulic},
		{"plc shows a sensor fault", knowledge.CategoryControls},
		{"lockout procedure for the press", knowledge.CategorySafety},
		{"it makes a weird sound", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(context.Background(), tt.text).Category)
		})
	}
}

func TestClassifyMoreMatchesWin(t *testing.T) {
	c := newTestClassifier(t, nil)
	// Two troubleshooting keywords against one greeting keyword.
	cls := c.Classify(context.Background(), "thanks, but the motor is stuck and overheating")
	assert.Equal(t, IntentTroubleshoot, cls.Intent)
	assert.GreaterOrEqual(t, len(cls.Matched), 2)
}

func TestClassifyFallbackToModel(t *testing.T) {
	fallback := testutil.NewScriptedCompleter("troubleshoot")
	c := newTestClassifier(t, fallback)

	cls := c.Classify(context.Background(), "the widget exhibits anomalous behavior")
	assert.Equal(t, IntentTroubleshoot, cls.Intent)
	assert.True(t, cls.FromFallback)
	assert.NotEmpty(t, fallback.Calls())
}

func TestClassifyFallbackFailureDegradesToUnknown(t *testing.T) {
	fallback := testutil.NewScriptedCompleter("")
	fallback.FailWith(fault.Transient(errors.New("model down")))
	c := newTestClassifier(t, fallback)

	cls := c.Classify(context.Background(), "the widget exhibits anomalous behavior")
	assert.Equal(t, IntentUnknown, cls.Intent)
	assert.False(t, cls.FromFallback)
}

func TestClassifyFallbackRejectsInventedLabels(t *testing.T) {
	fallback := testutil.NewScriptedCompleter("existential_crisis")
	c := newTestClassifier(t, fallback)

	cls := c.Classify(context.Background(), "the widget exhibits anomalous behavior")
	assert.Equal(t, IntentUnknown, cls.Intent)
}

func TestClassifyKeywordsNeverCallFallback(t *testing.T) {
	fallback := testutil.NewScriptedCompleter("greeting")
	c := newTestClassifier(t, fallback)

	cls := c.Classify(context.Background(), "the pump is leaking oil")
	assert.Equal(t, IntentTroubleshoot, cls.Intent)
	assert.Empty(t, fallback.Calls())
}

func TestDuplicateKeywordIsConfigError(t *testing.T) {
	rules := []rule{
		{IntentTroubleshoot, []string{"broken"}},
		{IntentStatus, []string{"broken"}},
	}
	_, err := newClassifier(rules, nil, log.NewNop())
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"won't", "start", "at", "5pm"}, tokenize("Won't START, at 5pm!"))
	assert.Empty(t, tokenize("¿¡"))
}
