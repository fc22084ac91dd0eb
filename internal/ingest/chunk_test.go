package ingest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixwise/fixwise/internal/fault"
)

var testChunkCfg = ChunkConfig{MinWords: 200, MaxWords: 400}

func docOf(sections ...Section) *Document {
	return &Document{Source: Source{ID: "src-1"}, Sections: sections}
}

func para(words int) Section {
	return Section{Text: filler(words), Type: "paragraph"}
}

func heading(title string) Section {
	return Section{Title: title, Level: 2, Text: title, Type: "heading"}
}

func wordCount(s string) int { return len(strings.Fields(s)) }

func TestSplitRespectsBounds(t *testing.T) {
	var sections []Section
	for i := 0; i < 12; i++ {
		sections = append(sections, para(150))
	}
	chunks, err := Split(docOf(sections...), testChunkCfg)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for i, c := range chunks {
		n := wordCount(c.Text)
		assert.LessOrEqual(t, n, testChunkCfg.MaxWords, "chunk %d too large", i)
		if i < len(chunks)-1 {
			assert.GreaterOrEqual(t, n, testChunkCfg.MinWords, "chunk %d too small", i)
		}
		assert.Equal(t, i, c.Index)
		assert.Equal(t, fmt.Sprintf("chunk %d", i), c.Locator)
	}
}

func TestSplitFiveHundredWordSource(t *testing.T) {
	// A ~500 word document yields one or two chunks, each in bounds.
	chunks, err := Split(docOf(para(250), para(250)), testChunkCfg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(chunks), 1)
	assert.LessOrEqual(t, len(chunks), 2)
	total := 0
	for _, c := range chunks {
		total += wordCount(c.Text)
	}
	assert.Equal(t, 500, total)
}

func TestSplitHeadingStartsNewChunk(t *testing.T) {
	chunks, err := Split(docOf(
		heading("Symptoms"), para(250),
		heading("Causes"), para(250),
	), testChunkCfg)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Symptoms", chunks[0].Heading)
	assert.Equal(t, "Causes", chunks[1].Heading)
}

func TestSplitFoldsTrailingFragment(t *testing.T) {
	chunks, err := Split(docOf(para(250), para(30)), testChunkCfg)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 280, wordCount(chunks[0].Text))
}

func TestSplitOversizedParagraph(t *testing.T) {
	chunks, err := Split(docOf(para(900)), testChunkCfg)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.LessOrEqual(t, wordCount(c.Text), testChunkCfg.MaxWords)
	}
}

func TestSplitEmptyDocument(t *testing.T) {
	_, err := Split(docOf(), testChunkCfg)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestSplitRejectsBadBounds(t *testing.T) {
	_, err := Split(docOf(para(100)), ChunkConfig{MinWords: 400, MaxWords: 200})
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}
