package ingest

import (
	"fmt"
	"strings"

	"github.com/fixwise/fixwise/internal/fault"
)

// Chunk is one window of source text, sized for atom generation.
type Chunk struct {
	// Index is the chunk's position within its source, 0-based. The
	// (source id, index) pair is what citations and atom ids key on.
	Index int
	Text  string
	// Locator is the human-readable citation position, e.g. "chunk 3".
	Locator string
	// Heading is the nearest preceding heading, carried along as context
	// for the generation prompt.
	Heading string
}

// ChunkConfig bounds chunk sizes in words.
type ChunkConfig struct {
	MinWords int
	MaxWords int
}

// Split windows the document into chunks of MinWords..MaxWords words,
// preferring to cut at heading and paragraph boundaries. A heading
// always starts a new chunk once the current one has reached MinWords;
// a paragraph that would push the chunk past MaxWords is carried into
// the next chunk instead of being split mid-sentence.
func Split(doc *Document, cfg ChunkConfig) ([]Chunk, error) {
	if cfg.MinWords <= 0 || cfg.MaxWords <= cfg.MinWords {
		return nil, fault.Config(fmt.Errorf(
			"chunk bounds min=%d max=%d are invalid", cfg.MinWords, cfg.MaxWords))
	}

	var (
		chunks  []Chunk
		current []string
		words   int
		heading string
	)
	flush := func() {
		if words == 0 {
			return
		}
		idx := len(chunks)
		chunks = append(chunks, Chunk{
			Index:   idx,
			Text:    strings.Join(current, "\n\n"),
			Locator: fmt.Sprintf("chunk %d", idx),
			Heading: heading,
		})
		current = nil
		words = 0
	}

	for _, sec := range doc.Sections {
		if sec.Type == "heading" {
			if words >= cfg.MinWords {
				flush()
			}
			heading = sec.Title
			continue
		}

		n := len(strings.Fields(sec.Text))
		if n == 0 {
			continue
		}
		// Oversized paragraphs are split on word boundaries.
		if n > cfg.MaxWords {
			flush()
			for _, part := range splitWords(sec.Text, cfg.MaxWords) {
				current = append(current, part)
				words = len(strings.Fields(part))
				flush()
			}
			continue
		}
		if words+n > cfg.MaxWords && words >= cfg.MinWords {
			flush()
		}
		current = append(current, sec.Text)
		words += n
	}
	flush()

	// A trailing fragment below MinWords folds into its predecessor so
	// no undersized chunk reaches generation, unless that would push the
	// predecessor past MaxWords.
	if n := len(chunks); n >= 2 {
		last, prev := chunks[n-1], chunks[n-2]
		lastWords := len(strings.Fields(last.Text))
		prevWords := len(strings.Fields(prev.Text))
		if lastWords < cfg.MinWords && prevWords+lastWords <= cfg.MaxWords {
			chunks[n-2].Text += "\n\n" + last.Text
			chunks = chunks[:n-1]
		}
	}

	if len(chunks) == 0 {
		return nil, fault.Validation(fmt.Errorf("source %q produced no chunks", doc.Source.ID))
	}
	return chunks, nil
}

func splitWords(text string, maxWords int) []string {
	fields := strings.Fields(text)
	var parts []string
	for len(fields) > 0 {
		n := min(maxWords, len(fields))
		parts = append(parts, strings.Join(fields[:n], " "))
		fields = fields[n:]
	}
	return parts
}
