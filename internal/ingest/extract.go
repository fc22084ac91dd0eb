package ingest

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/fixwise/fixwise/internal/fault"
)

// Extraction quality gates. Below either threshold the content is
// treated as garbage (binary, mojibake, scanned text) and the source
// fails validation rather than polluting the store.
const (
	minPrintableRatio = 0.85
	minWordlikeRatio  = 0.60
	minExtractedWords = 40
)

// Section is one structural unit of extracted text: a heading or a
// paragraph block.
type Section struct {
	Title string
	Level int
	Text  string
	Type  string // "heading" or "paragraph"
}

// Document is the output of the extraction stage.
type Document struct {
	Source   Source
	Title    string
	Sections []Section
}

// WordCount counts the whitespace-separated tokens in the document body.
func (d *Document) WordCount() int {
	n := 0
	for _, s := range d.Sections {
		n += len(strings.Fields(s.Text))
	}
	return n
}

// Extract turns raw bytes into a structured Document and applies the
// quality gates. A failed gate is a validation failure: retrying will
// not make garbage readable.
func Extract(raw *RawDocument) (*Document, error) {
	var (
		title    string
		sections []Section
		err      error
	)
	switch {
	case strings.Contains(raw.ContentType, "html"):
		title, sections, err = extractHTML(raw.Body)
	case strings.Contains(raw.ContentType, "markdown"):
		title, sections = extractMarkdown(string(raw.Body))
	default:
		title, sections = extractPlain(string(raw.Body))
	}
	if err != nil {
		return nil, err
	}

	doc := &Document{Source: raw.Source, Title: title, Sections: sections}
	if err := checkQuality(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// extractHTML pulls readable text out of an HTML page, skipping
// script/style/nav chrome. Headings become heading sections; everything
// else becomes paragraph sections.
func extractHTML(body []byte) (string, []Section, error) {
	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", nil, fault.Validation(fmt.Errorf("parsing html: %w", err))
	}

	title := strings.TrimSpace(dom.Find("title").First().Text())
	dom.Find("script, style, nav, header, footer, aside, noscript").Remove()

	var sections []Section
	dom.Find("h1, h2, h3, h4, h5, h6, p, li, pre, td").Each(func(_ int, sel *goquery.Selection) {
		text := normalizeWhitespace(sel.Text())
		if text == "" {
			return
		}
		node := goquery.NodeName(sel)
		if len(node) == 2 && node[0] == 'h' {
			level := int(node[1] - '0')
			if title == "" && level == 1 {
				title = text
			}
			sections = append(sections, Section{Title: text, Level: level, Text: text, Type: "heading"})
			return
		}
		sections = append(sections, Section{Text: text, Type: "paragraph"})
	})

	if title == "" && len(sections) > 0 {
		title = firstLine(sections[0].Text)
	}
	return title, sections, nil
}

// extractMarkdown splits on ATX headings and blank lines.
func extractMarkdown(body string) (string, []Section) {
	var (
		title    string
		sections []Section
		current  strings.Builder
	)
	flush := func() {
		text := strings.TrimSpace(current.String())
		if text != "" {
			sections = append(sections, Section{Text: text, Type: "paragraph"})
		}
		current.Reset()
	}

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			flush()
			level := 0
			for _, ch := range trimmed {
				if ch != '#' {
					break
				}
				level++
			}
			if level > 6 {
				level = 6
			}
			heading := strings.TrimSpace(strings.Trim(trimmed, "# "))
			if heading != "" {
				if title == "" {
					title = heading
				}
				sections = append(sections, Section{Title: heading, Level: level, Text: heading, Type: "heading"})
			}
			continue
		}
		if trimmed == "" {
			flush()
			continue
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(trimmed)
	}
	flush()

	if title == "" && len(sections) > 0 {
		title = firstLine(sections[0].Text)
	}
	return title, sections
}

// extractPlain treats blank lines as paragraph breaks and the first
// line as the title.
func extractPlain(body string) (string, []Section) {
	var sections []Section
	for _, para := range strings.Split(body, "\n\n") {
		text := normalizeWhitespace(para)
		if text != "" {
			sections = append(sections, Section{Text: text, Type: "paragraph"})
		}
	}
	title := ""
	if len(sections) > 0 {
		title = firstLine(sections[0].Text)
	}
	return title, sections
}

func checkQuality(doc *Document) error {
	var b strings.Builder
	for _, s := range doc.Sections {
		b.WriteString(s.Text)
		b.WriteByte('\n')
	}
	text := b.String()

	if n := len(strings.Fields(text)); n < minExtractedWords {
		return fault.Validation(fmt.Errorf(
			"source %q: only %d words extracted, need %d", doc.Source.ID, n, minExtractedWords))
	}
	if r := printableRatio(text); r < minPrintableRatio {
		return fault.Validation(fmt.Errorf(
			"source %q: printable ratio %.2f below %.2f", doc.Source.ID, r, minPrintableRatio))
	}
	if r := wordlikeRatio(text); r < minWordlikeRatio {
		return fault.Validation(fmt.Errorf(
			"source %q: wordlike ratio %.2f below %.2f", doc.Source.ID, r, minWordlikeRatio))
	}
	return nil
}

// printableRatio returns the ratio of printable characters in text.
// Private Use Area runes, U+FFFD and non-whitespace control characters
// count as garbage.
func printableRatio(text string) float64 {
	if len(text) == 0 {
		return 1.0
	}
	total, printable := 0, 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	return float64(printable) / float64(total)
}

func isGarbageRune(r rune) bool {
	if r >= 0xE000 && r <= 0xF8FF {
		return true
	}
	if r == 0xFFFD {
		return true
	}
	if r < 0x0020 && r != '\n' && r != '\r' && r != '\t' {
		return true
	}
	return false
}

// wordlikeRatio returns the ratio of tokens with a plausible word
// length (2-15 runes) to total tokens.
func wordlikeRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	wordlike := 0
	for _, f := range fields {
		if n := len([]rune(f)); n >= 2 && n <= 15 {
			wordlike++
		}
	}
	return float64(wordlike) / float64(len(fields))
}

func normalizeWhitespace(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		} else {
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	text = strings.TrimSpace(text)
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
