// Package ingest implements the pipeline that turns raw source material
// into stored knowledge atoms: acquire, extract, chunk, generate,
// validate, embed, store. Stages run strictly in order for any one
// source; distinct sources run concurrently on a bounded worker pool.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fixwise/fixwise/internal/fault"
)

// maxSourceBytes caps how much raw content a single source may carry (8 MB).
const maxSourceBytes = 8 * 1024 * 1024

// Source identifies one piece of material queued for ingestion.
type Source struct {
	// ID is the stable identifier used in citations, e.g. a slug or
	// document number. Must be unique per document, not per fetch.
	ID string
	// URI is where the content lives: http(s) URL or local file path.
	URI string
}

// RawDocument is the output of the acquisition stage.
type RawDocument struct {
	Source      Source
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// Fetcher acquires raw source content from http(s) URLs and local files.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a Fetcher with a bounded request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch retrieves the content behind src.URI. Network and 5xx failures
// are transient; 4xx and oversized bodies are validation failures.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (*RawDocument, error) {
	if src.ID == "" || src.URI == "" {
		return nil, fault.Validation(errors.New("source requires both id and uri"))
	}
	if strings.HasPrefix(src.URI, "http://") || strings.HasPrefix(src.URI, "https://") {
		return f.fetchHTTP(ctx, src)
	}
	return f.fetchFile(src)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, src Source) (*RawDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URI, nil)
	if err != nil {
		return nil, fault.Validation(fmt.Errorf("building request for %q: %w", src.URI, err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("fetching %q: %w", src.URI, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fault.Transient(fmt.Errorf("fetching %q: status %d", src.URI, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fault.Validation(fmt.Errorf("fetching %q: status %d", src.URI, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("reading body of %q: %w", src.URI, err))
	}
	if len(body) > maxSourceBytes {
		return nil, fault.Validation(fmt.Errorf("source %q exceeds %d bytes", src.ID, maxSourceBytes))
	}
	if len(body) == 0 {
		return nil, fault.Validation(fmt.Errorf("source %q is empty", src.ID))
	}

	return &RawDocument{
		Source:      src,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FetchedAt:   time.Now(),
	}, nil
}

func (f *Fetcher) fetchFile(src Source) (*RawDocument, error) {
	info, err := os.Stat(src.URI)
	if err != nil {
		return nil, fault.Validation(fmt.Errorf("source file %q: %w", src.URI, err))
	}
	if info.Size() > maxSourceBytes {
		return nil, fault.Validation(fmt.Errorf("source %q exceeds %d bytes", src.ID, maxSourceBytes))
	}
	body, err := os.ReadFile(src.URI)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("reading %q: %w", src.URI, err))
	}
	if len(body) == 0 {
		return nil, fault.Validation(fmt.Errorf("source %q is empty", src.ID))
	}
	return &RawDocument{
		Source:      src,
		ContentType: contentTypeForExt(filepath.Ext(src.URI)),
		Body:        body,
		FetchedAt:   time.Now(),
	}, nil
}

func contentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".html", ".htm":
		return "text/html"
	case ".md", ".markdown":
		return "text/markdown"
	default:
		return "text/plain"
	}
}
