package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/fixwise/fixwise/internal/fault"
)

// Embedder wraps the external embedding service with the fixed output
// dimensionality, a per-call timeout and a shared rate limiter.
//
// The limiter is shared with the completion client so the two services
// draw from one budget; the ingestion worker-pool bound exists for the
// same reason.
type Embedder struct {
	client  ai.Embedder
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewEmbedder creates an Embedder. limiter may be nil to disable
// proactive rate limiting (tests).
func NewEmbedder(client ai.Embedder, timeout time.Duration, limiter *rate.Limiter, logger *slog.Logger) (*Embedder, error) {
	if client == nil {
		return nil, errors.New("embedding client is required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{client: client, timeout: timeout, limiter: limiter, logger: logger}, nil
}

// Embed generates the fixed-dimension vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return pgvector.Vector{}, fault.Capacity(fmt.Errorf("embed rate limit wait: %w", err))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	dim := VectorDimension
	resp, err := e.client.Embed(callCtx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return pgvector.Vector{}, fault.Transient(fmt.Errorf("embedding timeout: %w", err))
		}
		return pgvector.Vector{}, fault.Transient(fmt.Errorf("embedding text: %w", err))
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, fault.Transient(errors.New("empty embedding response"))
	}

	vec := resp.Embeddings[0].Embedding
	if int32(len(vec)) != VectorDimension {
		return pgvector.Vector{}, fault.Validation(fmt.Errorf(
			"embedder returned %d dimensions, store requires %d", len(vec), VectorDimension))
	}
	return pgvector.NewVector(vec), nil
}
