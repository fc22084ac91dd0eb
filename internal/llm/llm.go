// Package llm provides the text-completion client used by atom
// generation and the intent-classification fallback.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/fixwise/fixwise/internal/fault"
)

// maxResponseBytes limits completion size before any JSON parsing (64 KB).
const maxResponseBytes = 64 * 1024

// Completer produces a text completion for a prompt. Implementations
// must be safe for concurrent use.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// RetryConfig configures retry behavior for completion calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// GenkitCompleter is the production Completer backed by Genkit.
//
// Each attempt consumes one rate-limiter token, so retries of a
// throttled call cannot themselves amplify the throttling.
type GenkitCompleter struct {
	g         *genkit.Genkit
	modelName string
	timeout   time.Duration
	limiter   *rate.Limiter
	retry     RetryConfig
	logger    *slog.Logger
}

// NewGenkitCompleter creates a completion client. limiter may be nil to
// disable proactive rate limiting (tests).
func NewGenkitCompleter(g *genkit.Genkit, modelName string, timeout time.Duration, limiter *rate.Limiter, retry RetryConfig, logger *slog.Logger) (*GenkitCompleter, error) {
	if g == nil {
		return nil, errors.New("genkit instance is required")
	}
	if modelName == "" {
		return nil, errors.New("model name is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retry.MaxRetries < 0 {
		retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GenkitCompleter{
		g:         g,
		modelName: modelName,
		timeout:   timeout,
		limiter:   limiter,
		retry:     retry,
		logger:    logger,
	}, nil
}

// Complete executes the prompt with exponential backoff on transient
// errors. Validation-class failures return immediately.
func (c *GenkitCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	delay := c.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", fault.Capacity(fmt.Errorf("completion rate limit wait: %w", err))
			}
		}

		text, err := c.generate(ctx, prompt)
		if err == nil {
			c.logger.Debug("completion succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return text, nil
		}
		lastErr = err

		if !fault.Retryable(err) {
			return "", err
		}
		if attempt == c.retry.MaxRetries {
			break
		}

		c.logger.Debug("retrying completion",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return "", fault.Transient(fmt.Errorf("context canceled during retry: %w", ctx.Err()))
		case <-time.After(delay):
			delay = min(delay*2, c.retry.MaxInterval)
		}
	}

	return "", fault.Transient(fmt.Errorf("completion after %d retries (elapsed: %v): %w",
		c.retry.MaxRetries, time.Since(start), lastErr))
}

func (c *GenkitCompleter) generate(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := genkit.Generate(callCtx, c.g,
		ai.WithModelName(c.modelName),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fault.Transient(fmt.Errorf("completion timeout: %w", err))
		}
		if fault.Retryable(err) {
			return "", fault.Transient(fmt.Errorf("generating completion: %w", err))
		}
		return "", fault.Validation(fmt.Errorf("generating completion: %w", err))
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fault.Validation(errors.New("empty completion response"))
	}
	if len(text) > maxResponseBytes {
		return "", fault.Validation(fmt.Errorf("completion response too large: %d bytes", len(text)))
	}
	return text, nil
}

// StripCodeFences removes ```json ... ``` wrapping from LLM output.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

// Truncate shortens s to at most n bytes for logging.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
