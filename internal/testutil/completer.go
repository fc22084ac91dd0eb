// Package testutil provides deterministic fakes for the model-backed
// dependencies: a scripted completion client and a hash-based embedder.
package testutil

import (
	"context"
	"strings"
	"sync"
)

// ScriptedCompleter is a deterministic llm.Completer: prompts are
// matched against registered patterns (substring, case-insensitive,
// first match wins) and the paired response is returned.
//
// Thread-safe for concurrent use.
type ScriptedCompleter struct {
	mu       sync.Mutex
	rules    []scriptRule
	fallback string
	err      error
	failures int
	calls    []string
}

type scriptRule struct {
	pattern  string
	response string
}

// NewScriptedCompleter creates a completer returning fallback when no
// pattern matches.
func NewScriptedCompleter(fallback string) *ScriptedCompleter {
	return &ScriptedCompleter{fallback: fallback}
}

// AddResponse registers a pattern-response pair.
func (s *ScriptedCompleter) AddResponse(pattern, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, scriptRule{pattern: strings.ToLower(pattern), response: response})
}

// FailWith makes every Complete call return err until cleared with nil.
func (s *ScriptedCompleter) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.failures = -1
}

// FailNTimes makes the next n calls return err, then normal responses.
func (s *ScriptedCompleter) FailNTimes(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.failures = n
}

// Calls returns a copy of every prompt seen.
func (s *ScriptedCompleter) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(s.calls))
	copy(cp, s.calls)
	return cp
}

// Complete implements llm.Completer.
func (s *ScriptedCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, prompt)

	if s.err != nil && s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return "", s.err
	}

	lower := strings.ToLower(prompt)
	for _, r := range s.rules {
		if strings.Contains(lower, r.pattern) {
			return r.response, nil
		}
	}
	return s.fallback, nil
}
