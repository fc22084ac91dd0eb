package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"

	"github.com/pgvector/pgvector-go"

	"github.com/fixwise/fixwise/internal/knowledge"
)

// HashEmbedder produces deterministic unit vectors derived from the
// input text, so similar-text assertions stay stable across runs
// without any network calls.
//
// Thread-safe for concurrent use.
type HashEmbedder struct {
	mu       sync.Mutex
	err      error
	failures int
	fixed    map[string]pgvector.Vector
	calls    int
}

// NewHashEmbedder creates a HashEmbedder.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{fixed: make(map[string]pgvector.Vector)}
}

// SetVector pins the vector returned for an exact text.
func (e *HashEmbedder) SetVector(text string, vec pgvector.Vector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fixed[text] = vec
}

// FailWith makes every Embed call return err until cleared with nil.
func (e *HashEmbedder) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
	e.failures = -1
}

// FailNTimes makes the next n calls return err, then normal vectors.
func (e *HashEmbedder) FailNTimes(n int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
	e.failures = n
}

// Calls returns how many Embed calls were made.
func (e *HashEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Embed returns the deterministic vector for text.
func (e *HashEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if err := ctx.Err(); err != nil {
		return pgvector.Vector{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++

	if e.err != nil && e.failures != 0 {
		if e.failures > 0 {
			e.failures--
		}
		return pgvector.Vector{}, e.err
	}
	if vec, ok := e.fixed[text]; ok {
		return vec, nil
	}
	return DeterministicVector(text), nil
}

// DeterministicVector derives a unit vector of the store dimensionality
// from text via repeated hashing.
func DeterministicVector(text string) pgvector.Vector {
	dim := int(knowledge.VectorDimension)
	vals := make([]float32, dim)
	seed := sha256.Sum256([]byte(text))

	var norm float64
	for i := 0; i < dim; i += 8 {
		seed = sha256.Sum256(seed[:])
		for j := 0; j < 8 && i+j < dim; j++ {
			bits := binary.BigEndian.Uint32(seed[j*4 : j*4+4])
			v := float32(bits)/float32(math.MaxUint32)*2 - 1
			vals[i+j] = v
			norm += float64(v) * float64(v)
		}
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vals {
		vals[i] *= scale
	}
	return pgvector.NewVector(vals)
}
