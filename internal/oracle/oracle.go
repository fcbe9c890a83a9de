// Package oracle abstracts the visual question-answering capability the
// scorer consumes: an image region plus a prompt in, free text out. The real
// model runs behind an HTTP endpoint; a seedable random stub stands in for
// pipeline testing.
package oracle

import (
	"context"
	"math/rand"
	"sync"
)

// ImageRegion is one tile's pixel data, band-sequential row-major samples,
// three bands (RGB).
type ImageRegion struct {
	Width  int
	Height int
	Bands  [][]float64
}

// Oracle answers a free-text question about an image region.
type Oracle interface {
	Answer(ctx context.Context, img ImageRegion, prompt string, choices []string) (string, error)
}

// Random is a stub oracle returning a uniformly-random enumerated answer,
// occasionally an off-list one so traversal recovery paths get exercised.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand

	// OffListRate is the probability of answering outside the enumerated
	// choices, in [0,1]. Zero keeps every answer on the list.
	OffListRate float64
}

// NewRandom returns a stub oracle seeded for reproducibility.
func NewRandom(seed int64) *Random {
	return &Random{rng: rand.New(rand.NewSource(seed))}
}

// Answer picks a random choice.
func (r *Random) Answer(ctx context.Context, img ImageRegion, prompt string, choices []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.OffListRate > 0 && r.rng.Float64() < r.OffListRate {
		return "none of the above", nil
	}
	if len(choices) == 0 {
		return "", nil
	}
	return choices[r.rng.Intn(len(choices))], nil
}

// Scripted replays a fixed answer sequence; deterministic, for tests.
type Scripted struct {
	Answers []string

	mu    sync.Mutex
	Calls int
}

// Answer returns the next scripted answer, repeating the last one once the
// script runs out.
func (s *Scripted) Answer(ctx context.Context, img ImageRegion, prompt string, choices []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.Calls
	s.Calls++
	if i >= len(s.Answers) {
		if len(s.Answers) == 0 {
			return "", nil
		}
		i = len(s.Answers) - 1
	}
	return s.Answers[i], nil
}
