package stt

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// SimulationRecognizer never fails: it answers every non-empty batch with one
// token drawn from a fixed vocabulary. It is the terminal tier of a chain.
type SimulationRecognizer struct {
	mu         sync.Mutex
	rng        *rand.Rand
	vocabulary []string
}

// NewSimulationRecognizer seeds the token source with seed, or with the clock
// when seed is zero.
func NewSimulationRecognizer(vocabulary []string, seed int64) *SimulationRecognizer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if len(vocabulary) == 0 {
		vocabulary = []string{"hello"}
	}
	return &SimulationRecognizer{
		rng:        rand.New(rand.NewSource(seed)),
		vocabulary: append([]string(nil), vocabulary...),
	}
}

func (s *SimulationRecognizer) Transcribe(_ context.Context, a Audio) (Result, error) {
	if len(a.Data) == 0 {
		return Result{}, nil
	}
	s.mu.Lock()
	word := s.vocabulary[s.rng.Intn(len(s.vocabulary))]
	s.mu.Unlock()
	return Result{Text: word}, nil
}
