package auth

import (
	"context"
	"sync"

	cliproxyexecutor "github.com/brightloom-dev/llmgateway/sdk/cliproxy/executor"
)

// RoundRobinSelector picks candidates least-recently used first, per
// provider. It is the default Selector: spec.md §4.3 calls for accounts
// within a provider to be chosen by simple LRU, independent of per-account
// rate limiting (which the caller applies separately before Execute).
type RoundRobinSelector struct {
	mu       sync.Mutex
	lastUsed map[string]int // auth ID -> monotonic use counter
	counter  int
}

// NewRoundRobinSelector builds an empty RoundRobinSelector.
func NewRoundRobinSelector() *RoundRobinSelector {
	return &RoundRobinSelector{lastUsed: make(map[string]int)}
}

// Pick returns the candidate used least recently (or never used).
func (s *RoundRobinSelector) Pick(ctx context.Context, provider, model string, opts cliproxyexecutor.Options, candidates []*Auth) (*Auth, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	best := candidates[0]
	bestUsed, ok := s.lastUsed[best.ID]
	if !ok {
		bestUsed = -1
	}
	for _, c := range candidates[1:] {
		used, ok := s.lastUsed[c.ID]
		if !ok {
			used = -1
		}
		if used < bestUsed {
			best, bestUsed = c, used
		}
	}

	s.counter++
	s.lastUsed[best.ID] = s.counter
	return best, nil
}
