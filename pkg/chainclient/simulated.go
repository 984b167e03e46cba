package chainclient

import (
	"context"
	"strings"
	"sync"

	"github.com/transfa/settlement-service/internal/domain"
)

const simulatedBaseBlock uint64 = 19_000_000

// Simulated stands in for a node during local development. Each hash stays
// unincluded for PendingTicks observations, then gains Step confirmations per
// observation. Hashes marked with MarkReverted fail as soon as they are included.
type Simulated struct {
	PendingTicks int
	Step         int

	mu       sync.Mutex
	seen     map[string]int
	reverted map[string]bool
}

func NewSimulated(pendingTicks, step int) *Simulated {
	if pendingTicks < 0 {
		pendingTicks = 0
	}
	if step <= 0 {
		step = 1
	}
	return &Simulated{
		PendingTicks: pendingTicks,
		Step:         step,
		seen:         make(map[string]int),
		reverted:     make(map[string]bool),
	}
}

func (s *Simulated) MarkReverted(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverted[strings.ToLower(hash)] = true
}

func (s *Simulated) Observe(ctx context.Context, hash string, chain domain.Chain) (domain.Observation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Observation{}, err
	}
	key := string(chain) + ":" + strings.ToLower(hash)

	s.mu.Lock()
	n := s.seen[key]
	s.seen[key] = n + 1
	reverted := s.reverted[strings.ToLower(hash)]
	s.mu.Unlock()

	if n < s.PendingTicks {
		return domain.Observation{}, nil
	}
	block := simulatedBaseBlock
	if reverted {
		return domain.Observation{Included: true, BlockNumber: &block, Reverted: true}, nil
	}
	return domain.Observation{
		Included:      true,
		Confirmations: (n - s.PendingTicks + 1) * s.Step,
		BlockNumber:   &block,
	}, nil
}
