package session

import (
	"sync"

	"github.com/psaab/wgguard/pkg/profile"
)

// TransitionKey identifies a state change for counting.
type TransitionKey struct {
	From, To profile.Kind
}

// Stats are cumulative counters since start.
type Stats struct {
	Transitions     map[TransitionKey]uint64
	Drift           uint64
	GatewayFailures map[string]uint64 // by operation: up, down, status
	Alerts          uint64
}

type stats struct {
	mu sync.Mutex
	s  Stats
}

func (s *stats) init() {
	s.s = Stats{
		Transitions:     make(map[TransitionKey]uint64),
		GatewayFailures: make(map[string]uint64),
	}
}

func (s *stats) transition(from, to profile.Kind) {
	s.mu.Lock()
	s.s.Transitions[TransitionKey{from, to}]++
	s.mu.Unlock()
}

func (s *stats) drift() {
	s.mu.Lock()
	s.s.Drift++
	s.mu.Unlock()
}

func (s *stats) gatewayFailure(op string) {
	s.mu.Lock()
	s.s.GatewayFailures[op]++
	s.mu.Unlock()
}

func (s *stats) alert() {
	s.mu.Lock()
	s.s.Alerts++
	s.mu.Unlock()
}

// Stats returns a copy of the counters.
func (c *Controller) Stats() Stats {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	out := Stats{
		Transitions:     make(map[TransitionKey]uint64, len(c.stats.s.Transitions)),
		Drift:           c.stats.s.Drift,
		GatewayFailures: make(map[string]uint64, len(c.stats.s.GatewayFailures)),
		Alerts:          c.stats.s.Alerts,
	}
	for k, v := range c.stats.s.Transitions {
		out.Transitions[k] = v
	}
	for k, v := range c.stats.s.GatewayFailures {
		out.GatewayFailures[k] = v
	}
	return out
}
