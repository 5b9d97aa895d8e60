package tsc

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// RoundRobinStrategy cycles through alive nodes in order.
	RoundRobinStrategy = "round-robin"
	// RandomStrategy picks an alive node at random.
	RandomStrategy = "random"
	// StickyStrategy keeps using the same node until it leaves the rotation.
	StickyStrategy = "sticky"
)

// SelectionStrategy picks one node out of the current alive candidates. Candidates
// are always supplied in pool order and are never empty.
type SelectionStrategy interface {
	Next(candidates []*ConnectionHost) *ConnectionHost
}

// NewSelectionStrategy maps a configured strategy name to an implementation. An
// empty name selects round-robin.
func NewSelectionStrategy(name string) (SelectionStrategy, error) {

	switch name {
	case "", RoundRobinStrategy:
		return &roundRobinSelection{}, nil
	case RandomStrategy:
		return &randomSelection{
			random: rand.New(rand.NewSource(time.Now().UnixNano())),
		}, nil
	case StickyStrategy:
		return &stickySelection{}, nil
	default:
		return nil, &ConfigurationError{Reason: "unknown selection strategy " + name}
	}
}

type roundRobinSelection struct {
	cursor uint64
}

func (s *roundRobinSelection) Next(candidates []*ConnectionHost) *ConnectionHost {
	index := atomic.AddUint64(&s.cursor, 1)
	return candidates[(index-1)%uint64(len(candidates))]
}

type randomSelection struct {
	lock   sync.Mutex
	random *rand.Rand
}

func (s *randomSelection) Next(candidates []*ConnectionHost) *ConnectionHost {
	s.lock.Lock()
	defer s.lock.Unlock()
	return candidates[s.random.Intn(len(candidates))]
}

type stickySelection struct {
	lock    sync.Mutex
	current string
}

func (s *stickySelection) Next(candidates []*ConnectionHost) *ConnectionHost {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, candidate := range candidates {
		if candidate.Identity == s.current {
			return candidate
		}
	}

	// The node we were stuck to left the rotation, stick to a new one.
	s.current = candidates[0].Identity
	return candidates[0]
}
