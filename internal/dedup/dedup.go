// Package dedup provides an in-memory guard against reprocessing events
// that the chat platform delivers more than once.
package dedup

import "sync"

// Guard remembers recently seen event IDs so duplicate deliveries can be
// dropped before fan-out. Memory is bounded: when capacity is reached the
// older half of remembered IDs is evicted, so a duplicate arriving much
// later than the original may be processed again. That is acceptable
// because every downstream state transition is conditional.
type Guard struct {
	mu       sync.Mutex
	capacity int
	seen     map[int64]struct{}
	order    []int64
}

// NewGuard creates a Guard remembering up to capacity event IDs.
func NewGuard(capacity int) *Guard {
	if capacity < 2 {
		capacity = 2
	}
	return &Guard{
		capacity: capacity,
		seen:     make(map[int64]struct{}, capacity),
		order:    make([]int64, 0, capacity),
	}
}

// Seen records the event ID and reports whether it was already present.
func (g *Guard) Seen(eventID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seen[eventID]; ok {
		return true
	}

	if len(g.order) >= g.capacity {
		g.evictOldestHalf()
	}

	g.seen[eventID] = struct{}{}
	g.order = append(g.order, eventID)
	return false
}

// Len reports how many event IDs are currently remembered.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}

func (g *Guard) evictOldestHalf() {
	half := len(g.order) / 2
	for _, id := range g.order[:half] {
		delete(g.seen, id)
	}
	g.order = append(g.order[:0], g.order[half:]...)
}
