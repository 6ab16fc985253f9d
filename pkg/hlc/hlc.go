// Package hlc implements the hybrid logical clock used to order CRDT
// actions within and across deltas (spec §3 "Hybrid Logical Clock").
package hlc

import (
	"sync"
	"time"
)

// Clock is a 64-bit hybrid logical timestamp:
// (physical_seconds << 32) | logical_counter.
type Clock uint64

const logicalMask = 0xFFFFFFFF

// New builds a Clock from a physical second count and a logical counter.
func New(physicalSeconds uint64, logical uint32) Clock {
	return Clock(physicalSeconds<<32) | Clock(logical)
}

// Physical returns the wall-clock seconds-since-epoch component.
func (c Clock) Physical() uint64 {
	return uint64(c) >> 32
}

// Logical returns the tie-breaking counter component.
func (c Clock) Logical() uint32 {
	return uint32(uint64(c) & logicalMask)
}

// Compare returns -1, 0, or 1 comparing c to other.
func (c Clock) Compare(other Clock) int {
	switch {
	case c < other:
		return -1
	case c > other:
		return 1
	default:
		return 0
	}
}

// After reports whether c is strictly later than other.
func (c Clock) After(other Clock) bool {
	return c > other
}

// Generator produces monotonically increasing Clock values for a single
// node, advancing the logical counter when the wall clock does not move
// forward and merging in remote timestamps on receipt (the HLC "tick"
// operation).
type Generator struct {
	mu   sync.Mutex
	last Clock
	now  func() time.Time
}

// NewGenerator creates a Generator using the real wall clock.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// NewGeneratorWithClock creates a Generator using a custom time source,
// primarily for deterministic tests.
func NewGeneratorWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Now advances and returns the local clock for a local event.
func (g *Generator) Now() Clock {
	g.mu.Lock()
	defer g.mu.Unlock()

	phys := uint64(g.now().Unix())
	if phys > g.last.Physical() {
		g.last = New(phys, 0)
	} else {
		g.last = New(g.last.Physical(), g.last.Logical()+1)
	}
	return g.last
}

// Tick merges a remote timestamp into the local clock, implementing the
// standard HLC receive rule: the new clock's physical component is the max
// of the three physical times observed, and the logical counter resets to
// zero unless two or more of the physical times tie, in which case it
// advances past whichever tied counter is larger.
func (g *Generator) Tick(remote Clock) Clock {
	g.mu.Lock()
	defer g.mu.Unlock()

	phys := uint64(g.now().Unix())
	localPhys, localLog := g.last.Physical(), g.last.Logical()
	remotePhys, remoteLog := remote.Physical(), remote.Logical()

	switch {
	case phys > localPhys && phys > remotePhys:
		g.last = New(phys, 0)
	case localPhys == remotePhys:
		if localLog > remoteLog {
			g.last = New(localPhys, localLog+1)
		} else {
			g.last = New(remotePhys, remoteLog+1)
		}
	case localPhys > remotePhys:
		g.last = New(localPhys, localLog+1)
	default:
		g.last = New(remotePhys, remoteLog+1)
	}
	return g.last
}
