package crdt

import (
	"encoding/json"
	"sync"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// GCounter is a grow-only counter CRDT: a per-actor map summed to produce
// the value, merged by taking the per-actor maximum (spec §3 "Counter").
type GCounter struct {
	actor ids.ID
	mu    sync.RWMutex
	counts map[ids.ID]uint64
}

// NewGCounter creates an empty GCounter for the given actor.
func NewGCounter(actor ids.ID) *GCounter {
	return &GCounter{
		actor:  actor,
		counts: make(map[ids.ID]uint64),
	}
}

// Type returns the CRDT type tag.
func (c *GCounter) Type() CRDTType { return TypeGCounter }

// Increment increases this actor's share of the counter by by. Values <= 0
// are ignored; a GCounter can only grow.
func (c *GCounter) Increment(by uint64) {
	if by == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[c.actor] += by
}

// Value returns the sum of all actors' contributions.
func (c *GCounter) Value() any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total uint64
	for _, v := range c.counts {
		total += v
	}
	return total
}

// Merge takes the per-actor maximum of this and other.
func (c *GCounter) Merge(other CRDT) error {
	o, ok := other.(*GCounter)
	if !ok {
		return incompatibleTypeErr(TypeGCounter, other)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	o.mu.RLock()
	defer o.mu.RUnlock()

	for actor, count := range o.counts {
		if count > c.counts[actor] {
			c.counts[actor] = count
		}
	}
	return nil
}

type gcounterWire struct {
	Type   CRDTType          `json:"type"`
	Counts map[string]uint64 `json:"counts"`
}

// Marshal serializes the GCounter to JSON.
func (c *GCounter) Marshal() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	wire := gcounterWire{Type: TypeGCounter, Counts: make(map[string]uint64, len(c.counts))}
	for actor, count := range c.counts {
		wire.Counts[actor.Base58()] = count
	}
	return json.Marshal(wire)
}

// Unmarshal deserializes the GCounter from JSON, replacing current state.
func (c *GCounter) Unmarshal(data []byte) error {
	var wire gcounterWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != TypeGCounter {
		return incompatibleTypeErr(TypeGCounter, wire.Type)
	}

	counts := make(map[ids.ID]uint64, len(wire.Counts))
	for actorStr, count := range wire.Counts {
		actor, err := ids.ParseBase58(actorStr)
		if err != nil {
			return err
		}
		counts[actor] = count
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = counts
	return nil
}
