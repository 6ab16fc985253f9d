package crdt

import (
	"encoding/json"
	"sync"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// PNCounter is a positive-negative counter CRDT: two per-actor grow-only
// maps whose difference is the value (spec §3 "PN-counter variant").
type PNCounter struct {
	actor ids.ID
	mu    sync.RWMutex
	p     map[ids.ID]uint64
	n     map[ids.ID]uint64
}

// NewPNCounter creates an empty PNCounter for the given actor.
func NewPNCounter(actor ids.ID) *PNCounter {
	return &PNCounter{
		actor: actor,
		p:     make(map[ids.ID]uint64),
		n:     make(map[ids.ID]uint64),
	}
}

// Type returns the CRDT type tag.
func (c *PNCounter) Type() CRDTType { return TypePNCounter }

// Increment increases this actor's positive contribution by by.
func (c *PNCounter) Increment(by uint64) {
	if by == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.p[c.actor] += by
}

// Decrement increases this actor's negative contribution by by.
func (c *PNCounter) Decrement(by uint64) {
	if by == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[c.actor] += by
}

// Value returns sum(p) - sum(n).
func (c *PNCounter) Value() any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sumP, sumN int64
	for _, v := range c.p {
		sumP += int64(v)
	}
	for _, v := range c.n {
		sumN += int64(v)
	}
	return sumP - sumN
}

// Merge takes the per-actor maximum of both the positive and negative maps.
func (c *PNCounter) Merge(other CRDT) error {
	o, ok := other.(*PNCounter)
	if !ok {
		return incompatibleTypeErr(TypePNCounter, other)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	o.mu.RLock()
	defer o.mu.RUnlock()

	for actor, v := range o.p {
		if v > c.p[actor] {
			c.p[actor] = v
		}
	}
	for actor, v := range o.n {
		if v > c.n[actor] {
			c.n[actor] = v
		}
	}
	return nil
}

type pnCounterWire struct {
	Type CRDTType          `json:"type"`
	P    map[string]uint64 `json:"p"`
	N    map[string]uint64 `json:"n"`
}

// Marshal serializes the PNCounter to JSON.
func (c *PNCounter) Marshal() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	wire := pnCounterWire{
		Type: TypePNCounter,
		P:    make(map[string]uint64, len(c.p)),
		N:    make(map[string]uint64, len(c.n)),
	}
	for actor, v := range c.p {
		wire.P[actor.Base58()] = v
	}
	for actor, v := range c.n {
		wire.N[actor.Base58()] = v
	}
	return json.Marshal(wire)
}

// Unmarshal deserializes the PNCounter from JSON, replacing current state.
func (c *PNCounter) Unmarshal(data []byte) error {
	var wire pnCounterWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != TypePNCounter {
		return incompatibleTypeErr(TypePNCounter, wire.Type)
	}

	p := make(map[ids.ID]uint64, len(wire.P))
	for actorStr, v := range wire.P {
		actor, err := ids.ParseBase58(actorStr)
		if err != nil {
			return err
		}
		p[actor] = v
	}
	n := make(map[ids.ID]uint64, len(wire.N))
	for actorStr, v := range wire.N {
		actor, err := ids.ParseBase58(actorStr)
		if err != nil {
			return err
		}
		n[actor] = v
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.p = p
	c.n = n
	return nil
}
