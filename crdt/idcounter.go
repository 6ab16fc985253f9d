package crdt

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// IDCounter is an operation-based increment/decrement counter CRDT, merged
// state-wise like PNCounter but driven through discrete Operation values so
// it can be replayed from a delta's action log (spec §3 "Counter",
// §4.1 op-log replay).
type IDCounter struct {
	actor ids.ID
	mu    sync.RWMutex
	p     map[ids.ID]int64
	n     map[ids.ID]int64
}

// NewIDCounter creates an empty IDCounter for the given actor.
func NewIDCounter(actor ids.ID) *IDCounter {
	return &IDCounter{
		actor: actor,
		p:     make(map[ids.ID]int64),
		n:     make(map[ids.ID]int64),
	}
}

// Type returns the CRDT type tag.
func (c *IDCounter) Type() CRDTType { return TypeIDCounter }

// Increment increases this actor's positive contribution by by (by must be > 0).
func (c *IDCounter) Increment(by int64) {
	if by <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.p[c.actor] += by
}

// Decrement increases this actor's negative contribution by by (by must be > 0).
func (c *IDCounter) Decrement(by int64) {
	if by <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[c.actor] += by
}

// Value returns sum(p) - sum(n) as an int64.
func (c *IDCounter) Value() any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sumP, sumN int64
	for _, v := range c.p {
		sumP += v
	}
	for _, v := range c.n {
		sumN += v
	}
	return sumP - sumN
}

// ApplyOperation replays a single increment/decrement Operation, the shape
// a delta action carries for this CRDT type on the wire.
func (c *IDCounter) ApplyOperation(op Operation) error {
	value, ok := toInt64(op.Value)
	if !ok {
		return fmt.Errorf("idcounter: invalid value type for %s: %T", op.Type, op.Value)
	}
	switch op.Type {
	case "increment":
		c.Increment(value)
		return nil
	case "decrement":
		c.Decrement(value)
		return nil
	default:
		return fmt.Errorf("idcounter: unknown operation type: %s", op.Type)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Merge takes the per-actor maximum of both the positive and negative maps.
func (c *IDCounter) Merge(other CRDT) error {
	o, ok := other.(*IDCounter)
	if !ok {
		return incompatibleTypeErr(TypeIDCounter, other)
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

type idCounterWire struct {
	Type CRDTType         `json:"type"`
	P    map[string]int64 `json:"p"`
	N    map[string]int64 `json:"n"`
}

// Marshal serializes the IDCounter to JSON.
func (c *IDCounter) Marshal() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	wire := idCounterWire{
		Type: TypeIDCounter,
		P:    make(map[string]int64, len(c.p)),
		N:    make(map[string]int64, len(c.n)),
	}
	for actor, v := range c.p {
		wire.P[actor.Base58()] = v
	}
	for actor, v := range c.n {
		wire.N[actor.Base58()] = v
	}
	return json.Marshal(wire)
}

// Unmarshal deserializes the IDCounter from JSON, replacing current state.
func (c *IDCounter) Unmarshal(data []byte) error {
	var wire idCounterWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != TypeIDCounter {
		return incompatibleTypeErr(TypeIDCounter, wire.Type)
	}

	p := make(map[ids.ID]int64, len(wire.P))
	for actorStr, v := range wire.P {
		actor, err := ids.ParseBase58(actorStr)
		if err != nil {
			return err
		}
		p[actor] = v
	}
	n := make(map[ids.ID]int64, len(wire.N))
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
