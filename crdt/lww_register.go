package crdt

import (
	"encoding/json"
	"sync"

	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
)

// LWWRegister is a last-write-wins register CRDT. Conflicting concurrent
// writes are resolved by the (hlc, actor) tuple, not by local wall-clock
// time, so every node resolves ties identically (spec §3 "LWW Register").
type LWWRegister struct {
	mu    sync.RWMutex
	actor ids.ID
	value any
	clock hlc.Clock
}

// NewLWWRegister creates an empty LWWRegister owned by actor.
func NewLWWRegister(actor ids.ID) *LWWRegister {
	return &LWWRegister{actor: actor}
}

// Type returns the CRDT type tag.
func (r *LWWRegister) Type() CRDTType { return TypeLWWRegister }

// Set assigns value at the given clock, becoming the register's author.
func (r *LWWRegister) Set(value any, at hlc.Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = value
	r.clock = at
}

// Get returns the current value and the clock it was written at.
func (r *LWWRegister) Get() (any, hlc.Clock) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.clock
}

// Value implements CRDT.
func (r *LWWRegister) Value() any {
	v, _ := r.Get()
	return v
}

// Merge keeps whichever of r/other has the larger (clock, actor) tuple.
func (r *LWWRegister) Merge(other CRDT) error {
	o, ok := other.(*LWWRegister)
	if !ok {
		return incompatibleTypeErr(TypeLWWRegister, other)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	o.mu.RLock()
	defer o.mu.RUnlock()

	if compareHLCActor(o.clock, o.actor, r.clock, r.actor) > 0 {
		r.value = o.value
		r.clock = o.clock
		r.actor = o.actor
	}
	return nil
}

type lwwWire struct {
	Type  CRDTType  `json:"type"`
	Actor string    `json:"actor"`
	Value any       `json:"value"`
	Clock hlc.Clock `json:"clock"`
}

// Marshal serializes the LWWRegister to JSON.
func (r *LWWRegister) Marshal() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.Marshal(lwwWire{Type: TypeLWWRegister, Actor: r.actor.Base58(), Value: r.value, Clock: r.clock})
}

// Unmarshal deserializes the LWWRegister from JSON, replacing current state.
func (r *LWWRegister) Unmarshal(data []byte) error {
	var wire lwwWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != TypeLWWRegister {
		return incompatibleTypeErr(TypeLWWRegister, wire.Type)
	}
	actor, err := ids.ParseBase58(wire.Actor)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.actor = actor
	r.value = wire.Value
	r.clock = wire.Clock
	return nil
}
