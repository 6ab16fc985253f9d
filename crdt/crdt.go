// Package crdt implements the typed CRDT collections backing context
// storage: counters, registers, sets, maps, vectors, and a character-level
// sequence type, all merging commutatively, associatively, and idempotently
// (spec §3 "CRDT Entry Variants").
package crdt

import (
	"errors"
	"fmt"

	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
)

// CRDTType tags the convergent data type of a stored entry, used for
// merge-registry dispatch (crdt/merge) and wire encoding.
type CRDTType string

const (
	TypeGCounter     CRDTType = "gcounter"
	TypePNCounter    CRDTType = "pncounter"
	TypeLWWRegister  CRDTType = "lww"
	TypeORSet        CRDTType = "orset"
	TypeORMap        CRDTType = "ormap"
	TypeTwoPhaseSet  CRDTType = "2pset"
	TypeIDCounter    CRDTType = "idcounter"
	TypeVector       CRDTType = "vector"
	TypeRGA          CRDTType = "rga"
)

// CRDT is the interface every convergent data type in this package
// satisfies.
type CRDT interface {
	// Type returns the type tag of the CRDT, used for merge dispatch.
	Type() CRDTType

	// Value returns the current consolidated state of the CRDT.
	Value() any

	// Merge combines the state of another CRDT of the same type into this
	// one. Merge must be commutative, associative, and idempotent.
	Merge(other CRDT) error

	// Marshal serializes the CRDT to bytes.
	Marshal() ([]byte, error)

	// Unmarshal deserializes the CRDT from bytes, replacing current state.
	Unmarshal(data []byte) error
}

// Errors returned by CRDT implementations.
var (
	ErrIncompatibleTypes = errors.New("crdt: incompatible CRDT types")
	ErrUnknownCRDTType   = errors.New("crdt: unknown CRDT type")
)

// New constructs a zero-valued CRDT of the given type for the given actor.
func New(t CRDTType, actor ids.ID) (CRDT, error) {
	switch t {
	case TypeGCounter:
		return NewGCounter(actor), nil
	case TypePNCounter:
		return NewPNCounter(actor), nil
	case TypeLWWRegister:
		return NewLWWRegister(actor), nil
	case TypeORSet:
		return NewORSet(actor), nil
	case TypeORMap:
		return NewORMap(actor), nil
	case TypeTwoPhaseSet:
		return NewTwoPhaseSet(actor), nil
	case TypeIDCounter:
		return NewIDCounter(actor), nil
	case TypeVector:
		return NewVector(actor), nil
	case TypeRGA:
		return NewRGA(actor), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCRDTType, t)
	}
}

// incompatibleTypeErr formats a standard "expected X, got Y" error used by
// every Merge/Unmarshal implementation in this package.
func incompatibleTypeErr(expected CRDTType, got any) error {
	return fmt.Errorf("%w: expected %s, got %T", ErrIncompatibleTypes, expected, got)
}

// Operation represents a single operation applied to an operation-based
// CRDT (used by IDCounter and as the wire shape for Action payloads).
type Operation struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Tag is an actor+counter pair used as the uniqueness token for
// observed-remove semantics in ORSet/ORMap (spec §4.1 "Merge rules").
type Tag struct {
	Actor   ids.ID
	Counter uint64
}

// String renders a Tag for use as a map key / debug output.
func (t Tag) String() string {
	return fmt.Sprintf("%s/%d", t.Actor.Base58(), t.Counter)
}

// compareHLCActor orders two (hlc.Clock, actor) tuples, the LWW tie-break
// rule from spec §3 "LWW Register": max (hlc, actor).
func compareHLCActor(aClock hlc.Clock, aActor ids.ID, bClock hlc.Clock, bActor ids.ID) int {
	if c := aClock.Compare(bClock); c != 0 {
		return c
	}
	return ids.Compare(aActor, bActor)
}
