// Package dag implements the causal delta DAG: content-addressed deltas
// referencing their causal parents, with heads/applied/pending/
// missing-parent bookkeeping (spec §4.2 "Causal DAG").
package dag

import (
	"crypto/sha256"

	"github.com/rechain/sovereignsync/crdt"
	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
)

// ActionKind discriminates the kind of mutation an Action applies to a
// target entity.
type ActionKind string

const (
	ActionAdd     ActionKind = "add"
	ActionUpdate  ActionKind = "update"
	ActionDelete  ActionKind = "delete_ref"
	ActionCompare ActionKind = "compare"
)

// Action is one CRDT mutation carried by a delta. Data and CRDTType are
// content-addressable and participate in the delta's ID; DeletedAt is
// timestamp metadata and is excluded from hashing, matching
// original_source's delta.rs compute_id (HLC and deletion timestamps are
// metadata for ordering, not identity).
type Action struct {
	Kind      ActionKind
	EntityID  ids.ID
	CRDTType  crdt.CRDTType
	Data      []byte
	DeletedAt hlc.Clock
}

// CausalDelta is one node of the causal DAG: a content-addressed bundle of
// actions plus the ids of the deltas it causally depends on.
type CausalDelta struct {
	ID                ids.ID
	Parents           []ids.ID
	Actions           []Action
	HLC               hlc.Clock
	ExpectedRootHash  [32]byte
}

// ComputeID derives a delta's deterministic, content-addressed ID: SHA256
// over the sorted parent ids followed by each action's content-only
// fields. Two deltas with the same parents and actions always hash to the
// same ID regardless of when or where they were computed.
func ComputeID(parents []ids.ID, actions []Action) ids.ID {
	sorted := append([]ids.ID(nil), parents...)
	ids.Sort(sorted)

	h := sha256.New()
	for _, p := range sorted {
		h.Write(p.Bytes())
	}
	for _, a := range actions {
		h.Write([]byte(a.Kind))
		h.Write(a.EntityID.Bytes())
		switch a.Kind {
		case ActionAdd, ActionUpdate:
			h.Write([]byte(a.CRDTType))
			h.Write(a.Data)
		case ActionDelete, ActionCompare:
			// id only; DeletedAt is metadata, excluded from identity.
		}
	}

	sum := h.Sum(nil)
	id, _ := ids.FromBytes(sum)
	return id
}

// NewDelta builds a CausalDelta, computing its content-addressed ID from
// parents and actions.
func NewDelta(parents []ids.ID, actions []Action, at hlc.Clock, expectedRoot [32]byte) *CausalDelta {
	return &CausalDelta{
		ID:               ComputeID(parents, actions),
		Parents:          append([]ids.ID(nil), parents...),
		Actions:          actions,
		HLC:              at,
		ExpectedRootHash: expectedRoot,
	}
}
