// Package merge provides type-directed dispatch for merging two serialized
// CRDT blobs without the caller needing to know the concrete Go type ahead
// of time, mirroring the runtime type registry in original_source's
// crates/storage/src/merge/registry.rs — simplified here to dispatch on the
// CRDTType wire tag rather than a language TypeId, since Go has no
// reflect.TypeOf-keyed global registry idiom for this.
package merge

import (
	"errors"
	"fmt"

	"github.com/rechain/sovereignsync/crdt"
	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
)

// ErrNoFallbackClock is returned when a merge falls through to the LWW
// fallback path but the caller did not supply clocks to break the tie.
var ErrNoFallbackClock = errors.New("merge: fallback requires both sides' clocks")

// Registry dispatches Merge calls to the crdt package's typed Merge
// implementations, falling back to whole-blob last-write-wins when a
// CRDTType has no typed merge behavior (custom application payloads).
type Registry struct {
	// OnFallback, if set, is called every time Merge takes the LWW
	// fallback path instead of a typed merge. Wired to a Prometheus
	// counter by the runtime (spec §4.1 "lww_fallback metric").
	OnFallback func(t crdt.CRDTType)
}

// New constructs a Registry with no fallback hook.
func New() *Registry {
	return &Registry{}
}

// Merge merges incoming into existing for the given CRDTType and actor,
// returning the merged, re-serialized bytes. actor is used only to
// construct the scratch CRDT instances; it does not affect merge output.
func (r *Registry) Merge(t crdt.CRDTType, actor ids.ID, existing, incoming []byte) ([]byte, error) {
	local, err := crdt.New(t, actor)
	if err != nil {
		return r.fallback(t, existing, incoming, hlc.Clock(0), hlc.Clock(0))
	}
	remote, err := crdt.New(t, actor)
	if err != nil {
		return r.fallback(t, existing, incoming, hlc.Clock(0), hlc.Clock(0))
	}

	if err := local.Unmarshal(existing); err != nil {
		return nil, fmt.Errorf("merge: unmarshal existing %s: %w", t, err)
	}
	if err := remote.Unmarshal(incoming); err != nil {
		return nil, fmt.Errorf("merge: unmarshal incoming %s: %w", t, err)
	}
	if err := local.Merge(remote); err != nil {
		return nil, fmt.Errorf("merge: %s: %w", t, err)
	}
	return local.Marshal()
}

// MergeWithFallback behaves like Merge, but if t is not a known CRDTType it
// resolves the conflict by last-write-wins over the raw bytes, using the
// supplied clocks to break the tie. This is the path exercised by
// application-defined state that has no registered CRDT semantics.
func (r *Registry) MergeWithFallback(t crdt.CRDTType, actor ids.ID, existing, incoming []byte, existingClock, incomingClock hlc.Clock) ([]byte, error) {
	if _, err := crdt.New(t, actor); err == nil {
		return r.Merge(t, actor, existing, incoming)
	}
	return r.fallback(t, existing, incoming, existingClock, incomingClock)
}

func (r *Registry) fallback(t crdt.CRDTType, existing, incoming []byte, existingClock, incomingClock hlc.Clock) ([]byte, error) {
	if r.OnFallback != nil {
		r.OnFallback(t)
	}
	if incomingClock.After(existingClock) {
		return incoming, nil
	}
	return existing, nil
}
