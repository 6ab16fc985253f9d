package crdt

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// TwoPhaseSet is a state-based two-phase set CRDT: an element may be added
// and later removed, but once removed it can never be re-added (spec §3
// "Unordered Set / Map" variant without re-add support). The owning actor
// is kept only for symmetry with the rest of the package's constructors;
// 2P-set membership itself carries no actor attribution.
type TwoPhaseSet struct {
	actor   ids.ID
	mu      sync.RWMutex
	added   map[string]struct{}
	removed map[string]struct{}
}

// NewTwoPhaseSet creates an empty TwoPhaseSet owned by actor.
func NewTwoPhaseSet(actor ids.ID) *TwoPhaseSet {
	return &TwoPhaseSet{
		actor:   actor,
		added:   make(map[string]struct{}),
		removed: make(map[string]struct{}),
	}
}

// Type returns the CRDT type tag.
func (s *TwoPhaseSet) Type() CRDTType { return TypeTwoPhaseSet }

// Add adds element to the set, unless it has already been removed.
func (s *TwoPhaseSet) Add(element string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, removed := s.removed[element]; removed {
		return
	}
	s.added[element] = struct{}{}
}

// Remove removes element from the set permanently.
func (s *TwoPhaseSet) Remove(element string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.added[element]; !ok {
		return
	}
	s.removed[element] = struct{}{}
}

// Contains reports whether element is present and not yet removed.
func (s *TwoPhaseSet) Contains(element string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, removed := s.removed[element]; removed {
		return false
	}
	_, added := s.added[element]
	return added
}

// Elements returns all present elements, sorted for determinism.
func (s *TwoPhaseSet) Elements() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.added))
	for element := range s.added {
		if _, removed := s.removed[element]; !removed {
			out = append(out, element)
		}
	}
	sort.Strings(out)
	return out
}

// Value implements CRDT.
func (s *TwoPhaseSet) Value() any { return s.Elements() }

// Merge unions both sides' added and removed sets; once removed, an
// element stays removed regardless of which side re-saw it added.
func (s *TwoPhaseSet) Merge(other CRDT) error {
	o, ok := other.(*TwoPhaseSet)
	if !ok {
		return incompatibleTypeErr(TypeTwoPhaseSet, other)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o.mu.RLock()
	defer o.mu.RUnlock()

	for element := range o.added {
		s.added[element] = struct{}{}
	}
	for element := range o.removed {
		s.removed[element] = struct{}{}
	}
	return nil
}

type twoPhaseSetWire struct {
	Type    CRDTType `json:"type"`
	Added   []string `json:"added"`
	Removed []string `json:"removed,omitempty"`
}

// Marshal serializes the TwoPhaseSet to JSON.
func (s *TwoPhaseSet) Marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	added := make([]string, 0, len(s.added))
	for element := range s.added {
		added = append(added, element)
	}
	sort.Strings(added)

	removed := make([]string, 0, len(s.removed))
	for element := range s.removed {
		removed = append(removed, element)
	}
	sort.Strings(removed)

	return json.Marshal(twoPhaseSetWire{Type: TypeTwoPhaseSet, Added: added, Removed: removed})
}

// Unmarshal deserializes the TwoPhaseSet from JSON, replacing current state.
func (s *TwoPhaseSet) Unmarshal(data []byte) error {
	var wire twoPhaseSetWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != TypeTwoPhaseSet {
		return incompatibleTypeErr(TypeTwoPhaseSet, wire.Type)
	}

	added := make(map[string]struct{}, len(wire.Added))
	for _, element := range wire.Added {
		added[element] = struct{}{}
	}
	removed := make(map[string]struct{}, len(wire.Removed))
	for _, element := range wire.Removed {
		removed[element] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = added
	s.removed = removed
	return nil
}
