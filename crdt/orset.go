package crdt

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// ORSet is an observed-remove set CRDT. Every add is tagged with a unique
// (actor, counter) token; an element is present while at least one of its
// add-tags has not been echoed by a remove (spec §3 "Unordered Set / Map").
type ORSet struct {
	actor ids.ID
	seq   uint64 // local tag counter, advanced with atomic ops

	mu   sync.RWMutex
	adds map[string]map[Tag]struct{}
	dels map[string]map[Tag]struct{}
}

// NewORSet creates an empty ORSet owned by actor.
func NewORSet(actor ids.ID) *ORSet {
	return &ORSet{
		actor: actor,
		adds:  make(map[string]map[Tag]struct{}),
		dels:  make(map[string]map[Tag]struct{}),
	}
}

// Type returns the CRDT type tag.
func (s *ORSet) Type() CRDTType { return TypeORSet }

func (s *ORSet) nextTag() Tag {
	return Tag{Actor: s.actor, Counter: atomic.AddUint64(&s.seq, 1)}
}

// Add adds element to the set under a freshly minted tag.
func (s *ORSet) Add(element string) {
	tag := s.nextTag()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adds[element] == nil {
		s.adds[element] = make(map[Tag]struct{})
	}
	s.adds[element][tag] = struct{}{}
}

// Remove tombstones every add-tag currently observed for element.
func (s *ORSet) Remove(element string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	adds, ok := s.adds[element]
	if !ok {
		return
	}
	if s.dels[element] == nil {
		s.dels[element] = make(map[Tag]struct{})
	}
	for tag := range adds {
		s.dels[element][tag] = struct{}{}
	}
}

// Contains reports whether element has a live (non-tombstoned) add-tag.
func (s *ORSet) Contains(element string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containsLocked(element)
}

func (s *ORSet) containsLocked(element string) bool {
	adds, ok := s.adds[element]
	if !ok {
		return false
	}
	dels := s.dels[element]
	for tag := range adds {
		if _, removed := dels[tag]; !removed {
			return true
		}
	}
	return false
}

// Elements returns all elements currently present in the set, sorted for
// deterministic iteration.
func (s *ORSet) Elements() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.adds))
	for element := range s.adds {
		if s.containsLocked(element) {
			out = append(out, element)
		}
	}
	sort.Strings(out)
	return out
}

// Value implements CRDT.
func (s *ORSet) Value() any { return s.Elements() }

// Merge unions both sides' add-tags and tombstones.
func (s *ORSet) Merge(other CRDT) error {
	o, ok := other.(*ORSet)
	if !ok {
		return incompatibleTypeErr(TypeORSet, other)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o.mu.RLock()
	defer o.mu.RUnlock()

	for element, tags := range o.adds {
		if s.adds[element] == nil {
			s.adds[element] = make(map[Tag]struct{})
		}
		for tag := range tags {
			s.adds[element][tag] = struct{}{}
		}
	}
	for element, tags := range o.dels {
		if s.dels[element] == nil {
			s.dels[element] = make(map[Tag]struct{})
		}
		for tag := range tags {
			s.dels[element][tag] = struct{}{}
		}
	}
	return nil
}

type orsetWire struct {
	Type CRDTType            `json:"type"`
	Adds map[string][]string `json:"adds"`
	Dels map[string][]string `json:"dels,omitempty"`
}

func tagsToStrings(tags map[Tag]struct{}) []string {
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t.String())
	}
	sort.Strings(out)
	return out
}

// Marshal serializes the ORSet to JSON.
func (s *ORSet) Marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wire := orsetWire{Type: TypeORSet, Adds: make(map[string][]string), Dels: make(map[string][]string)}
	for element, tags := range s.adds {
		wire.Adds[element] = tagsToStrings(tags)
	}
	for element, tags := range s.dels {
		wire.Dels[element] = tagsToStrings(tags)
	}
	return json.Marshal(wire)
}

func parseTag(s string) (Tag, error) {
	var t Tag
	idx := len(s) - 1
	for idx >= 0 && s[idx] != '/' {
		idx--
	}
	actor, err := ids.ParseBase58(s[:idx])
	if err != nil {
		return t, err
	}
	var counter uint64
	for _, c := range s[idx+1:] {
		counter = counter*10 + uint64(c-'0')
	}
	return Tag{Actor: actor, Counter: counter}, nil
}

func parseTags(strs []string) (map[Tag]struct{}, error) {
	out := make(map[Tag]struct{}, len(strs))
	for _, s := range strs {
		tag, err := parseTag(s)
		if err != nil {
			return nil, err
		}
		out[tag] = struct{}{}
	}
	return out, nil
}

// Unmarshal deserializes the ORSet from JSON, replacing current state.
func (s *ORSet) Unmarshal(data []byte) error {
	var wire orsetWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != TypeORSet {
		return incompatibleTypeErr(TypeORSet, wire.Type)
	}

	adds := make(map[string]map[Tag]struct{}, len(wire.Adds))
	for element, strs := range wire.Adds {
		tags, err := parseTags(strs)
		if err != nil {
			return err
		}
		adds[element] = tags
	}
	dels := make(map[string]map[Tag]struct{}, len(wire.Dels))
	for element, strs := range wire.Dels {
		tags, err := parseTags(strs)
		if err != nil {
			return err
		}
		dels[element] = tags
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds = adds
	s.dels = dels
	return nil
}
