package crdt

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
)

// ormapEntry pairs an observed-remove presence tag set with an
// LWW-resolved value, so that concurrent Put calls for the same key
// converge by (hlc, actor) while key removal still uses observed-remove
// semantics (spec §3 "Unordered Set / Map", §4.1 "Set/Map" merge rule).
type ormapEntry struct {
	value      any
	valueClock hlc.Clock
	valueActor ids.ID
}

// ORMap is an observed-remove map CRDT: keys come and go with
// add/remove tags like ORSet, and each key's value resolves via LWW.
type ORMap struct {
	actor ids.ID
	seq   uint64

	mu      sync.RWMutex
	entries map[string]ormapEntry
	addTags map[string]map[Tag]struct{}
	delTags map[string]map[Tag]struct{}
}

// NewORMap creates an empty ORMap owned by actor.
func NewORMap(actor ids.ID) *ORMap {
	return &ORMap{
		actor:   actor,
		entries: make(map[string]ormapEntry),
		addTags: make(map[string]map[Tag]struct{}),
		delTags: make(map[string]map[Tag]struct{}),
	}
}

// Type returns the CRDT type tag.
func (m *ORMap) Type() CRDTType { return TypeORMap }

func (m *ORMap) nextTag() Tag {
	return Tag{Actor: m.actor, Counter: atomic.AddUint64(&m.seq, 1)}
}

// Put assigns value to key at the given clock, adding a fresh presence tag.
func (m *ORMap) Put(key string, value any, at hlc.Clock) {
	tag := m.nextTag()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.addTags[key] == nil {
		m.addTags[key] = make(map[Tag]struct{})
	}
	m.addTags[key][tag] = struct{}{}

	existing, ok := m.entries[key]
	if !ok || compareHLCActor(at, m.actor, existing.valueClock, existing.valueActor) > 0 {
		m.entries[key] = ormapEntry{value: value, valueClock: at, valueActor: m.actor}
	}
}

// Delete tombstones every presence tag currently observed for key.
func (m *ORMap) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	adds, ok := m.addTags[key]
	if !ok {
		return
	}
	if m.delTags[key] == nil {
		m.delTags[key] = make(map[Tag]struct{})
	}
	for tag := range adds {
		m.delTags[key][tag] = struct{}{}
	}
}

// Get returns the value for key and whether it is currently present.
func (m *ORMap) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.presentLocked(key) {
		return nil, false
	}
	return m.entries[key].value, true
}

func (m *ORMap) presentLocked(key string) bool {
	adds, ok := m.addTags[key]
	if !ok {
		return false
	}
	dels := m.delTags[key]
	for tag := range adds {
		if _, removed := dels[tag]; !removed {
			return true
		}
	}
	return false
}

// Keys returns all currently-present keys, sorted.
func (m *ORMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.entries))
	for key := range m.entries {
		if m.presentLocked(key) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Value implements CRDT, returning a snapshot map of present keys/values.
func (m *ORMap) Value() any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]any)
	for key, entry := range m.entries {
		if m.presentLocked(key) {
			out[key] = entry.value
		}
	}
	return out
}

// Merge unions presence tags and resolves each key's value by LWW.
func (m *ORMap) Merge(other CRDT) error {
	o, ok := other.(*ORMap)
	if !ok {
		return incompatibleTypeErr(TypeORMap, other)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	o.mu.RLock()
	defer o.mu.RUnlock()

	for key, tags := range o.addTags {
		if m.addTags[key] == nil {
			m.addTags[key] = make(map[Tag]struct{})
		}
		for tag := range tags {
			m.addTags[key][tag] = struct{}{}
		}
	}
	for key, tags := range o.delTags {
		if m.delTags[key] == nil {
			m.delTags[key] = make(map[Tag]struct{})
		}
		for tag := range tags {
			m.delTags[key][tag] = struct{}{}
		}
	}
	for key, entry := range o.entries {
		existing, ok := m.entries[key]
		if !ok || compareHLCActor(entry.valueClock, entry.valueActor, existing.valueClock, existing.valueActor) > 0 {
			m.entries[key] = entry
		}
	}
	return nil
}

type ormapWire struct {
	Type    CRDTType            `json:"type"`
	Entries map[string]lwwWire  `json:"entries"`
	Adds    map[string][]string `json:"adds"`
	Dels    map[string][]string `json:"dels,omitempty"`
}

// Marshal serializes the ORMap to JSON.
func (m *ORMap) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wire := ormapWire{
		Type:    TypeORMap,
		Entries: make(map[string]lwwWire, len(m.entries)),
		Adds:    make(map[string][]string),
		Dels:    make(map[string][]string),
	}
	for key, entry := range m.entries {
		wire.Entries[key] = lwwWire{Actor: entry.valueActor.Base58(), Value: entry.value, Clock: entry.valueClock}
	}
	for key, tags := range m.addTags {
		wire.Adds[key] = tagsToStrings(tags)
	}
	for key, tags := range m.delTags {
		wire.Dels[key] = tagsToStrings(tags)
	}
	return json.Marshal(wire)
}

// Unmarshal deserializes the ORMap from JSON, replacing current state.
func (m *ORMap) Unmarshal(data []byte) error {
	var wire ormapWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != TypeORMap {
		return incompatibleTypeErr(TypeORMap, wire.Type)
	}

	entries := make(map[string]ormapEntry, len(wire.Entries))
	for key, ew := range wire.Entries {
		actor, err := ids.ParseBase58(ew.Actor)
		if err != nil {
			return err
		}
		entries[key] = ormapEntry{value: ew.Value, valueClock: ew.Clock, valueActor: actor}
	}
	adds := make(map[string]map[Tag]struct{}, len(wire.Adds))
	for key, strs := range wire.Adds {
		tags, err := parseTags(strs)
		if err != nil {
			return err
		}
		adds[key] = tags
	}
	dels := make(map[string]map[Tag]struct{}, len(wire.Dels))
	for key, strs := range wire.Dels {
		tags, err := parseTags(strs)
		if err != nil {
			return err
		}
		dels[key] = tags
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	m.addTags = adds
	m.delTags = dels
	return nil
}
