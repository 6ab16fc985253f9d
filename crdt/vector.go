package crdt

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// vectorNode is one element of the causal tree backing Vector: each node
// is anchored after its parent and ordered among siblings by Tag, so every
// replica that has observed the same insert set linearizes it identically
// (spec §3 "Ordered Sequence", grounded on the causal-tree layout in
// original_source's collections/vector.rs, reworked here as a convergent
// sequence CRDT rather than a tree-backed index structure).
type vectorNode struct {
	tag     Tag
	parent  Tag // zero Tag means "root"
	value   any
	visible bool
}

// Vector is an ordered-sequence CRDT: concurrent inserts converge to the
// same total order by (parent, tag) regardless of delivery order, and
// removal is a tombstone rather than a physical delete.
type Vector struct {
	actor ids.ID
	seq   uint64

	mu       sync.RWMutex
	nodes    map[Tag]*vectorNode
	children map[Tag][]Tag // parent tag -> child tags, unsorted; sorted on read
}

// NewVector creates an empty Vector owned by actor.
func NewVector(actor ids.ID) *Vector {
	return &Vector{
		actor:    actor,
		nodes:    make(map[Tag]*vectorNode),
		children: make(map[Tag][]Tag),
	}
}

// Type returns the CRDT type tag.
func (v *Vector) Type() CRDTType { return TypeVector }

func (v *Vector) nextTag() Tag {
	return Tag{Actor: v.actor, Counter: atomic.AddUint64(&v.seq, 1)}
}

// InsertAfter inserts value immediately after the element identified by
// after (the zero Tag inserts at the head) and returns the new element's
// tag, to be used as an anchor for further inserts or for Delete.
func (v *Vector) InsertAfter(after Tag, value any) Tag {
	tag := v.nextTag()

	v.mu.Lock()
	defer v.mu.Unlock()
	v.nodes[tag] = &vectorNode{tag: tag, parent: after, value: value, visible: true}
	v.children[after] = append(v.children[after], tag)
	return tag
}

// Push appends value to the logical end of the vector.
func (v *Vector) Push(value any) Tag {
	return v.InsertAfter(v.lastTag(), value)
}

func (v *Vector) lastTag() Tag {
	order := v.orderedTags()
	if len(order) == 0 {
		return Tag{}
	}
	return order[len(order)-1]
}

// Delete tombstones the element at tag, if present.
func (v *Vector) Delete(tag Tag) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n, ok := v.nodes[tag]; ok {
		n.visible = false
	}
}

// orderedTags performs the RGA-style walk: depth-first, children of each
// parent visited in descending Tag order (higher actor/counter wins the
// position race among concurrent siblings), invisible nodes included in
// the walk (so later inserts still anchor correctly) but excluded from
// the result unless includeTombstones is requested by the caller.
func (v *Vector) orderedTags() []Tag {
	var out []Tag
	var walk func(parent Tag)
	walk = func(parent Tag) {
		kids := append([]Tag(nil), v.children[parent]...)
		sort.Slice(kids, func(i, j int) bool { return tagLess(kids[j], kids[i]) })
		for _, child := range kids {
			if v.nodes[child].visible {
				out = append(out, child)
			}
			walk(child)
		}
	}
	walk(Tag{})
	return out
}

func tagLess(a, b Tag) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return ids.Less(a.Actor, b.Actor)
}

// Values returns the vector's elements in converged order.
func (v *Vector) Values() []any {
	v.mu.RLock()
	defer v.mu.RUnlock()

	order := v.orderedTags()
	out := make([]any, len(order))
	for i, tag := range order {
		out[i] = v.nodes[tag].value
	}
	return out
}

// Len returns the number of visible elements.
func (v *Vector) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.orderedTags())
}

// Value implements CRDT.
func (v *Vector) Value() any { return v.Values() }

// Merge unions both sides' nodes; a tag present as a tombstone on either
// side stays a tombstone (remove wins over a stale visible copy).
func (v *Vector) Merge(other CRDT) error {
	o, ok := other.(*Vector)
	if !ok {
		return incompatibleTypeErr(TypeVector, other)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	o.mu.RLock()
	defer o.mu.RUnlock()

	for tag, node := range o.nodes {
		existing, ok := v.nodes[tag]
		if !ok {
			cp := *node
			v.nodes[tag] = &cp
			v.children[node.parent] = append(v.children[node.parent], tag)
			continue
		}
		if !node.visible {
			existing.visible = false
		}
	}
	return nil
}

type vectorNodeWire struct {
	Tag     string `json:"tag"`
	Parent  string `json:"parent"`
	Value   any    `json:"value"`
	Visible bool   `json:"visible"`
}

type vectorWire struct {
	Type  CRDTType         `json:"type"`
	Nodes []vectorNodeWire `json:"nodes"`
}

// Marshal serializes the Vector to JSON.
func (v *Vector) Marshal() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	wire := vectorWire{Type: TypeVector, Nodes: make([]vectorNodeWire, 0, len(v.nodes))}
	for tag, node := range v.nodes {
		wire.Nodes = append(wire.Nodes, vectorNodeWire{
			Tag: tag.String(), Parent: node.parent.String(), Value: node.value, Visible: node.visible,
		})
	}
	sort.Slice(wire.Nodes, func(i, j int) bool { return wire.Nodes[i].Tag < wire.Nodes[j].Tag })
	return json.Marshal(wire)
}

// Unmarshal deserializes the Vector from JSON, replacing current state.
func (v *Vector) Unmarshal(data []byte) error {
	var wire vectorWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != TypeVector {
		return incompatibleTypeErr(TypeVector, wire.Type)
	}

	nodes := make(map[Tag]*vectorNode, len(wire.Nodes))
	children := make(map[Tag][]Tag)
	for _, nw := range wire.Nodes {
		tag, err := parseTag(nw.Tag)
		if err != nil {
			return err
		}
		var parent Tag
		if nw.Parent != "" {
			parent, err = parseTag(nw.Parent)
			if err != nil {
				return err
			}
		}
		nodes[tag] = &vectorNode{tag: tag, parent: parent, value: nw.Value, visible: nw.Visible}
		children[parent] = append(children[parent], tag)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.nodes = nodes
	v.children = children
	return nil
}
