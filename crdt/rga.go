package crdt

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// rgaNode is one character of a replicated growable array: the same
// causal-tree anchoring scheme as Vector, specialized to runes so that
// collaborative text editing gets character-granularity merge instead of
// whole-element replacement (spec §3 "Character-level Sequence").
type rgaNode struct {
	tag     Tag
	parent  Tag
	char    rune
	visible bool
}

// RGA is a replicated growable array CRDT for collaborative plain text.
type RGA struct {
	actor ids.ID
	seq   uint64

	mu       sync.RWMutex
	nodes    map[Tag]*rgaNode
	children map[Tag][]Tag
}

// NewRGA creates an empty RGA owned by actor.
func NewRGA(actor ids.ID) *RGA {
	return &RGA{
		actor:    actor,
		nodes:    make(map[Tag]*rgaNode),
		children: make(map[Tag][]Tag),
	}
}

// Type returns the CRDT type tag.
func (r *RGA) Type() CRDTType { return TypeRGA }

func (r *RGA) nextTag() Tag {
	return Tag{Actor: r.actor, Counter: atomic.AddUint64(&r.seq, 1)}
}

// InsertAfter inserts a single character after the element identified by
// after (the zero Tag inserts at the head) and returns its tag.
func (r *RGA) InsertAfter(after Tag, char rune) Tag {
	tag := r.nextTag()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[tag] = &rgaNode{tag: tag, parent: after, char: char, visible: true}
	r.children[after] = append(r.children[after], tag)
	return tag
}

// InsertString inserts each rune of s in turn starting after the given
// anchor, returning the tag of the final inserted character.
func (r *RGA) InsertString(after Tag, s string) Tag {
	for _, ch := range s {
		after = r.InsertAfter(after, ch)
	}
	return after
}

// Delete tombstones the character at tag, if present.
func (r *RGA) Delete(tag Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[tag]; ok {
		n.visible = false
	}
}

func (r *RGA) orderedTags() []Tag {
	var out []Tag
	var walk func(parent Tag)
	walk = func(parent Tag) {
		kids := append([]Tag(nil), r.children[parent]...)
		sort.Slice(kids, func(i, j int) bool { return tagLess(kids[j], kids[i]) })
		for _, child := range kids {
			if r.nodes[child].visible {
				out = append(out, child)
			}
			walk(child)
		}
	}
	walk(Tag{})
	return out
}

// Text reconstructs the current visible string in converged order.
func (r *RGA) Text() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, tag := range r.orderedTags() {
		sb.WriteRune(r.nodes[tag].char)
	}
	return sb.String()
}

// Value implements CRDT.
func (r *RGA) Value() any { return r.Text() }

// Merge unions both sides' nodes, keeping removal tombstones sticky.
func (r *RGA) Merge(other CRDT) error {
	o, ok := other.(*RGA)
	if !ok {
		return incompatibleTypeErr(TypeRGA, other)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	o.mu.RLock()
	defer o.mu.RUnlock()

	for tag, node := range o.nodes {
		existing, ok := r.nodes[tag]
		if !ok {
			cp := *node
			r.nodes[tag] = &cp
			r.children[node.parent] = append(r.children[node.parent], tag)
			continue
		}
		if !node.visible {
			existing.visible = false
		}
	}
	return nil
}

type rgaNodeWire struct {
	Tag     string `json:"tag"`
	Parent  string `json:"parent"`
	Char    rune   `json:"char"`
	Visible bool   `json:"visible"`
}

type rgaWire struct {
	Type  CRDTType      `json:"type"`
	Nodes []rgaNodeWire `json:"nodes"`
}

// Marshal serializes the RGA to JSON.
func (r *RGA) Marshal() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wire := rgaWire{Type: TypeRGA, Nodes: make([]rgaNodeWire, 0, len(r.nodes))}
	for tag, node := range r.nodes {
		wire.Nodes = append(wire.Nodes, rgaNodeWire{
			Tag: tag.String(), Parent: node.parent.String(), Char: node.char, Visible: node.visible,
		})
	}
	sort.Slice(wire.Nodes, func(i, j int) bool { return wire.Nodes[i].Tag < wire.Nodes[j].Tag })
	return json.Marshal(wire)
}

// Unmarshal deserializes the RGA from JSON, replacing current state.
func (r *RGA) Unmarshal(data []byte) error {
	var wire rgaWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Type != TypeRGA {
		return incompatibleTypeErr(TypeRGA, wire.Type)
	}

	nodes := make(map[Tag]*rgaNode, len(wire.Nodes))
	children := make(map[Tag][]Tag)
	for _, nw := range wire.Nodes {
		tag, err := parseTag(nw.Tag)
		if err != nil {
			return err
		}
		parent, err := parseTag(nw.Parent)
		if err != nil {
			return err
		}
		nodes[tag] = &rgaNode{tag: tag, parent: parent, char: nw.Char, visible: nw.Visible}
		children[parent] = append(children[parent], tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = nodes
	r.children = children
	return nil
}
