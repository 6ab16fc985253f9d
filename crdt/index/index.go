// Package index implements the per-context Merkle index over stored
// entities: every entity keeps its own content hash (own_hash) plus a
// lazily recomputed aggregate hash (full_hash) that folds in its children,
// accumulating into a single context.root_hash (spec §4.1 "Merkle index").
package index

import (
	"crypto/sha256"
	"sync"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// Hash is a SHA256 digest.
type Hash [32]byte

// Zero is the hash of an entity that has never been written.
var Zero Hash

// node holds one entity's position in the tree: its own content hash, its
// folded-children hash, its parent, and whether full_hash needs rehashing.
type node struct {
	parent   ids.ID
	hasParent bool
	children  map[ids.ID]struct{}
	ownHash   Hash
	fullHash  Hash
	dirty     bool
}

// Index is the per-context Merkle index. It is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	nodes    map[ids.ID]*node
	rootID   ids.ID
	hasRoot  bool
}

// New creates an empty Index.
func New() *Index {
	return &Index{nodes: make(map[ids.ID]*node)}
}

// SetRoot designates the entity that accumulates into context.root_hash.
// Most contexts have exactly one distinguished root entity.
func (idx *Index) SetRoot(id ids.ID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.rootID = id
	idx.hasRoot = true
	idx.ensureLocked(id)
}

func (idx *Index) ensureLocked(id ids.ID) *node {
	n, ok := idx.nodes[id]
	if !ok {
		n = &node{children: make(map[ids.ID]struct{})}
		idx.nodes[id] = n
	}
	return n
}

// Put records or updates an entity's own content hash and reparents it if
// parent is supplied, marking every ancestor up to the root dirty so their
// full_hash is recomputed lazily on next read (spec §4.3 "mark-dirty +
// on-demand rehash").
func (idx *Index) Put(id ids.ID, content []byte, parent ids.ID, hasParent bool) {
	own := Hash(sha256.Sum256(content))

	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := idx.ensureLocked(id)
	if n.hasParent && n.parent != parent {
		if old, ok := idx.nodes[n.parent]; ok {
			delete(old.children, id)
		}
	}
	n.ownHash = own
	n.dirty = true
	if hasParent {
		n.parent = parent
		n.hasParent = true
		p := idx.ensureLocked(parent)
		p.children[id] = struct{}{}
	}
	idx.markDirtyAncestorsLocked(id)
}

// Remove deletes an entity from the index entirely (not a tombstone — the
// CRDT layer owns tombstone semantics; the index only tracks what exists).
func (idx *Index) Remove(id ids.ID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, ok := idx.nodes[id]
	if !ok {
		return
	}
	if n.hasParent {
		if p, ok := idx.nodes[n.parent]; ok {
			delete(p.children, id)
			idx.markDirtyAncestorsLocked(n.parent)
		}
	}
	delete(idx.nodes, id)
}

func (idx *Index) markDirtyAncestorsLocked(id ids.ID) {
	n, ok := idx.nodes[id]
	for ok {
		n.dirty = true
		if !n.hasParent {
			return
		}
		id = n.parent
		n, ok = idx.nodes[id]
	}
}

// OwnHash returns the entity's own content hash.
func (idx *Index) OwnHash(id ids.ID) (Hash, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n, ok := idx.nodes[id]
	if !ok {
		return Zero, false
	}
	return n.ownHash, true
}

// FullHash returns the entity's aggregate hash, rehashing it (and any
// dirty descendants) on demand if it is stale.
func (idx *Index) FullHash(id ids.ID) (Hash, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n, ok := idx.nodes[id]
	if !ok {
		return Zero, false
	}
	return idx.rehashLocked(id, n), true
}

func (idx *Index) rehashLocked(id ids.ID, n *node) Hash {
	if !n.dirty {
		return n.fullHash
	}

	childIDs := make([]ids.ID, 0, len(n.children))
	for child := range n.children {
		childIDs = append(childIDs, child)
	}
	ids.Sort(childIDs)

	h := sha256.New()
	h.Write(n.ownHash[:])
	for _, child := range childIDs {
		childNode := idx.nodes[child]
		childHash := idx.rehashLocked(child, childNode)
		h.Write(childHash[:])
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	n.fullHash = out
	n.dirty = false
	return out
}

// RootHash recomputes and returns context.root_hash, the full_hash of the
// distinguished root entity. Returns Zero, false if no root is set.
func (idx *Index) RootHash() (Hash, bool) {
	idx.mu.RLock()
	hasRoot, rootID := idx.hasRoot, idx.rootID
	idx.mu.RUnlock()
	if !hasRoot {
		return Zero, false
	}
	return idx.FullHash(rootID)
}

// Entities returns every entity ID tracked by the index, sorted.
func (idx *Index) Entities() []ids.ID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]ids.ID, 0, len(idx.nodes))
	for id := range idx.nodes {
		out = append(out, id)
	}
	ids.Sort(out)
	return out
}

// Verify recomputes SHA256 over content and checks it against the index's
// recorded own_hash for id (spec §4.4 snapshot verification step 1).
func Verify(id ids.ID, content []byte, want Hash) bool {
	got := Hash(sha256.Sum256(content))
	return got == want
}
