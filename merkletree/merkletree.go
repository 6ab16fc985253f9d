// Package merkletree implements the chunked Merkle tree used for
// differential sync (spec §4.4 "Merkle tree for differential sync"): keys
// are sorted and packed into leaves up to a target byte budget, then
// folded upward through a configurable fanout so two replicas can
// converge on exactly which chunks differ without transferring the
// whole key space.
package merkletree

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// Hash is a SHA256 digest.
type Hash [32]byte

// Zero is the hash of an empty tree.
var Zero Hash

// Params controls chunk packing and tree shape. Typical values are
// {Fanout: 16, LeafTargetBytes: 64 * 1024}.
type Params struct {
	Fanout          int
	LeafTargetBytes int
}

// Entry is one key/value record folded into the tree.
type Entry struct {
	Key   string
	Value []byte
}

// Leaf is one packed, contiguous, sorted range of entries.
type Leaf struct {
	Index    int
	Entries  []Entry
	StartKey string
	EndKey   string
	Hash     Hash
}

// Tree is an immutable snapshot of a Merkle tree built from a key space.
// Params are carried alongside so both sides of a HashComparison sync can
// confirm they are using the same chunking before comparing digests.
type Tree struct {
	Params Params
	Leaves []Leaf
	levels [][]Hash // levels[0] = leaf hashes, levels[len-1] = [root]
}

// Build sorts entries by key, packs them into leaves per Params, and folds
// the resulting leaf hashes up to a single root.
func Build(entries []Entry, params Params) *Tree {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	leaves := packLeaves(sorted, params)
	t := &Tree{Params: params, Leaves: leaves}
	t.fold()
	return t
}

func packLeaves(sorted []Entry, params Params) []Leaf {
	var leaves []Leaf
	var current []Entry
	size := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		leaf := Leaf{
			Index:    len(leaves),
			Entries:  current,
			StartKey: current[0].Key,
			EndKey:   current[len(current)-1].Key,
		}
		leaf.Hash = leafHash(leaf)
		leaves = append(leaves, leaf)
		current = nil
		size = 0
	}

	for _, e := range sorted {
		entrySize := len(e.Key) + len(e.Value)
		if size > 0 && size+entrySize > params.LeafTargetBytes {
			flush()
		}
		current = append(current, e)
		size += entrySize
	}
	flush()
	return leaves
}

// HashLeaf computes the leaf hash for a standalone entry set at the given
// leaf index, without needing a full Tree. Used by callers that maintain
// their own leaf-to-key mapping (e.g. a one-entry-per-leaf index) and need
// to verify a single leaf against an inclusion proof.
func HashLeaf(index int, entries []Entry) Hash {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	leaf := Leaf{Index: index, Entries: sorted, StartKey: sorted[0].Key, EndKey: sorted[len(sorted)-1].Key}
	return leafHash(leaf)
}

func leafHash(leaf Leaf) Hash {
	payload := sha256.New()
	for _, e := range leaf.Entries {
		payload.Write([]byte(e.Key))
		payload.Write(e.Value)
	}
	payloadHash := payload.Sum(nil)

	var uncompressedLen uint64
	for _, e := range leaf.Entries {
		uncompressedLen += uint64(len(e.Key) + len(e.Value))
	}

	h := sha256.New()
	h.Write([]byte("leaf"))
	h.Write(leUint64(uint64(leaf.Index)))
	h.Write(payloadHash)
	h.Write(leUint64(uncompressedLen))
	h.Write([]byte(leaf.StartKey))
	h.Write([]byte(leaf.EndKey))

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func nodeHash(level int, children []Hash) Hash {
	h := sha256.New()
	h.Write([]byte("node"))
	h.Write(leUint64(uint64(level)))
	for _, c := range children {
		h.Write(c[:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func leUint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n)
	return buf
}

func (t *Tree) fold() {
	if len(t.Leaves) == 0 {
		t.levels = nil
		return
	}

	level := make([]Hash, len(t.Leaves))
	for i, leaf := range t.Leaves {
		level[i] = leaf.Hash
	}
	t.levels = [][]Hash{level}

	fanout := t.Params.Fanout
	if fanout < 2 {
		fanout = 2
	}

	depth := 1
	for len(level) > 1 {
		var next []Hash
		for i := 0; i < len(level); i += fanout {
			end := i + fanout
			if end > len(level) {
				end = len(level)
			}
			next = append(next, nodeHash(depth, level[i:end]))
		}
		level = next
		t.levels = append(t.levels, level)
		depth++
	}
}

// RootHash returns the tree's root digest, or Zero for an empty tree.
func (t *Tree) RootHash() Hash {
	if len(t.levels) == 0 {
		return Zero
	}
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// ProofStep is one level of a Merkle inclusion proof: the sibling hashes
// at that level (in left-to-right order) and the index the proven node's
// own hash occupies among them.
type ProofStep struct {
	Siblings []Hash
	Index    int
}

// Proof returns an inclusion proof for the leaf at leafIndex.
func (t *Tree) Proof(leafIndex int) ([]ProofStep, bool) {
	if leafIndex < 0 || leafIndex >= len(t.Leaves) {
		return nil, false
	}

	fanout := t.Params.Fanout
	if fanout < 2 {
		fanout = 2
	}

	var steps []ProofStep
	idx := leafIndex
	for level := 0; level < len(t.levels)-1; level++ {
		groupStart := (idx / fanout) * fanout
		groupEnd := groupStart + fanout
		if groupEnd > len(t.levels[level]) {
			groupEnd = len(t.levels[level])
		}
		group := t.levels[level][groupStart:groupEnd]
		siblings := append([]Hash(nil), group...)
		steps = append(steps, ProofStep{Siblings: siblings, Index: idx - groupStart})
		idx = groupStart / fanout
	}
	return steps, true
}

// VerifyProof recomputes the root from leafHash following steps and
// compares it to root.
func VerifyProof(root Hash, leafHash Hash, steps []ProofStep) bool {
	current := leafHash
	for level, step := range steps {
		if step.Index < 0 || step.Index >= len(step.Siblings) {
			return false
		}
		if step.Siblings[step.Index] != current {
			return false
		}
		current = nodeHash(level+1, step.Siblings)
	}
	return current == root
}

// Diff returns the indices of leaves whose hash differs between a and b,
// matching leaves by their position in the (sorted) leaf sequence. Trees
// built with different Params are not comparable and Diff returns an
// error via the ok result.
func Diff(a, b *Tree) (differing []int, ok bool) {
	if a.Params != b.Params {
		return nil, false
	}
	max := len(a.Leaves)
	if len(b.Leaves) > max {
		max = len(b.Leaves)
	}
	for i := 0; i < max; i++ {
		var ha, hb Hash
		if i < len(a.Leaves) {
			ha = a.Leaves[i].Hash
		}
		if i < len(b.Leaves) {
			hb = b.Leaves[i].Hash
		}
		if ha != hb {
			differing = append(differing, i)
		}
	}
	return differing, true
}
