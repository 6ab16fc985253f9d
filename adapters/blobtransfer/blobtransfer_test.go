package blobtransfer

import "testing"

func TestChunkSplitsBySize(t *testing.T) {
	data := make([]byte, 130)
	chunks := chunk(data, 64)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 64 || len(chunks[1]) != 64 || len(chunks[2]) != 2 {
		t.Fatalf("unexpected chunk sizes: %d %d %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestChunkEmptyPayloadYieldsOneEmptyChunk(t *testing.T) {
	chunks := chunk(nil, 64)
	if len(chunks) != 1 || len(chunks[0]) != 0 {
		t.Fatalf("expected one empty chunk, got %v", chunks)
	}
}

func TestMerkleRootDeterministicAndSensitiveToOrder(t *testing.T) {
	a := contentID([]byte("a"))
	b := contentID([]byte("b"))
	root1 := merkleRoot([]string{a, b})
	root2 := merkleRoot([]string{a, b})
	if root1 != root2 {
		t.Fatal("merkle root not deterministic")
	}
	if merkleRoot([]string{b, a}) == root1 {
		t.Fatal("merkle root should depend on chunk order")
	}
}

func TestMerkleRootSingleChunk(t *testing.T) {
	a := contentID([]byte("solo"))
	if merkleRoot([]string{a}) != a {
		t.Fatal("single-chunk merkle root should equal the chunk's own cid")
	}
}
