package wire_test

import (
	"testing"

	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairwiseRoundTrips(t *testing.T) {
	cases := []any{
		wire.ModeRequest{Mode: wire.ModeDeltaSync, LocalHeads: []ids.ID{id(1), id(2)}},
		wire.ModeReject{ProposedMode: wire.ModeSnapshot},
		wire.SnapshotChunk{Index: 0, Total: 3, Data: []byte("chunk")},
		wire.DeltaHeads{Heads: []ids.ID{id(3)}},
		wire.DeltaBatch{Deltas: [][]byte{[]byte("d1"), []byte("d2")}},
		wire.RootDigestRequest{},
		wire.RootDigest{Hash: [32]byte{0xAB}},
		wire.LeafHashesRequest{},
		wire.LeafHashes{Hashes: [][32]byte{{0x01}, {0x02}}},
		wire.LeafPayloadRequest{Index: 4},
		wire.LeafPayload{Index: 4, Entries: []wire.Entry{{ID: id(5), Data: []byte("rec")}}},
		wire.Finalize{},
	}

	for _, want := range cases {
		blob := wire.EncodePairwise(want)
		got, err := wire.DecodePairwise(blob)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodePairwiseRejectsUnknownTag(t *testing.T) {
	_, err := wire.DecodePairwise([]byte{0xFF})
	assert.Error(t, err)
}

func TestEncodePairwisePanicsOnUnknownType(t *testing.T) {
	assert.Panics(t, func() {
		wire.EncodePairwise(struct{ X int }{X: 1})
	})
}
