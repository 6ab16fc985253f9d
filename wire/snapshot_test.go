package wire_test

import (
	"testing"

	"github.com/rechain/sovereignsync/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	rec := wire.SnapshotRecord{
		Entries: []wire.SnapshotEntry{
			{ID: id(1), Data: []byte("one")},
			{ID: id(2), Data: []byte("two")},
		},
		Indexes: []wire.SnapshotIndexEntry{
			{ID: id(1), OwnHash: [32]byte{0x01}},
		},
		RootHash:    [32]byte{0xEF},
		CreatedAtNs: 1234567890,
	}

	blob := wire.EncodeSnapshot(rec)
	got, err := wire.DecodeSnapshot(blob)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestSnapshotRoundTripEmpty(t *testing.T) {
	rec := wire.SnapshotRecord{RootHash: [32]byte{}, CreatedAtNs: 0}
	blob := wire.EncodeSnapshot(rec)
	got, err := wire.DecodeSnapshot(blob)
	require.NoError(t, err)
	assert.Empty(t, got.Entries)
	assert.Empty(t, got.Indexes)
}

func TestDecodeSnapshotRejectsTrailingBytes(t *testing.T) {
	rec := wire.SnapshotRecord{RootHash: [32]byte{0x01}}
	blob := wire.EncodeSnapshot(rec)
	_, err := wire.DecodeSnapshot(append(blob, 0xFF))
	assert.Error(t, err)
}
