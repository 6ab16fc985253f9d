package wire_test

import (
	"testing"

	"github.com/rechain/sovereignsync/crdt"
	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(b byte) ids.ID {
	var out ids.ID
	out[0] = b
	return out
}

func TestEncodeDecodeActionsRoundTrip(t *testing.T) {
	actions := []dag.Action{
		{Kind: dag.ActionAdd, EntityID: id(1), CRDTType: crdt.TypeGCounter, Data: []byte{1, 2, 3}},
		{Kind: dag.ActionDelete, EntityID: id(2), DeletedAt: hlc.New(100, 3)},
	}

	blob, err := wire.EncodeActions(actions)
	require.NoError(t, err)

	got, err := wire.DecodeActions(blob)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, actions[0].Kind, got[0].Kind)
	assert.Equal(t, actions[0].EntityID, got[0].EntityID)
	assert.Equal(t, actions[0].CRDTType, got[0].CRDTType)
	assert.Equal(t, actions[0].Data, got[0].Data)
	assert.Equal(t, actions[1].Kind, got[1].Kind)
	assert.Equal(t, actions[1].DeletedAt, got[1].DeletedAt)
}

func TestDecodeActionsRejectsTrailingBytes(t *testing.T) {
	actions := []dag.Action{{Kind: dag.ActionAdd, EntityID: id(1), CRDTType: crdt.TypeGCounter, Data: []byte{9}}}
	blob, err := wire.EncodeActions(actions)
	require.NoError(t, err)

	_, err = wire.DecodeActions(append(blob, 0xFF))
	assert.Error(t, err)
}

func TestStateDeltaRoundTrip(t *testing.T) {
	msg := wire.StateDelta{
		ContextID: id(1),
		AuthorID:  id(2),
		DeltaID:   id(3),
		ParentIDs: []ids.ID{id(4), id(5)},
		HLC:       hlc.New(42, 1),
		RootHash:  [32]byte{0xAB},
		Artifact:  []byte{1, 2, 3},
		Nonce:     []byte("nonce"),
		Events:    [][]byte{[]byte("e1"), []byte("e2")},
	}

	blob := wire.EncodeStateDelta(msg)
	got, err := wire.DecodeStateDelta(blob)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestHashHeartbeatRoundTrip(t *testing.T) {
	msg := wire.HashHeartbeat{
		ContextID: id(9),
		RootHash:  [32]byte{0x01, 0x02},
		DagHeads:  []ids.ID{id(1), id(2)},
	}
	blob := wire.EncodeHashHeartbeat(msg)
	got, err := wire.DecodeHashHeartbeat(blob)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestPeekMessageType(t *testing.T) {
	delta := wire.EncodeStateDelta(wire.StateDelta{ContextID: id(1)})
	hb := wire.EncodeHashHeartbeat(wire.HashHeartbeat{ContextID: id(1)})

	isDelta, isHB := wire.PeekMessageType(delta)
	assert.True(t, isDelta)
	assert.False(t, isHB)

	isDelta, isHB = wire.PeekMessageType(hb)
	assert.False(t, isDelta)
	assert.True(t, isHB)
}

func TestFrameRoundTrip(t *testing.T) {
	init := wire.InitFrame{ContextID: id(1), PartyID: id(2), Payload: []byte("hello"), NextNonce: []byte("n1")}
	kind, decoded, err := wire.DecodeFrame(wire.EncodeInit(init))
	require.NoError(t, err)
	assert.Equal(t, wire.FrameInit, kind)
	assert.Equal(t, init, decoded)

	msg := wire.MessageFrame{SequenceID: 7, Payload: []byte("world"), NextNonce: []byte("n2")}
	kind, decoded, err = wire.DecodeFrame(wire.EncodeMessage(msg))
	require.NoError(t, err)
	assert.Equal(t, wire.FrameMessage, kind)
	assert.Equal(t, msg, decoded)

	oe := wire.OpaqueErrorFrame{Reason: "decrypt_failed"}
	kind, decoded, err = wire.DecodeFrame(wire.EncodeOpaqueError(oe))
	require.NoError(t, err)
	assert.Equal(t, wire.FrameOpaqueError, kind)
	assert.Equal(t, oe, decoded)
}

func TestDecodeFrameRejectsUnknownTag(t *testing.T) {
	_, _, err := wire.DecodeFrame([]byte{0xFF})
	assert.Error(t, err)
}
