package wire

import (
	"fmt"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// SnapshotEntry and SnapshotIndexEntry mirror package snapshot's Entry and
// IndexEntry without importing it (snapshot already depends on applier;
// keeping wire free of that import keeps the dependency graph a DAG).
type SnapshotEntry struct {
	ID   ids.ID
	Data []byte
}

type SnapshotIndexEntry struct {
	ID      ids.ID
	OwnHash [32]byte
}

// SnapshotRecord is the wire shape of snapshot.Snapshot (spec §4.4,
// §6 "Snapshot file"). EntityCount/IndexCount are recomputed from the
// decoded slices rather than trusted as transmitted fields.
type SnapshotRecord struct {
	Entries     []SnapshotEntry
	Indexes     []SnapshotIndexEntry
	RootHash    [32]byte
	CreatedAtNs uint64
}

// EncodeSnapshot serializes a SnapshotRecord.
func EncodeSnapshot(s SnapshotRecord) []byte {
	w := NewWriter()
	w.PutUint32(uint32(len(s.Entries)))
	for _, e := range s.Entries {
		w.PutID(e.ID)
		w.PutBytes(e.Data)
	}
	w.PutUint32(uint32(len(s.Indexes)))
	for _, ie := range s.Indexes {
		w.PutID(ie.ID)
		w.PutHash(ie.OwnHash)
	}
	w.PutHash(s.RootHash)
	w.PutUint64(s.CreatedAtNs)
	return w.Bytes()
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(b []byte) (SnapshotRecord, error) {
	var s SnapshotRecord
	r := NewReader(b)

	n, err := r.GetUint32()
	if err != nil {
		return s, err
	}
	s.Entries = make([]SnapshotEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var e SnapshotEntry
		if e.ID, err = r.GetID(); err != nil {
			return s, err
		}
		if e.Data, err = r.GetBytes(); err != nil {
			return s, err
		}
		s.Entries = append(s.Entries, e)
	}

	n, err = r.GetUint32()
	if err != nil {
		return s, err
	}
	s.Indexes = make([]SnapshotIndexEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var ie SnapshotIndexEntry
		if ie.ID, err = r.GetID(); err != nil {
			return s, err
		}
		if ie.OwnHash, err = r.GetHash(); err != nil {
			return s, err
		}
		s.Indexes = append(s.Indexes, ie)
	}

	if s.RootHash, err = r.GetHash(); err != nil {
		return s, err
	}
	if s.CreatedAtNs, err = r.GetUint64(); err != nil {
		return s, err
	}
	if !r.Done() {
		return s, fmt.Errorf("wire: %d trailing bytes after snapshot", r.remaining())
	}
	return s, nil
}
