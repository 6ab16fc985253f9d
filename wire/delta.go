package wire

import (
	"fmt"

	"github.com/rechain/sovereignsync/dag"
)

// EncodeDelta serializes a full CausalDelta, used by DeltaSync batch
// transfer and by Snapshot mode's "stream deltas newer than the
// snapshot's dag_heads" step (spec §4.7).
func EncodeDelta(d *dag.CausalDelta) ([]byte, error) {
	w := NewWriter()
	w.PutID(d.ID)
	w.PutIDs(d.Parents)
	w.PutUint32(uint32(len(d.Actions)))
	for _, a := range d.Actions {
		if err := w.PutAction(a); err != nil {
			return nil, err
		}
	}
	w.PutHLC(d.HLC)
	w.PutHash(d.ExpectedRootHash)
	return w.Bytes(), nil
}

// DecodeDelta is the inverse of EncodeDelta.
func DecodeDelta(b []byte) (*dag.CausalDelta, error) {
	r := NewReader(b)
	d := &dag.CausalDelta{}
	var err error
	if d.ID, err = r.GetID(); err != nil {
		return nil, err
	}
	if d.Parents, err = r.GetIDs(); err != nil {
		return nil, err
	}
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	d.Actions = make([]dag.Action, 0, n)
	for i := uint32(0); i < n; i++ {
		a, err := r.GetAction()
		if err != nil {
			return nil, fmt.Errorf("wire: decode delta action %d: %w", i, err)
		}
		d.Actions = append(d.Actions, a)
	}
	if d.HLC, err = r.GetHLC(); err != nil {
		return nil, err
	}
	if d.ExpectedRootHash, err = r.GetHash(); err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, fmt.Errorf("wire: %d trailing bytes after delta", r.remaining())
	}
	return d, nil
}
