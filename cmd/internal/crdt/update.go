package crdt

import (
	"encoding/json"
	"fmt"
)

// update is the wire form of an op batch. The relay never sees this type;
// it treats the encoded bytes as opaque.
type update struct {
	Ops []Op `json:"ops"`
}

// EncodeUpdate encodes an op batch for broadcast.
func EncodeUpdate(ops []Op) ([]byte, error) {
	return json.Marshal(update{Ops: ops})
}

// DecodeUpdate decodes a broadcast op batch.
func DecodeUpdate(data []byte) ([]Op, error) {
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("crdt: decode update: %w", err)
	}
	return u.Ops, nil
}

// ApplyRemoteUpdate decodes and merges an encoded update.
func (d *Doc) ApplyRemoteUpdate(data []byte) error {
	ops, err := DecodeUpdate(data)
	if err != nil {
		return err
	}
	return d.ApplyRemote(ops)
}

// EncodeStateVector encodes this replica's state vector for a sync request.
func (d *Doc) EncodeStateVector() ([]byte, error) {
	return json.Marshal(d.StateVector())
}

// DiffSince returns an encoded update holding every op beyond the given
// encoded state vector. This is the late-joiner bootstrap path: full current
// state, no history replay.
func (d *Doc) DiffSince(stateVector []byte) ([]byte, error) {
	sv := map[string]int{}
	if len(stateVector) > 0 {
		if err := json.Unmarshal(stateVector, &sv); err != nil {
			return nil, fmt.Errorf("crdt: decode state vector: %w", err)
		}
	}
	return EncodeUpdate(d.OpsSince(sv))
}
