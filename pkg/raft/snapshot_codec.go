package raft

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// encodeSnapshotData/decodeSnapshotData turn a state machine snapshot
// into the opaque byte payload InstallSnapshotArgs carries over the
// wire, independent of whatever encoding a given Transport uses for
// the RPC envelope itself.
func encodeSnapshotData(data map[string]string) []byte {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(data); err != nil {
		return nil
	}
	return buf.Bytes()
}

func decodeSnapshotData(raw []byte) (map[string]string, error) {
	var data map[string]string
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return nil, fmt.Errorf("raft: decode snapshot payload: %w", err)
	}
	return data, nil
}
