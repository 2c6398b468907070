package grpc

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// gobCodec lets this service communicate over real gRPC framing and
// flow control without a .proto/protoc step: RPC payloads are plain
// Go structs from pkg/raft, gob-encoded. It is registered under a
// dedicated name and selected with grpc.ForceCodec on this package's
// client connections and grpc.ForceServerCodec on its server, so the
// default proto codec used by any other
// gRPC service in the same process is untouched.
type gobCodec struct{}

const codecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return codecName }
