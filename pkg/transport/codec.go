// Package transport carries the engine's RPCs over
// google.golang.org/grpc. Rather than depending on protoc-generated
// stubs, it registers grpc's ServiceDesc by hand and encodes messages
// with a small gob-based codec, so the wire uses the same serialization
// idiom as the metadata store and the log.
package transport

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// gobCodecName is registered with grpc's encoding package and selected
// on both client and server via grpc.CallContentSubtype /
// grpc.ForceServerCodec, so every message on the wire is gob-encoded
// rather than protobuf-encoded - the same serialization idiom already
// used by the metadata store and the log.
const gobCodecName = "gob"

type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return gobCodecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
