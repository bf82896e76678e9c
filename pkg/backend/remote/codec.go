package remote

import (
	"encoding/json"
)

// CodecName is the gRPC content subtype used on the wire.
const CodecName = "json"

// Codec encodes messages as JSON so the service needs no generated stubs.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (Codec) Name() string { return CodecName }
