package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json. Readable on the wire and easy to debug, at
// the price of reflection and repeated field names.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
