// Package codec serializes message.RPCMessage bodies for the frame protocol.
package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

// GetCodec returns the codec for codecType. Unknown types fall back to JSON.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeBinary {
		return &BinaryCodec{}
	}
	return &JSONCodec{}
}

// ParseCodecType maps a config name ("json", "binary") to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	default:
		return 0, fmt.Errorf("codec: unknown codec %q", name)
	}
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}
