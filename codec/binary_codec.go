package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"balance-rpc/message"
)

var (
	errNotMessage = errors.New("BinaryCodec: v must be *message.RPCMessage")
	errShortBody  = errors.New("BinaryCodec: body too short")
)

// BinaryCodec lays out an RPCMessage as length-prefixed fields:
//
//	pattern len (2) | pattern | payload len (4) | payload | error len (2) | error
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotMessage
	}
	if len(msg.Pattern) > math.MaxUint16 || len(msg.Error) > math.MaxUint16 {
		return nil, fmt.Errorf("BinaryCodec: pattern or error longer than %d bytes", math.MaxUint16)
	}

	buf := make([]byte, 0, 2+len(msg.Pattern)+4+len(msg.Payload)+2+len(msg.Error))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Pattern)))
	buf = append(buf, msg.Pattern...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotMessage
	}

	r := reader{data: data}
	pattern := r.next(int(r.uint16()))
	payload := r.next(int(r.uint32()))
	errText := r.next(int(r.uint16()))
	if r.err != nil {
		return r.err
	}

	msg.Pattern = string(pattern)
	msg.Payload = append([]byte(nil), payload...)
	msg.Error = string(errText)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks a body and remembers the first short read.
type reader struct {
	data []byte
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.data) {
		r.err = errShortBody
		return nil
	}
	out := r.data[:n]
	r.data = r.data[n:]
	return out
}

func (r *reader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
