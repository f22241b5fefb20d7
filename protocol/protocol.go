// Package protocol implements the binary frame format spoken between balance
// clients and target servers.
//
// A fixed 14-byte header precedes a variable-length body so the reader always
// knows how many bytes belong to the current frame.
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ blc  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Version    byte = 0x01
	HeaderSize int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation a single frame can trigger.
	MaxBodyLen uint32 = 16 << 20
)

// Magic identifies a balance-rpc frame ("blc").
var Magic = [3]byte{'b', 'l', 'c'}

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2 // no body
)

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

var (
	ErrInvalidMagic       = errors.New("protocol: invalid magic number")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnsupportedCodec   = errors.New("protocol: unsupported codec type")
	ErrUnsupportedMsgType = errors.New("protocol: unsupported message type")
	ErrBodyTooLarge       = errors.New("protocol: body too large")
)

// Header is the decoded fixed-size frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // Matches a response to its request on a multiplexed connection
	BodyLen   uint32
}

// Encode writes one frame to w in a single Write call. Callers sharing w
// across goroutines still need to serialize calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return ErrBodyTooLarge
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], Magic[:])
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// Decode reads exactly one frame from r and validates its header.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != Magic[0] || headerBuf[1] != Magic[1] || headerBuf[2] != Magic[2] {
		return nil, nil, fmt.Errorf("%w: %x", ErrInvalidMagic, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedCodec, headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedMsgType, msgType)
	}

	h := &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       binary.BigEndian.Uint32(headerBuf[6:10]),
		BodyLen:   binary.BigEndian.Uint32(headerBuf[10:14]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, h.BodyLen)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
