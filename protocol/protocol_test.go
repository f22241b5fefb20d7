package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeRequest,
		Seq:       12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.CodecType != header.CodecType {
		t.Errorf("CodecType mismatch: got %d, want %d", decodedHeader.CodecType, header.CodecType)
	}
	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.Seq != header.Seq {
		t.Errorf("Seq mismatch: got %d, want %d", decodedHeader.Seq, header.Seq)
	}
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", decodedBody, body)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	frame := []byte{'m', 'r', 'p', Version, CodecTypeJSON, byte(MsgTypeRequest), 0, 0, 0x30, 0x39, 0, 0, 0, 0}

	_, _, err := Decode(bytes.NewReader(frame))
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expect ErrInvalidMagic, got %v", err)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	frame := []byte{
		Magic[0], Magic[1], Magic[2],
		0xFF,
		CodecTypeJSON,
		byte(MsgTypeRequest),
		0, 0, 0, 1, // Seq
		0, 0, 0, 0, // BodyLen
	}

	_, _, err := Decode(bytes.NewReader(frame))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expect ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeRejectsOversizedBody(t *testing.T) {
	frame := []byte{
		Magic[0], Magic[1], Magic[2], Version, CodecTypeBinary, byte(MsgTypeResponse),
		0, 0, 0, 1,
		0xFF, 0xFF, 0xFF, 0xFF,
	}

	_, _, err := Decode(bytes.NewReader(frame))
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expect ErrBodyTooLarge, got %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeHeartbeat,
	}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypeHeartbeat)
	}
	if len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeRequest, Seq: 999}, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}
