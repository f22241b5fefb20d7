package codec

import (
	"balance-rpc/message"
	"testing"
)

func roundTrip(t *testing.T, cdc Codec) {
	t.Helper()

	originalMsg := &message.RPCMessage{
		Pattern: "a:1,x:2",
		Payload: []byte(`{"x":2}`),
		Error:   "remote failure",
	}

	data, err := cdc.Encode(originalMsg)
	if err != nil {
		t.Fatalf("%s Encode failed: %v", cdc.Type(), err)
	}

	var decodedMsg message.RPCMessage
	if err := cdc.Decode(data, &decodedMsg); err != nil {
		t.Fatalf("%s Decode failed: %v", cdc.Type(), err)
	}

	if originalMsg.Pattern != decodedMsg.Pattern {
		t.Errorf("Pattern mismatch: got %s, want %s", decodedMsg.Pattern, originalMsg.Pattern)
	}
	if string(originalMsg.Payload) != string(decodedMsg.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", decodedMsg.Payload, originalMsg.Payload)
	}
	if originalMsg.Error != decodedMsg.Error {
		t.Errorf("Error mismatch: got %s, want %s", decodedMsg.Error, originalMsg.Error)
	}
}

func TestJSONCodec(t *testing.T) {
	roundTrip(t, GetCodec(CodecTypeJSON))
}

func TestBinaryCodec(t *testing.T) {
	roundTrip(t, GetCodec(CodecTypeBinary))
}

func TestBinaryCodecRejectsShortBody(t *testing.T) {
	cdc := &BinaryCodec{}
	data, err := cdc.Encode(&message.RPCMessage{Pattern: "a:1", Payload: []byte("hello")})
	if err != nil {
		t.Fatal(err)
	}

	var msg message.RPCMessage
	if err := cdc.Decode(data[:len(data)-3], &msg); err == nil {
		t.Fatal("expect error for truncated body")
	}
}

func TestBinaryCodecRejectsOtherTypes(t *testing.T) {
	cdc := &BinaryCodec{}
	if _, err := cdc.Encode("not a message"); err == nil {
		t.Fatal("expect error encoding a string")
	}
}

func TestParseCodecType(t *testing.T) {
	cases := map[string]CodecType{"": CodecTypeJSON, "json": CodecTypeJSON, "Binary": CodecTypeBinary}
	for name, want := range cases {
		got, err := ParseCodecType(name)
		if err != nil {
			t.Fatalf("ParseCodecType(%q) failed: %v", name, err)
		}
		if got != want {
			t.Errorf("ParseCodecType(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := ParseCodecType("protobuf"); err == nil {
		t.Fatal("expect error for unknown codec")
	}
}
