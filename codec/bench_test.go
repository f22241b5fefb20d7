package codec

import (
	"testing"

	"balance-rpc/message"
)

func benchmarkCodec(b *testing.B, cdc Codec) {
	msg := &message.RPCMessage{
		Pattern: "cmd:add,role:math",
		Payload: []byte(`{"A":1,"B":2}`),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(msg)
		var out message.RPCMessage
		cdc.Decode(data, &out)
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, GetCodec(CodecTypeJSON))
}

func BenchmarkCodecBinary(b *testing.B) {
	benchmarkCodec(b, GetCodec(CodecTypeBinary))
}
