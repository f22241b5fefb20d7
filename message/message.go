// Package message defines the envelope exchanged between a balance client and
// its targets.
//
// RPCMessage gets serialized by the codec layer and wrapped in a protocol
// frame for transmission over TCP.
package message

// RPCMessage carries a single pattern-addressed request or response.
//
//   - On request:  Pattern is the canonical pattern of the call, Payload the serialized arguments.
//   - On response: Payload is the serialized reply, Error is non-empty if the handler failed.
type RPCMessage struct {
	Pattern string // Canonical pattern key, e.g. "a:1,x:2"
	Error   string // Non-empty if the target's handler returned an error
	Payload []byte // Opaque body, JSON in the default client helpers
}

// Clone returns a shallow copy of m. The payload slice is shared.
func (m *RPCMessage) Clone() *RPCMessage {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}
