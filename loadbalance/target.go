package loadbalance

import (
	"context"
	"maps"

	"balance-rpc/message"
)

// Invoker performs the call to one target. It is supplied by the transport
// layer and runs outside any balancer lock.
type Invoker func(ctx context.Context, msg *message.RPCMessage) (*message.RPCMessage, error)

// Target is a registered backend able to handle calls for a pattern.
type Target struct {
	ID       string
	Invoke   Invoker
	Metadata map[string]string // registration config, informational only
}

// TargetView is the read-only snapshot form of a Target.
type TargetView struct {
	ID       string
	Metadata map[string]string
}

// PatternView is the read-only snapshot form of a pattern's registry entry.
type PatternView struct {
	Key     string
	Cursor  int
	Targets []TargetView
}

// Snapshot maps group key → resolved pattern key → entry.
type Snapshot map[string]map[string]PatternView

func (t Target) view() TargetView {
	return TargetView{ID: t.ID, Metadata: maps.Clone(t.Metadata)}
}
