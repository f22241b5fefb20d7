package loadbalance

import (
	"context"
	"fmt"
	"sync"

	"balance-rpc/message"
)

// Entry is the registry view a Model dispatches against: one resolved
// pattern within one group.
type Entry interface {
	Group() string
	Key() string

	// Next claims the target at the rotation cursor and advances the cursor.
	// It reports false when the entry has no current target.
	Next() (Target, bool)

	// Targets returns a copy of the current targets in registration order.
	Targets() []Target
}

// Model decides which target(s) of an entry receive a call and how their
// outcomes become the one outcome returned to the caller.
//
// Dispatch is called on every Route - it must be goroutine-safe. It must
// return ErrNoCurrentTarget when the entry has no targets.
type Model interface {
	Name() string
	Dispatch(ctx context.Context, e Entry, msg *message.RPCMessage) (*message.RPCMessage, error)
}

const (
	ModelConsume = "consume"
	ModelObserve = "observe"
)

// ModelByName returns one of the built-in models. The empty name selects
// consume.
func ModelByName(name string) (Model, error) {
	switch name {
	case "", ModelConsume:
		return Consume{}, nil
	case ModelObserve:
		return Observe{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
}

// Consume is exclusive round-robin: each call goes to exactly one target,
// cycling through targets in registration order. The cursor advances whether
// or not the call succeeds, so a failing target keeps its share of traffic
// and its errors reach the caller.
type Consume struct{}

func (Consume) Name() string { return ModelConsume }

func (Consume) Dispatch(ctx context.Context, e Entry, msg *message.RPCMessage) (*message.RPCMessage, error) {
	t, ok := e.Next()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoCurrentTarget, e.Key())
	}
	return t.Invoke(ctx, msg)
}

// Observe broadcasts each call to every target concurrently. The first
// invocation to finish decides the outcome; the rest run to completion and
// are discarded. The cursor is never touched.
type Observe struct{}

func (Observe) Name() string { return ModelObserve }

func (Observe) Dispatch(ctx context.Context, e Entry, msg *message.RPCMessage) (*message.RPCMessage, error) {
	targets := e.Targets()
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoCurrentTarget, e.Key())
	}

	// Losers outlive the caller, so they must not inherit its cancellation.
	detached := context.WithoutCancel(ctx)
	slot := newResultSlot()
	for _, t := range targets {
		go func(t Target, msg *message.RPCMessage) {
			reply, err := t.Invoke(detached, msg)
			slot.set(reply, err)
		}(t, msg.Clone())
	}

	select {
	case <-slot.done:
		return slot.reply, slot.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resultSlot is written exactly once; later writes are dropped.
type resultSlot struct {
	once  sync.Once
	done  chan struct{}
	reply *message.RPCMessage
	err   error
}

func newResultSlot() *resultSlot {
	return &resultSlot{done: make(chan struct{})}
}

func (s *resultSlot) set(reply *message.RPCMessage, err error) {
	s.once.Do(func() {
		s.reply, s.err = reply, err
		close(s.done)
	})
}
