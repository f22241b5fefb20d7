// Package registry is the source of target registration events: servers
// advertise the pattern they serve, balance clients watch for them.
package registry

import (
	"context"
	"errors"
	"time"

	"balance-rpc/pattern"
)

// ErrInvalidInstance is returned by Register for an instance without an id
// or address.
var ErrInvalidInstance = errors.New("registry: instance needs an id and an address")

// ServiceInstance is one target advertised for a pattern.
type ServiceInstance struct {
	ID       string            `json:"id"`
	Addr     string            `json:"addr"`
	Pin      string            `json:"pin"`              // canonical pattern served
	Weight   int               `json:"weight,omitempty"` // read by weighted strategies
	Metadata map[string]string `json:"metadata,omitempty"`
}

type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	if t == EventDelete {
		return "delete"
	}
	return "put"
}

// Event reports an instance appearing (or being updated) or going away.
// For EventDelete only ID and Pin are guaranteed to be set.
type Event struct {
	Type     EventType
	Instance ServiceInstance
}

// Registry stores instances per canonical pin. Pins may be given in any
// pattern form; implementations canonicalize them.
type Registry interface {
	// Register advertises inst until Deregister or until ttl passes without
	// renewal. Implementations renew the registration themselves.
	Register(ctx context.Context, inst ServiceInstance, ttl time.Duration) error
	Deregister(ctx context.Context, pin, id string) error
	Discover(ctx context.Context, pin string) ([]ServiceInstance, error)

	// Watch emits a put for every current instance, then every change,
	// until ctx is done. The channel is closed afterwards.
	Watch(ctx context.Context, pin string) (<-chan Event, error)
}

func canonicalInstance(inst ServiceInstance) (ServiceInstance, error) {
	if inst.ID == "" || inst.Addr == "" {
		return inst, ErrInvalidInstance
	}
	pin, err := pattern.Canonicalize(inst.Pin)
	if err != nil {
		return inst, err
	}
	inst.Pin = pin
	return inst, nil
}
