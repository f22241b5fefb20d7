package loadbalance

import "errors"

var (
	// ErrNoTarget means no registration was ever made for the resolved
	// pattern in the group: the route is not wired to this balancer.
	ErrNoTarget = errors.New("loadbalance: no target registered for pattern")

	// ErrNoCurrentTarget means the pattern is known but every target has
	// since been removed.
	ErrNoCurrentTarget = errors.New("loadbalance: no current target for pattern")

	// ErrUnknownModel is returned by New for a model name outside the
	// supported set.
	ErrUnknownModel = errors.New("loadbalance: unknown dispatch model")

	// ErrInvalidTarget is returned by Register for a target without an id
	// or invoker.
	ErrInvalidTarget = errors.New("loadbalance: target needs an id and an invoker")
)
