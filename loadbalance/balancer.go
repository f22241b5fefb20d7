// Package loadbalance routes outbound calls for a message pattern across a
// changing set of targets.
//
// A Balancer keeps, per group, an ordered target list and a rotation cursor
// for every resolved pattern key. Each Route hands the matching entry to the
// configured Model:
//   - consume: exclusive round-robin, one target per call (default)
//   - observe: broadcast to all targets, first reply wins
//
// Explicit strategies (ConsistentHash, WeightedRandom or any Model) can be
// supplied with WithStrategy.
package loadbalance

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"balance-rpc/message"
	"balance-rpc/pattern"
)

// Observer is notified of registry changes and dispatch outcomes. Calls are
// made synchronously from the Balancer and must not block.
type Observer interface {
	TargetsChanged(group, key string, count int)
	Dispatched(group, key, model string, err error)
}

type nopObserver struct{}

func (nopObserver) TargetsChanged(string, string, int)       {}
func (nopObserver) Dispatched(string, string, string, error) {}

// Balancer is the dispatch facade over one private target registry.
// Independent Balancers never share state.
type Balancer struct {
	model    Model
	registry *groupRegistry
	logger   *zap.Logger
	observer Observer
}

// Option configures a Balancer.
type Option func(*Balancer) error

// WithModel selects a built-in model by name. Unknown names make New fail
// with ErrUnknownModel.
func WithModel(name string) Option {
	return func(b *Balancer) error {
		m, err := ModelByName(name)
		if err != nil {
			return err
		}
		b.model = m
		return nil
	}
}

// WithStrategy installs an explicit Model implementation.
func WithStrategy(m Model) Option {
	return func(b *Balancer) error {
		if m == nil {
			return fmt.Errorf("%w: nil strategy", ErrUnknownModel)
		}
		b.model = m
		return nil
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Balancer) error {
		if l != nil {
			b.logger = l
		}
		return nil
	}
}

func WithObserver(o Observer) Option {
	return func(b *Balancer) error {
		if o != nil {
			b.observer = o
		}
		return nil
	}
}

// New creates a Balancer using the consume model unless told otherwise.
func New(opts ...Option) (*Balancer, error) {
	b := &Balancer{
		model:    Consume{},
		registry: newGroupRegistry(),
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Model returns the name of the configured model.
func (b *Balancer) Model() string {
	return b.model.Name()
}

// Register adds t to the targets of pin within group. Registering an id that
// is already present is a no-op.
func (b *Balancer) Register(group, pin any, t Target) error {
	if t.ID == "" || t.Invoke == nil {
		return ErrInvalidTarget
	}
	groupKey, key, err := canonicalPair(group, pin)
	if err != nil {
		return err
	}

	t.Metadata = maps.Clone(t.Metadata)
	added, count := b.registry.add(groupKey, key, t)
	if !added {
		return nil
	}
	b.logger.Debug("target added",
		zap.String("group", groupKey),
		zap.String("pattern", key),
		zap.String("id", t.ID),
		zap.Int("targets", count))
	b.observer.TargetsChanged(groupKey, key, count)
	return nil
}

// Deregister removes the target with id from pin within group and restarts
// the rotation from the first target. Unknown ids are ignored.
func (b *Balancer) Deregister(group, pin any, id string) error {
	groupKey, key, err := canonicalPair(group, pin)
	if err != nil {
		return err
	}

	removed, count := b.registry.remove(groupKey, key, id)
	if !removed {
		return nil
	}
	b.logger.Debug("target removed",
		zap.String("group", groupKey),
		zap.String("pattern", key),
		zap.String("id", id),
		zap.Int("targets", count))
	b.observer.TargetsChanged(groupKey, key, count)
	return nil
}

// Route dispatches msg to the target(s) registered under the resolved
// pattern of group.
//
// It fails with ErrNoTarget when nothing was ever registered for the
// pattern, and with ErrNoCurrentTarget when every target has been removed.
// Errors from the targets themselves are returned as is.
func (b *Balancer) Route(ctx context.Context, group, resolved any, msg *message.RPCMessage) (*message.RPCMessage, error) {
	groupKey, key, err := canonicalPair(group, resolved)
	if err != nil {
		return nil, err
	}

	state, ok := b.registry.lookup(groupKey, key)
	if !ok {
		err := fmt.Errorf("%w: group %q pattern %q", ErrNoTarget, groupKey, key)
		b.observer.Dispatched(groupKey, key, b.model.Name(), err)
		return nil, err
	}

	reply, err := b.model.Dispatch(ctx, &entry{registry: b.registry, group: groupKey, state: state}, msg)
	b.observer.Dispatched(groupKey, key, b.model.Name(), err)
	if err != nil && errors.Is(err, ErrNoCurrentTarget) {
		b.logger.Debug("no current target",
			zap.String("group", groupKey),
			zap.String("pattern", key))
	}
	return reply, err
}

// Snapshot returns a deep copy of the given groups, or of all groups when
// called without arguments. Groups never registered are left out.
func (b *Balancer) Snapshot(groups ...any) (Snapshot, error) {
	keys := make([]string, 0, len(groups))
	for _, g := range groups {
		key, err := pattern.Canonicalize(g)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return b.registry.snapshot(keys), nil
}

func canonicalPair(group, pin any) (string, string, error) {
	groupKey, err := pattern.Canonicalize(group)
	if err != nil {
		return "", "", fmt.Errorf("group: %w", err)
	}
	key, err := pattern.Canonicalize(pin)
	if err != nil {
		return "", "", err
	}
	return groupKey, key, nil
}
