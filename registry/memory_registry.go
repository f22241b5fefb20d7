package registry

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"balance-rpc/pattern"
)

type watcher struct {
	ctx context.Context
	ch  chan Event
}

// MemoryRegistry is an in-process Registry for tests and single-process
// setups. TTLs are ignored: instances live until deregistered.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]ServiceInstance // pin → id → instance
	watchers  map[string][]*watcher
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string]map[string]ServiceInstance),
		watchers:  make(map[string][]*watcher),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, inst ServiceInstance, _ time.Duration) error {
	inst, err := canonicalInstance(inst)
	if err != nil {
		return err
	}
	inst.Metadata = maps.Clone(inst.Metadata)

	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.instances[inst.Pin]
	if !ok {
		byID = make(map[string]ServiceInstance)
		r.instances[inst.Pin] = byID
	}
	byID[inst.ID] = inst
	r.notifyLocked(inst.Pin, Event{Type: EventPut, Instance: inst})
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, pin, id string) error {
	pin, err := pattern.Canonicalize(pin)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[pin][id]
	if !ok {
		return nil
	}
	delete(r.instances[pin], id)
	r.notifyLocked(pin, Event{Type: EventDelete, Instance: inst})
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, pin string) ([]ServiceInstance, error) {
	pin, err := pattern.Canonicalize(pin)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(pin), nil
}

// listLocked returns the instances of pin ordered by id.
func (r *MemoryRegistry) listLocked(pin string) []ServiceInstance {
	byID := r.instances[pin]
	out := make([]ServiceInstance, 0, len(byID))
	for _, id := range slices.Sorted(maps.Keys(byID)) {
		out = append(out, byID[id])
	}
	return out
}

func (r *MemoryRegistry) Watch(ctx context.Context, pin string) (<-chan Event, error) {
	pin, err := pattern.Canonicalize(pin)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	current := r.listLocked(pin)
	w := &watcher{ctx: ctx, ch: make(chan Event, len(current)+16)}
	for _, inst := range current {
		w.ch <- Event{Type: EventPut, Instance: inst}
	}
	r.watchers[pin] = append(r.watchers[pin], w)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.watchers[pin] = slices.DeleteFunc(r.watchers[pin], func(x *watcher) bool { return x == w })
		close(w.ch)
	}()
	return w.ch, nil
}

// notifyLocked delivers ev to every live watcher of pin. A slow watcher
// holds up registration until it reads or its context ends.
func (r *MemoryRegistry) notifyLocked(pin string, ev Event) {
	for _, w := range r.watchers[pin] {
		select {
		case w.ch <- ev:
		case <-w.ctx.Done():
		}
	}
}
