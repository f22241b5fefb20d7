package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"balance-rpc/pattern"
)

const keyPrefix = "/balance-rpc/"

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc // stops KeepAlive
}

// EtcdRegistry keeps instances in etcd as a "distributed phonebook":
//
//	Key:   /balance-rpc/{escaped canonical pin}/{id}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL leases: if a server dies the lease expires and the
// entry disappears, so no ghost targets linger in balancers.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]registration // instance key → lease
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		logger: logger,
		leases: make(map[string]registration),
	}, nil
}

func pinPrefix(pin string) string {
	return keyPrefix + url.PathEscape(pin) + "/"
}

func instanceKey(pin, id string) string {
	return pinPrefix(pin) + url.PathEscape(id)
}

// Register puts inst under a lease of ttl (rounded up to whole seconds) and
// keeps the lease alive in the background.
//
// The lease id is tracked per instance key, not on the struct, so several
// servers can share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, inst ServiceInstance, ttl time.Duration) error {
	inst, err := canonicalInstance(inst)
	if err != nil {
		return err
	}
	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	lease, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return err
	}
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	key := instanceKey(inst.Pin, inst.ID)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive must outlive the caller's ctx; Deregister stops it.
	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	prev, ok := r.leases[key]
	r.leases[key] = registration{lease: lease.ID, cancel: cancel}
	r.mu.Unlock()
	if ok {
		prev.cancel()
	}

	r.logger.Info("instance registered",
		zap.String("pin", inst.Pin),
		zap.String("id", inst.ID),
		zap.String("addr", inst.Addr),
		zap.Int64("ttl", seconds))
	return nil
}

// Deregister removes an instance. Leases held by this registry are revoked,
// which deletes the key with them.
func (r *EtcdRegistry) Deregister(ctx context.Context, pin, id string) error {
	pin, err := pattern.Canonicalize(pin)
	if err != nil {
		return err
	}
	key := instanceKey(pin, id)

	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			return err
		}
		return nil
	}
	_, err = r.client.Delete(ctx, key)
	return err
}

// Discover returns all instances currently registered for pin.
func (r *EtcdRegistry) Discover(ctx context.Context, pin string) ([]ServiceInstance, error) {
	instances, _, err := r.list(ctx, pin)
	return instances, err
}

func (r *EtcdRegistry) list(ctx context.Context, pin string) ([]ServiceInstance, int64, error) {
	pin, err := pattern.Canonicalize(pin)
	if err != nil {
		return nil, 0, err
	}
	resp, err := r.client.Get(ctx, pinPrefix(pin), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, resp.Header.Revision, nil
}

// Watch lists the current instances, then follows the prefix from the next
// revision so no change between the two is lost.
func (r *EtcdRegistry) Watch(ctx context.Context, pin string) (<-chan Event, error) {
	pin, err := pattern.Canonicalize(pin)
	if err != nil {
		return nil, err
	}
	current, rev, err := r.list(ctx, pin)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, len(current)+16)
	for _, inst := range current {
		out <- Event{Type: EventPut, Instance: inst}
	}

	watchChan := r.client.Watch(ctx, pinPrefix(pin),
		clientv3.WithPrefix(),
		clientv3.WithRev(rev+1),
		clientv3.WithPrevKV())

	go func() {
		defer close(out)
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("watch failed", zap.String("pin", pin), zap.Error(err))
				return
			}
			for _, ev := range resp.Events {
				event, ok := r.toEvent(pin, ev)
				if !ok {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *EtcdRegistry) toEvent(pin string, ev *clientv3.Event) (Event, bool) {
	if ev.Type == clientv3.EventTypePut {
		var inst ServiceInstance
		if err := json.Unmarshal(ev.Kv.Value, &inst); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
			return Event{}, false
		}
		return Event{Type: EventPut, Instance: inst}, true
	}

	if ev.PrevKv != nil {
		var inst ServiceInstance
		if err := json.Unmarshal(ev.PrevKv.Value, &inst); err == nil {
			return Event{Type: EventDelete, Instance: inst}, true
		}
	}
	escaped := strings.TrimPrefix(string(ev.Kv.Key), pinPrefix(pin))
	id, err := url.PathUnescape(escaped)
	if err != nil {
		return Event{}, false
	}
	return Event{Type: EventDelete, Instance: ServiceInstance{ID: id, Pin: pin}}, true
}

// Close stops every keepalive and closes the etcd client. Registered
// instances expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("registry: close etcd client: %w", err)
	}
	return nil
}
