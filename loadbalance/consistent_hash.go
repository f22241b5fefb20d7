package loadbalance

import (
	"context"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"balance-rpc/message"
)

// ConsistentHash is an explicit strategy that sends every call with the same
// affinity key to the same target, until that entry's target list changes.
// Useful for targets keeping per-key local state.
//
// Each target is placed on the ring as replicas virtual nodes hashed from
// "{id}#{i}", so a handful of targets still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHash struct {
	replicas int
	keyOf    func(*message.RPCMessage) string

	mu    sync.Mutex
	rings map[string]*hashRing // group + "\x00" + pattern key → ring
}

type hashRing struct {
	signature string // joined target ids the ring was built from
	points    []uint32
	owners    map[uint32]Target
}

// NewConsistentHash builds the strategy. keyOf extracts the affinity key from
// a call; nil uses the raw payload.
func NewConsistentHash(replicas int, keyOf func(*message.RPCMessage) string) *ConsistentHash {
	if replicas <= 0 {
		replicas = 100
	}
	if keyOf == nil {
		keyOf = func(m *message.RPCMessage) string { return string(m.Payload) }
	}
	return &ConsistentHash{
		replicas: replicas,
		keyOf:    keyOf,
		rings:    make(map[string]*hashRing),
	}
}

func (h *ConsistentHash) Name() string { return "consistent-hash" }

func (h *ConsistentHash) Dispatch(ctx context.Context, e Entry, msg *message.RPCMessage) (*message.RPCMessage, error) {
	t, ok := h.pick(e, h.keyOf(msg))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoCurrentTarget, e.Key())
	}
	return t.Invoke(ctx, msg)
}

func (h *ConsistentHash) pick(e Entry, key string) (Target, bool) {
	targets := e.Targets()
	if len(targets) == 0 {
		return Target{}, false
	}

	ring := h.ring(e.Group()+"\x00"+e.Key(), targets)
	hash := crc32.ChecksumIEEE([]byte(key))

	// First node clockwise from the key, wrapping past the end.
	idx := sort.Search(len(ring.points), func(i int) bool {
		return ring.points[i] >= hash
	})
	if idx == len(ring.points) {
		idx = 0
	}
	return ring.owners[ring.points[idx]], true
}

// ring returns the cached ring for an entry, rebuilding it when the target
// set changed since the last call.
func (h *ConsistentHash) ring(entryKey string, targets []Target) *hashRing {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	signature := strings.Join(ids, "\x00")

	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rings[entryKey]; ok && r.signature == signature {
		return r
	}

	r := &hashRing{
		signature: signature,
		points:    make([]uint32, 0, len(targets)*h.replicas),
		owners:    make(map[uint32]Target, len(targets)*h.replicas),
	}
	for _, t := range targets {
		for i := 0; i < h.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", t.ID, i)))
			r.points = append(r.points, hash)
			r.owners[hash] = t
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		return r.points[i] < r.points[j]
	})
	h.rings[entryKey] = r
	return r
}
