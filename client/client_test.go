package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"balance-rpc/codec"
	"balance-rpc/loadbalance"
	"balance-rpc/message"
	"balance-rpc/middleware"
	"balance-rpc/registry"
	"balance-rpc/server"
	"balance-rpc/transport"
)

type Reply struct {
	X int `json:"x"`
}

// startTarget serves pin on a fresh port, replying {"x": x}.
func startTarget(t *testing.T, pin string, x int) (*server.Server, string) {
	t.Helper()
	svr := server.NewServer()
	svr.Add(pin, func(context.Context, *message.RPCMessage) (*message.RPCMessage, error) {
		return &message.RPCMessage{Payload: []byte(fmt.Sprintf(`{"x":%d}`, x))}, nil
	})
	addr, err := svr.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, addr.String()
}

func newClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func act(t *testing.T, c *Client, pat string) int {
	t.Helper()
	var reply Reply
	if err := c.Call(context.Background(), pat, struct{}{}, &reply); err != nil {
		t.Fatalf("Call(%s) failed: %v", pat, err)
	}
	return reply.X
}

func expectSequence(t *testing.T, c *Client, pat string, want ...int) {
	t.Helper()
	for i, w := range want {
		if got := act(t, c, pat); got != w {
			t.Fatalf("call %d: expect x=%d, got %d", i, w, got)
		}
	}
}

func TestHappy(t *testing.T) {
	_, addr0 := startTarget(t, "a:1", 0)
	_, addr1 := startTarget(t, "a:1", 1)

	c := newClient(t)
	if _, err := c.Pin("a:1"); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	c.AddTarget(ctx, TargetConfig{Addr: addr0, Pin: "a:1"})
	c.AddTarget(ctx, TargetConfig{Addr: addr1, Pin: "a:1"})

	expectSequence(t, c, "a:1", 0, 1, 0)
}

func TestAddRemove(t *testing.T) {
	_, addr0 := startTarget(t, "a:1", 0)
	_, addr1 := startTarget(t, "a:1", 1)
	c := newClient(t)
	c.Pin("a:1")
	ctx := context.Background()

	c.AddTarget(ctx, TargetConfig{Addr: addr0, Pin: "a:1"})
	expectSequence(t, c, "a:1", 0)

	c.AddTarget(ctx, TargetConfig{Addr: addr1, Pin: "a:1"})
	expectSequence(t, c, "a:1", 0, 1)

	if err := c.RemoveTarget(TargetConfig{Addr: addr1, Pin: "a:1"}); err != nil {
		t.Fatal(err)
	}
	expectSequence(t, c, "a:1", 0, 0)
}

func TestRemoveWithoutMatch(t *testing.T) {
	_, addr0 := startTarget(t, "a:1", 0)
	_, addr1 := startTarget(t, "a:1", 1)
	c := newClient(t)
	c.Pin("a:1")
	ctx := context.Background()

	c.AddTarget(ctx, TargetConfig{Addr: addr0, Pin: "a:1"})
	expectSequence(t, c, "a:1", 0)
	c.AddTarget(ctx, TargetConfig{Addr: addr1, Pin: "a:1"})
	expectSequence(t, c, "a:1", 0, 1)

	if err := c.RemoveTarget(TargetConfig{Addr: addr0, Pin: "a:5"}); err != nil {
		t.Fatalf("remove with unmatched pin: %v", err)
	}
	expectSequence(t, c, "a:1", 0, 1)
}

func TestCustomID(t *testing.T) {
	_, addr0 := startTarget(t, "a:1", 0)
	_, addr1 := startTarget(t, "a:1", 1)
	c := newClient(t)
	c.Pin("a:1")
	ctx := context.Background()

	c.AddTarget(ctx, TargetConfig{ID: "foo", Addr: addr0, Pin: "a:1"})
	expectSequence(t, c, "a:1", 0)
	c.AddTarget(ctx, TargetConfig{ID: "bar", Addr: addr1, Pin: "a:1"})
	expectSequence(t, c, "a:1", 0, 1)

	c.RemoveTarget(TargetConfig{ID: "bar", Pin: "a:1"})
	expectSequence(t, c, "a:1", 0, 0)

	snap, _ := c.Snapshot("a:1")
	targets := snap["a:1"]["a:1"].Targets
	if len(targets) != 1 || targets[0].ID != "foo" || targets[0].Metadata["addr"] != addr0 {
		t.Fatalf("unexpected targets %+v", targets)
	}
}

func TestNoUpstreams(t *testing.T) {
	c := newClient(t)
	c.Pin("a:1")

	_, err := c.Act(context.Background(), "a:1", nil)
	if !errors.Is(err, loadbalance.ErrNoTarget) {
		t.Fatalf("expect ErrNoTarget, got %v", err)
	}

	_, err = c.Act(context.Background(), "b:1", nil)
	if !errors.Is(err, ErrNoGroup) {
		t.Fatalf("expect ErrNoGroup, got %v", err)
	}
}

func TestAllTargetsGone(t *testing.T) {
	_, addr0 := startTarget(t, "a:1", 0)
	c := newClient(t)
	c.Pin("a:1")
	c.AddTarget(context.Background(), TargetConfig{Addr: addr0, Pin: "a:1"})
	c.RemoveTarget(TargetConfig{Addr: addr0, Pin: "a:1"})

	if _, err := c.Act(context.Background(), "a:1", nil); !errors.Is(err, loadbalance.ErrNoCurrentTarget) {
		t.Fatalf("expect ErrNoCurrentTarget, got %v", err)
	}
}

func TestSpecificTargetPin(t *testing.T) {
	_, general := startTarget(t, "a:1", 0)
	_, specific := startTarget(t, "a:1,b:2", 7)
	c := newClient(t)
	c.Pin("a:1")
	ctx := context.Background()
	c.AddTarget(ctx, TargetConfig{Addr: general, Pin: "a:1"})
	if err := c.AddTarget(ctx, TargetConfig{Addr: specific, Pin: "b:2,a:1"}); err != nil {
		t.Fatal(err)
	}

	expectSequence(t, c, "a:1,x:1", 0, 0)
	expectSequence(t, c, "x:1,b:2,a:1", 7, 7)

	if err := c.AddTarget(ctx, TargetConfig{Addr: specific, Pin: "c:3"}); !errors.Is(err, ErrNoGroup) {
		t.Fatalf("expect ErrNoGroup for uncovered pin, got %v", err)
	}
}

func TestTargetPinStaysWithGroup(t *testing.T) {
	_, specific := startTarget(t, "a:1,b:2", 7)
	c := newClient(t)
	c.Pin("a:1")
	ctx := context.Background()
	cfg := TargetConfig{Addr: specific, Pin: "a:1,b:2"}
	if err := c.AddTarget(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Pin("b:2,a:1"); !errors.Is(err, ErrGroupConflict) {
		t.Fatalf("expect ErrGroupConflict, got %v", err)
	}
	if _, err := c.Pin("a:1"); err != nil {
		t.Fatalf("re-declaring the group failed: %v", err)
	}
	expectSequence(t, c, "a:1,b:2", 7, 7)

	c.RemoveTarget(cfg)
	if _, err := c.Act(ctx, "a:1,b:2", nil); !errors.Is(err, loadbalance.ErrNoCurrentTarget) {
		t.Fatalf("expect ErrNoCurrentTarget, got %v", err)
	}
}

func TestObserveModel(t *testing.T) {
	var hits atomic.Int32
	counting := func(x int) server.HandlerFunc {
		return func(context.Context, *message.RPCMessage) (*message.RPCMessage, error) {
			hits.Add(1)
			return &message.RPCMessage{Payload: []byte(fmt.Sprintf(`{"x":%d}`, x))}, nil
		}
	}
	c := newClient(t, WithModel(loadbalance.ModelObserve))
	c.Pin("a:1")
	for i := 0; i < 3; i++ {
		svr := server.NewServer()
		svr.Add("a:1", counting(i))
		addr, err := svr.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		go svr.Serve()
		t.Cleanup(func() { svr.Shutdown(time.Second) })
		c.AddTarget(context.Background(), TargetConfig{Addr: addr.String(), Pin: "a:1"})
	}

	got := act(t, c, "a:1")
	if got < 0 || got > 2 {
		t.Fatalf("unexpected reply %d", got)
	}
	deadline := time.Now().Add(time.Second)
	for hits.Load() != 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hits.Load() != 3 {
		t.Fatalf("expect all 3 targets hit, got %d", hits.Load())
	}
}

func TestUnknownModel(t *testing.T) {
	if _, err := NewClient(WithModel("scatter")); !errors.Is(err, loadbalance.ErrUnknownModel) {
		t.Fatalf("expect ErrUnknownModel, got %v", err)
	}
}

func TestRemoteError(t *testing.T) {
	svr := server.NewServer()
	svr.Add("a:1", func(context.Context, *message.RPCMessage) (*message.RPCMessage, error) {
		return nil, errors.New("boom")
	})
	addr, _ := svr.Listen("tcp", "127.0.0.1:0")
	go svr.Serve()
	defer svr.Shutdown(time.Second)

	c := newClient(t)
	c.Pin("a:1")
	c.AddTarget(context.Background(), TargetConfig{Addr: addr.String(), Pin: "a:1"})

	_, err := c.Act(context.Background(), "a:1", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "boom" {
		t.Fatalf("expect RemoteError boom, got %v", err)
	}
}

func TestRetryMiddlewareRedials(t *testing.T) {
	var dials atomic.Int32
	_, addr := startTarget(t, "a:1", 5)
	c := newClient(t,
		WithMiddleware(middleware.RetryMiddleware(2, time.Millisecond, nil)),
		WithDialer(func(ctx context.Context, network, a string) (*transport.ClientTransport, error) {
			if dials.Add(1) == 1 {
				return transport.Dial(ctx, network, "127.0.0.1:1", codec.CodecTypeJSON, 0)
			}
			return transport.Dial(ctx, network, a, codec.CodecTypeJSON, 0)
		}))
	c.Pin("a:1")
	c.AddTarget(context.Background(), TargetConfig{Addr: addr, Pin: "a:1"})

	if got := act(t, c, "a:1"); got != 5 {
		t.Fatalf("expect 5, got %d", got)
	}
	if dials.Load() != 2 {
		t.Fatalf("expect a failed dial then a retry, got %d dials", dials.Load())
	}
}

func TestWatchRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr0, addr0 := startTarget(t, "a:1", 0)
	svr1, addr1 := startTarget(t, "a:1", 1)
	ctx := context.Background()
	if err := svr0.Advertise(ctx, reg, addr0, time.Minute); err != nil {
		t.Fatal(err)
	}

	c := newClient(t)
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.Watch(watchCtx, reg, "a:1"); err != nil {
		t.Fatal(err)
	}

	waitTargets := func(n int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			snap, _ := c.Snapshot("a:1")
			if len(snap["a:1"]["a:1"].Targets) == n {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %d targets", n)
	}

	waitTargets(1)
	expectSequence(t, c, "a:1", 0, 0)

	svr1.Advertise(ctx, reg, addr1, time.Minute)
	waitTargets(2)

	svr0.Shutdown(time.Second)
	waitTargets(1)
	expectSequence(t, c, "a:1", 1, 1)
}

func TestClosedClient(t *testing.T) {
	_, addr := startTarget(t, "a:1", 0)
	c := newClient(t)
	c.Pin("a:1")
	c.AddTarget(context.Background(), TargetConfig{Addr: addr, Pin: "a:1"})
	act(t, c, "a:1")

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	_, err := c.Act(context.Background(), "a:1", nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
}

func TestMalformedPin(t *testing.T) {
	c := newClient(t)
	if _, err := c.Pin("a:1,b"); err == nil || !strings.Contains(err.Error(), "malformed") {
		t.Fatalf("expect malformed pattern error, got %v", err)
	}
}
