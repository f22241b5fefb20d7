package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"balance-rpc/codec"
	"balance-rpc/message"
	"balance-rpc/middleware"
	"balance-rpc/registry"
	"balance-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

func add(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	var args Args
	if err := json.Unmarshal(req.Payload, &args); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(Reply{Result: args.A + args.B})
	return &message.RPCMessage{Payload: payload}, nil
}

func startServer(t *testing.T, svr *Server) string {
	t.Helper()
	addr, err := svr.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return addr.String()
}

func dial(t *testing.T, addr string) *transport.ClientTransport {
	t.Helper()
	ct, err := transport.Dial(context.Background(), "tcp", addr, codec.CodecTypeJSON, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ct.Close() })
	return ct
}

func TestServer(t *testing.T) {
	svr := NewServer()
	if _, err := svr.Add("role:math,cmd:add", add); err != nil {
		t.Fatal(err)
	}
	ct := dial(t, startServer(t, svr))

	payload, _ := json.Marshal(&Args{1, 2})
	resp, err := ct.Send(context.Background(), &message.RPCMessage{
		Pattern: "cmd:add,role:math,trace:abc",
		Payload: payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != "" {
		t.Fatalf("server error: %s", resp.Error)
	}
	var reply Reply
	if err := json.Unmarshal(resp.Payload, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("expect 3, got %d", reply.Result)
	}
	if resp.Pattern != "cmd:add,role:math,trace:abc" {
		t.Fatalf("expect request pattern echoed, got %q", resp.Pattern)
	}
}

func TestServerMostSpecificHandler(t *testing.T) {
	svr := NewServer()
	reply := func(s string) HandlerFunc {
		return func(context.Context, *message.RPCMessage) (*message.RPCMessage, error) {
			return &message.RPCMessage{Payload: []byte(s)}, nil
		}
	}
	svr.Add("a:1", reply("general"))
	svr.Add("a:1,b:2", reply("specific"))
	ct := dial(t, startServer(t, svr))

	for pat, want := range map[string]string{"a:1": "general", "b:2,a:1": "specific", "a:1,b:3": "general"} {
		resp, err := ct.Send(context.Background(), &message.RPCMessage{Pattern: pat})
		if err != nil {
			t.Fatal(err)
		}
		if string(resp.Payload) != want {
			t.Fatalf("pattern %s: expect %s, got %s", pat, want, resp.Payload)
		}
	}
}

func TestServerErrors(t *testing.T) {
	svr := NewServer()
	svr.Add("a:1", func(context.Context, *message.RPCMessage) (*message.RPCMessage, error) {
		return nil, errors.New("boom")
	})
	ct := dial(t, startServer(t, svr))

	resp, err := ct.Send(context.Background(), &message.RPCMessage{Pattern: "a:1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != "boom" {
		t.Fatalf("expect handler error in reply, got %q", resp.Error)
	}

	resp, _ = ct.Send(context.Background(), &message.RPCMessage{Pattern: "z:9"})
	if !strings.Contains(resp.Error, "no handler") {
		t.Fatalf("expect no handler error, got %q", resp.Error)
	}
}

func TestServerMiddleware(t *testing.T) {
	var calls atomic.Int32
	svr := NewServer()
	svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			calls.Add(1)
			return next(ctx, req)
		}
	})
	svr.Use(middleware.RecoverMiddleware(nil))
	svr.Add("a:1", func(context.Context, *message.RPCMessage) (*message.RPCMessage, error) {
		panic("kaboom")
	})
	ct := dial(t, startServer(t, svr))

	resp, err := ct.Send(context.Background(), &message.RPCMessage{Pattern: "a:1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Error, "kaboom") || calls.Load() != 1 {
		t.Fatalf("unexpected reply %+v after %d middleware calls", resp, calls.Load())
	}
}

func TestServerAdvertiseAndShutdown(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(WithID("srv-1"), WithWeight(3))
	svr.Add("b:2,a:1", add)
	addr := startServer(t, svr)

	if err := svr.Advertise(context.Background(), reg, addr, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	instances, _ := reg.Discover(context.Background(), "a:1,b:2")
	if len(instances) != 1 || instances[0].ID != "srv-1" || instances[0].Addr != addr || instances[0].Weight != 3 {
		t.Fatalf("unexpected instances %+v", instances)
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	instances, _ = reg.Discover(context.Background(), "a:1,b:2")
	if len(instances) != 0 {
		t.Fatalf("expect deregistered on shutdown, got %+v", instances)
	}
	if err := svr.Advertise(context.Background(), reg, addr, time.Second); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expect ErrShutdown, got %v", err)
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	svr := NewServer()
	started := make(chan struct{})
	svr.Add("a:1", func(context.Context, *message.RPCMessage) (*message.RPCMessage, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return &message.RPCMessage{Payload: []byte("done")}, nil
	})
	ct := dial(t, startServer(t, svr))

	result := make(chan *message.RPCMessage, 1)
	go func() {
		resp, _ := ct.Send(context.Background(), &message.RPCMessage{Pattern: "a:1"})
		result <- resp
	}()
	<-started

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	resp := <-result
	if resp == nil || string(resp.Payload) != "done" {
		t.Fatalf("in-flight request lost: %+v", resp)
	}
}

func TestServeWithoutListen(t *testing.T) {
	if err := NewServer().Serve(); !errors.Is(err, ErrNotListening) {
		t.Fatalf("expect ErrNotListening, got %v", err)
	}
}
