package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"balance-rpc/message"
	"balance-rpc/server"
)

type Args struct {
	A, B int
}

type Sum struct {
	Result int
}

func add(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	var args Args
	if err := json.Unmarshal(req.Payload, &args); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(Sum{Result: args.A + args.B})
	if err != nil {
		return nil, err
	}
	return &message.RPCMessage{Payload: payload}, nil
}

// setupTargets starts n servers for role:math,cmd:add behind one client.
func setupTargets(b *testing.B, n int) *Client {
	c, err := NewClient()
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { c.Close() })
	c.Pin("role:math")

	for i := 0; i < n; i++ {
		svr := server.NewServer()
		svr.Add("role:math,cmd:add", add)
		addr, err := svr.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			b.Fatal(err)
		}
		go svr.Serve()
		b.Cleanup(func() { svr.Shutdown(3 * time.Second) })
		c.AddTarget(context.Background(), TargetConfig{Addr: addr.String(), Pin: "role:math,cmd:add"})
	}
	return c
}

// Single goroutine, calls one after another.
func BenchmarkSerialCall(b *testing.B) {
	c := setupTargets(b, 2)
	args := &Args{A: 1, B: 2}
	reply := &Sum{}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := c.Call(context.Background(), "role:math,cmd:add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines sharing multiplexed connections.
func BenchmarkConcurrentCall(b *testing.B) {
	c := setupTargets(b, 2)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Sum{}
		for pb.Next() {
			if err := c.Call(context.Background(), "role:math,cmd:add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
