// Package transport implements the client side of a target connection, with
// multiplexing and heartbeat.
//
// ClientTransport carries many concurrent calls over a single TCP connection.
// Each request gets a unique sequence id, and a background goroutine
// (recvLoop) reads responses and hands them to the waiting caller.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ target
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"balance-rpc/codec"
	"balance-rpc/message"
	"balance-rpc/protocol"
)

// ErrClosed is returned for calls on, or pending on, a closed transport.
// It wraps net.ErrClosed so retry logic can treat it as a connection failure.
var ErrClosed = fmt.Errorf("transport: connection closed: %w", net.ErrClosed)

// DefaultHeartbeat is the heartbeat interval used by Dial.
const DefaultHeartbeat = 30 * time.Second

type reply struct {
	msg *message.RPCMessage
	err error
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]chan reply
	sending sync.Mutex // whole frames must be written atomically

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error // set before closed is closed
}

// Dial connects to addr and wraps the connection in a ClientTransport.
func Dial(ctx context.Context, network, addr string, codecType codec.CodecType, heartbeat time.Duration) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, codecType, heartbeat), nil
}

// NewClientTransport starts the receive loop and, when heartbeat > 0, a
// heartbeat loop on conn.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, heartbeat time.Duration) *ClientTransport {
	t := &ClientTransport{
		conn:   conn,
		codec:  codecType,
		closed: make(chan struct{}),
	}
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// Send writes req and waits for the matching response, the context, or the
// connection to end.
func (t *ClientTransport) Send(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	body, err := codec.GetCodec(t.codec).Encode(req)
	if err != nil {
		return nil, err
	}

	// Buffered so recvLoop never blocks on a caller that gave up.
	ch := make(chan reply, 1)

	t.sending.Lock()
	t.seq++
	seq := t.seq
	// Register before writing so the response cannot beat us to the map.
	t.pending.Store(seq, ch)
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	err = protocol.Encode(t.conn, &header, body)
	t.sending.Unlock()
	if err != nil {
		t.pending.Delete(seq)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	case <-t.closed:
		// The response may have landed right before the close.
		select {
		case r := <-ch:
			return r.msg, r.err
		default:
			t.pending.Delete(seq)
			return nil, t.closeErr
		}
	}
}

// recvLoop is the only reader of the connection: frames must be parsed
// sequentially off the byte stream.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.shutdown(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		ch, ok := t.pending.LoadAndDelete(header.Seq)
		if !ok {
			continue // caller gave up
		}
		resp := &message.RPCMessage{}
		err = codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp)
		if err != nil {
			ch.(chan reply) <- reply{err: fmt.Errorf("transport: decode response: %w", err)}
			continue
		}
		ch.(chan reply) <- reply{msg: resp}
	}
}

// heartbeatLoop keeps idle connections from being reaped by the target.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.shutdown(err)
			return
		}
	}
}

// shutdown closes the connection once and fails every pending call.
func (t *ClientTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		if cause == nil || errors.Is(cause, net.ErrClosed) {
			t.closeErr = ErrClosed
		} else {
			t.closeErr = fmt.Errorf("%w: %w", ErrClosed, cause)
		}
		t.conn.Close()
		close(t.closed)

		t.pending.Range(func(key, _ any) bool {
			if ch, ok := t.pending.LoadAndDelete(key); ok {
				ch.(chan reply) <- reply{err: t.closeErr}
			}
			return true
		})
	})
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (t *ClientTransport) Close() error {
	t.shutdown(nil)
	return nil
}

// Done is closed once the connection has ended.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.closed
}

// RemoteAddr returns the target address of the connection.
func (t *ClientTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
