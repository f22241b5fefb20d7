// Package server implements a target: a TCP server answering pattern
// addressed requests, with a middleware chain, parallel request processing,
// registry advertisement and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → dispatch (pattern match) → Codec.Encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"balance-rpc/codec"
	"balance-rpc/message"
	"balance-rpc/middleware"
	"balance-rpc/pattern"
	"balance-rpc/protocol"
	"balance-rpc/registry"
)

var (
	ErrNotListening = errors.New("server: not listening")
	ErrShutdown     = errors.New("server: shut down")
)

// HandlerFunc answers one request for a pattern.
type HandlerFunc = middleware.HandlerFunc

// Server answers requests for the patterns added to it.
type Server struct {
	id     string
	weight int
	logger *zap.Logger

	matcher  *pattern.Matcher
	mu       sync.RWMutex
	handlers map[string]HandlerFunc // canonical pin → handler

	middlewares []middleware.Middleware
	handler     HandlerFunc // middleware(middleware(...(dispatch)))

	listener net.Listener
	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool
	connMu   sync.Mutex
	conns    map[net.Conn]struct{}

	regMu      sync.Mutex
	registry   registry.Registry
	advertised []registry.ServiceInstance
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithID overrides the random instance id.
func WithID(id string) Option {
	return func(s *Server) {
		if id != "" {
			s.id = id
		}
	}
}

// WithWeight sets the weight advertised to weighted balancers.
func WithWeight(w int) Option {
	return func(s *Server) { s.weight = w }
}

// NewServer creates a server with no patterns and a fresh uuid instance id.
func NewServer(opts ...Option) *Server {
	s := &Server{
		id:       uuid.NewString(),
		logger:   zap.NewNop(),
		matcher:  pattern.NewMatcher(),
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("server", s.id))
	return s
}

// ID returns the instance id used in registry entries.
func (svr *Server) ID() string {
	return svr.id
}

// Add serves pin with h and returns the canonical pin. Requests are routed to
// the most specific added pin covering their pattern.
func (svr *Server) Add(pin any, h HandlerFunc) (string, error) {
	if h == nil {
		return "", errors.New("server: nil handler")
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	key, err := svr.matcher.Add(pin, "")
	if err != nil {
		return "", err
	}
	svr.handlers[key] = h
	return key, nil
}

// Pins returns the canonical pins this server answers.
func (svr *Server) Pins() []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	pins := make([]string, 0, len(svr.handlers))
	for pin := range svr.handlers {
		pins = append(pins, pin)
	}
	return pins
}

// Use registers a middleware. Middlewares apply in the order added and must
// be registered before Listen.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen binds the listener and builds the handler chain. Call Serve to
// start accepting.
func (svr *Server) Listen(network, address string) (net.Addr, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	svr.listener = listener

	// Built once at startup, not per request:
	//   Chain(A, B, C)(h) → A(B(C(h)))
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)
	svr.logger.Info("listening", zap.Stringer("addr", listener.Addr()))
	return listener.Addr(), nil
}

// Serve runs the accept loop, one goroutine per connection. It returns nil
// after Shutdown.
func (svr *Server) Serve() error {
	if svr.listener == nil {
		return ErrNotListening
	}
	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			// Closing the listener in Shutdown makes Accept fail.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		if !svr.track(conn) {
			conn.Close()
			return nil
		}
		go svr.handleConn(conn)
	}
}

// ListenAndServe is Listen followed by Serve.
func (svr *Server) ListenAndServe(network, address string) error {
	if _, err := svr.Listen(network, address); err != nil {
		return err
	}
	return svr.Serve()
}

// Addr returns the listener address, or nil before Listen.
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Advertise registers every pin of the server in reg under advertiseAddr.
// advertiseAddr differs from the listen address when listening on ":port",
// since clients need a routable host.
func (svr *Server) Advertise(ctx context.Context, reg registry.Registry, advertiseAddr string, ttl time.Duration) error {
	if svr.shutdown.Load() {
		return ErrShutdown
	}
	svr.regMu.Lock()
	defer svr.regMu.Unlock()

	svr.registry = reg
	for _, pin := range svr.Pins() {
		inst := registry.ServiceInstance{
			ID:     svr.id,
			Addr:   advertiseAddr,
			Pin:    pin,
			Weight: svr.weight,
		}
		if err := reg.Register(ctx, inst, ttl); err != nil {
			return fmt.Errorf("server: advertise %q: %w", pin, err)
		}
		svr.advertised = append(svr.advertised, inst)
	}
	return nil
}

func (svr *Server) track(conn net.Conn) bool {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[conn] = struct{}{}
	return true
}

func (svr *Server) untrack(conn net.Conn) {
	svr.connMu.Lock()
	delete(svr.conns, conn)
	svr.connMu.Unlock()
}

// handleConn reads frames off one connection sequentially and processes
// each request in its own goroutine. Responses share a per-connection write
// lock so frames never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	defer svr.untrack(conn)
	defer conn.Close()
	// Replies of requests already read must be written before the close.
	var inflight sync.WaitGroup
	defer inflight.Wait()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				svr.logger.Debug("connection closed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		// Add before spawning so Shutdown cannot miss it.
		svr.wg.Add(1)
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			svr.handleRequest(header, body, conn, writeMu)
		}()
	}
}

func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := &message.RPCMessage{}
	var resp *message.RPCMessage
	if err := c.Decode(body, req); err != nil {
		resp = &message.RPCMessage{Error: fmt.Sprintf("decode request: %v", err)}
	} else {
		resp = svr.serveMessage(req)
	}

	out, err := c.Encode(resp)
	if err != nil {
		svr.logger.Error("failed to encode response", zap.String("pattern", req.Pattern), zap.Error(err))
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	// Same seq as the request: this is how the client matches responses.
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}
	if err := protocol.Encode(conn, &replyHeader, out); err != nil {
		svr.logger.Debug("failed to write response", zap.Error(err))
	}
}

// serveMessage runs req through the handler chain, folding handler errors
// into the reply.
func (svr *Server) serveMessage(req *message.RPCMessage) *message.RPCMessage {
	resp, err := svr.handler(context.Background(), req)
	if err != nil {
		return &message.RPCMessage{Pattern: req.Pattern, Error: err.Error()}
	}
	if resp == nil {
		resp = &message.RPCMessage{}
	}
	if resp.Pattern == "" {
		resp.Pattern = req.Pattern
	}
	return resp
}

// dispatch is the innermost handler: it finds the most specific pin covering
// the request pattern and calls its handler.
func (svr *Server) dispatch(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	match, err := svr.matcher.Resolve(req.Pattern)
	if err != nil {
		return nil, fmt.Errorf("no handler for pattern %q: %w", req.Pattern, err)
	}
	svr.mu.RLock()
	h := svr.handlers[match.Key]
	svr.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("no handler for pattern %q", req.Pattern)
	}
	return h(ctx, req)
}

// Shutdown stops the server gracefully:
//  1. deregister from the registry, so balancers stop routing here
//  2. stop accepting connections and reading requests
//  3. wait for in-flight requests, up to timeout
//  4. close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs error
	svr.regMu.Lock()
	for _, inst := range svr.advertised {
		errs = multierr.Append(errs, svr.registry.Deregister(ctx, inst.Pin, inst.ID))
	}
	svr.advertised = nil
	svr.regMu.Unlock()

	// Flag first so Serve sees the Accept error as intentional.
	svr.connMu.Lock()
	svr.shutdown.Store(true)
	// Stop reading new requests; responses can still be written.
	for conn := range svr.conns {
		conn.SetReadDeadline(time.Now())
	}
	svr.connMu.Unlock()
	if svr.listener != nil {
		errs = multierr.Append(errs, svr.listener.Close())
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("server: timeout waiting for ongoing requests to finish"))
	}

	svr.connMu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.connMu.Unlock()

	svr.logger.Info("shut down")
	return errs
}
