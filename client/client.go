// Package client is the balance client: it declares balancer groups, keeps
// their targets up to date and sends pattern-addressed calls through the
// balancer.
//
//	c.Pin("role:math")                                  // declare a group
//	c.AddTarget(ctx, TargetConfig{Addr: ":4000", Pin: "role:math"})
//	c.Act(ctx, "role:math,cmd:add", payload)            // consume or observe
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"balance-rpc/codec"
	"balance-rpc/loadbalance"
	"balance-rpc/message"
	"balance-rpc/middleware"
	"balance-rpc/pattern"
	"balance-rpc/registry"
	"balance-rpc/transport"
)

var (
	// ErrNoGroup means no declared balancer group covers a pattern.
	ErrNoGroup       = errors.New("client: no balance group covers pattern")
	ErrClosed        = errors.New("client: closed")
	// ErrGroupConflict means a pin is already routed by another group.
	ErrGroupConflict = errors.New("client: pin belongs to another group")
)

// RemoteError is a failure reported by the target's handler.
type RemoteError struct {
	Addr    string
	Pattern string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %s for %q: %s", e.Addr, e.Pattern, e.Message)
}

// TargetConfig describes one target connection. ID defaults to the
// canonical pattern of {addr, pin}, so adding and removing by address and
// pin agree without an explicit id.
type TargetConfig struct {
	ID       string
	Addr     string
	Network  string // defaults to "tcp"
	Pin      any
	Metadata map[string]string
}

// DialFunc opens a transport to a target.
type DialFunc func(ctx context.Context, network, addr string) (*transport.ClientTransport, error)

type Client struct {
	balancer    *loadbalance.Balancer
	matcher     *pattern.Matcher // rule → owning group key
	logger      *zap.Logger
	codecType   codec.CodecType
	heartbeat   time.Duration
	dialTimeout time.Duration
	dial        DialFunc
	middlewares []middleware.Middleware
	lbOpts      []loadbalance.Option

	mu         sync.Mutex
	transports map[string]*transport.ClientTransport // network/addr → shared transport
	dials      singleflight.Group
	closed     bool
}

type Option func(*Client)

func WithCodec(t codec.CodecType) Option {
	return func(c *Client) { c.codecType = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMiddleware wraps every target invocation, first one outermost.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mw...) }
}

// WithModel selects the dispatch model by name ("consume" or "observe").
func WithModel(name string) Option {
	return func(c *Client) { c.lbOpts = append(c.lbOpts, loadbalance.WithModel(name)) }
}

func WithBalancerOptions(opts ...loadbalance.Option) Option {
	return func(c *Client) { c.lbOpts = append(c.lbOpts, opts...) }
}

func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithDialer replaces the TCP dialer, mostly for tests.
func WithDialer(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// NewClient creates a client. It fails only on invalid balancer options,
// such as an unknown model name.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		matcher:     pattern.NewMatcher(),
		logger:      zap.NewNop(),
		codecType:   codec.CodecTypeJSON,
		heartbeat:   transport.DefaultHeartbeat,
		dialTimeout: 5 * time.Second,
		transports:  make(map[string]*transport.ClientTransport),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		c.dial = func(ctx context.Context, network, addr string) (*transport.ClientTransport, error) {
			return transport.Dial(ctx, network, addr, c.codecType, c.heartbeat)
		}
	}

	lbOpts := append([]loadbalance.Option{loadbalance.WithLogger(c.logger)}, c.lbOpts...)
	b, err := loadbalance.New(lbOpts...)
	if err != nil {
		return nil, err
	}
	c.balancer = b
	return c, nil
}

// Pin declares a balancer group for pin and returns its canonical key.
// Calls covered by pin are routed through the group's targets.
//
// A pin already used as a target pin inside another group stays with that
// group: Pin fails with ErrGroupConflict instead of taking its calls over.
func (c *Client) Pin(pin any) (string, error) {
	key, err := pattern.Canonicalize(pin)
	if err != nil {
		return "", err
	}
	if _, err := c.matcher.Claim(key, key); err != nil {
		if errors.Is(err, pattern.ErrRuleOwned) {
			return "", fmt.Errorf("%w: %v", ErrGroupConflict, err)
		}
		return "", err
	}
	return key, nil
}

// group returns the canonical form of pin and the group that owns it.
func (c *Client) group(pin any) (string, string, error) {
	key, err := pattern.Canonicalize(pin)
	if err != nil {
		return "", "", err
	}
	match, err := c.matcher.Resolve(key)
	if err != nil {
		if errors.Is(err, pattern.ErrNoMatch) {
			return key, "", fmt.Errorf("%w: %q", ErrNoGroup, key)
		}
		return "", "", err
	}
	return key, match.Owner, nil
}

func targetID(cfg TargetConfig, pinKey string) (string, error) {
	if cfg.ID != "" {
		return cfg.ID, nil
	}
	return pattern.Canonicalize(map[string]string{"addr": cfg.Addr, "pin": pinKey})
}

// AddTarget registers a target for cfg.Pin in the group covering it. The
// connection is dialed on first use and shared by all targets on the same
// address.
func (c *Client) AddTarget(ctx context.Context, cfg TargetConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg.Addr == "" {
		return fmt.Errorf("client: target %q has no address", cfg.ID)
	}
	pinKey, group, err := c.group(cfg.Pin)
	if err != nil {
		return err
	}
	id, err := targetID(cfg, pinKey)
	if err != nil {
		return err
	}
	network := cfg.Network
	if network == "" {
		network = "tcp"
	}

	// Calls resolve to the target's own pin when it is more specific than
	// the group. The rule outlives the target, like the balancer's pattern
	// state, so calls keep failing with ErrNoCurrentTarget once the last
	// target for the pin is gone.
	if pinKey != group {
		if _, err := c.matcher.Claim(pinKey, group); err != nil {
			return err
		}
	}

	metadata := maps.Clone(cfg.Metadata)
	if metadata == nil {
		metadata = make(map[string]string, 2)
	}
	metadata["addr"] = cfg.Addr
	metadata["pin"] = pinKey

	return c.balancer.Register(group, pinKey, loadbalance.Target{
		ID:       id,
		Invoke:   c.invoker(network, cfg.Addr),
		Metadata: metadata,
	})
}

// RemoveTarget removes the target cfg describes. Removing a target that was
// never added, or whose pin no group covers, is a no-op.
func (c *Client) RemoveTarget(cfg TargetConfig) error {
	pinKey, group, err := c.group(cfg.Pin)
	if errors.Is(err, ErrNoGroup) {
		return nil
	}
	if err != nil {
		return err
	}
	id, err := targetID(cfg, pinKey)
	if err != nil {
		return err
	}
	return c.balancer.Deregister(group, pinKey, id)
}

// Act routes a call for pat through the balancer and returns the reply
// selected by the dispatch model. Handler failures come back as
// *RemoteError.
func (c *Client) Act(ctx context.Context, pat any, payload []byte) (*message.RPCMessage, error) {
	key, err := pattern.Canonicalize(pat)
	if err != nil {
		return nil, err
	}
	match, err := c.matcher.Resolve(key)
	if err != nil {
		if errors.Is(err, pattern.ErrNoMatch) {
			return nil, fmt.Errorf("%w: %q", ErrNoGroup, key)
		}
		return nil, err
	}
	return c.balancer.Route(ctx, match.Owner, match.Key, &message.RPCMessage{
		Pattern: key,
		Payload: payload,
	})
}

// Call is Act with JSON encoded args and reply. reply may be nil.
func (c *Client) Call(ctx context.Context, pat any, args, reply any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return err
	}
	resp, err := c.Act(ctx, pat, payload)
	if err != nil {
		return err
	}
	if reply == nil || resp == nil || len(resp.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Payload, reply)
}

// Watch declares a group for pin and keeps its targets in sync with the
// instances advertised in reg, until ctx is done.
func (c *Client) Watch(ctx context.Context, reg registry.Registry, pin any) error {
	key, err := c.Pin(pin)
	if err != nil {
		return err
	}
	events, err := reg.Watch(ctx, key)
	if err != nil {
		return err
	}

	go func() {
		for ev := range events {
			cfg := TargetConfig{ID: ev.Instance.ID, Addr: ev.Instance.Addr, Pin: ev.Instance.Pin}
			var err error
			switch ev.Type {
			case registry.EventPut:
				cfg.Metadata = maps.Clone(ev.Instance.Metadata)
				if ev.Instance.Weight > 0 {
					if cfg.Metadata == nil {
						cfg.Metadata = make(map[string]string, 1)
					}
					cfg.Metadata[loadbalance.WeightKey] = strconv.Itoa(ev.Instance.Weight)
				}
				err = c.AddTarget(ctx, cfg)
			case registry.EventDelete:
				err = c.RemoveTarget(cfg)
			}
			if err != nil {
				c.logger.Warn("failed to apply registry event",
					zap.Stringer("type", ev.Type),
					zap.String("id", ev.Instance.ID),
					zap.Error(err))
				continue
			}
			c.logger.Debug("registry event applied",
				zap.Stringer("type", ev.Type),
				zap.String("pin", ev.Instance.Pin),
				zap.String("id", ev.Instance.ID))
		}
	}()
	return nil
}

// Snapshot exposes the balancer's registry view.
func (c *Client) Snapshot(groups ...any) (loadbalance.Snapshot, error) {
	return c.balancer.Snapshot(groups...)
}

// invoker builds the middleware-wrapped call to one target address.
func (c *Client) invoker(network, addr string) loadbalance.Invoker {
	send := func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		t, err := c.transport(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		resp, err := t.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.Error != "" {
			return resp, &RemoteError{Addr: addr, Pattern: req.Pattern, Message: resp.Error}
		}
		return resp, nil
	}
	return loadbalance.Invoker(middleware.Chain(c.middlewares...)(send))
}

// transport returns the live transport to addr, dialing at most once at a
// time per address.
func (c *Client) transport(ctx context.Context, network, addr string) (*transport.ClientTransport, error) {
	key := network + "/" + addr

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if t, ok := c.transports[key]; ok {
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	ch := c.dials.DoChan(key, func() (any, error) {
		// Shared by every waiter, so not bound to one caller's ctx.
		dialCtx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
		defer cancel()
		t, err := c.dial(dialCtx, network, addr)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			t.Close()
			return nil, ErrClosed
		}
		c.transports[key] = t
		go c.forget(key, t)
		c.logger.Debug("connected", zap.String("addr", addr))
		return t, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*transport.ClientTransport), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// forget drops t once its connection ends so the next call redials.
func (c *Client) forget(key string, t *transport.ClientTransport) {
	<-t.Done()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transports[key] == t {
		delete(c.transports, key)
	}
}

// Close closes every target connection. Calls after Close fail with
// ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	transports := c.transports
	c.transports = make(map[string]*transport.ClientTransport)
	c.mu.Unlock()

	var errs error
	for _, t := range transports {
		errs = multierr.Append(errs, t.Close())
	}
	return errs
}
