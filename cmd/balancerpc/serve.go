package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"balance-rpc/message"
	"balance-rpc/middleware"
	"balance-rpc/registry"
	"balance-rpc/server"
)

type serveOptions struct {
	*rootOptions
	listen    string
	advertise string
	pins      []string
	id        string
	weight    int
	etcd      []string
	rateLimit float64
	burst     int
}

// echoReply is what serve answers to every call.
type echoReply struct {
	Server  string          `json:"server"`
	Pattern string          `json:"pattern"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// echoHandler answers every call with an echoReply from server id.
func echoHandler(id string) server.HandlerFunc {
	return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		reply := echoReply{Server: id, Pattern: req.Pattern}
		if json.Valid(req.Payload) {
			reply.Payload = req.Payload
		}
		payload, err := json.Marshal(reply)
		if err != nil {
			return nil, err
		}
		return &message.RPCMessage{Payload: payload}, nil
	}
}

func newCmdServe(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a target answering the given pins",
		Long: `Run a target answering the given pins.

Every call is answered with the server id, the call pattern and the call
payload. With etcd endpoints the server advertises its pins until it stops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.merge(cmd)
			return opts.run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.listen, "listen", "", "Listen address (default from config, :4000)")
	flags.StringVar(&opts.advertise, "advertise", "", "Address advertised in etcd (default: the listen address)")
	flags.StringArrayVar(&opts.pins, "pin", nil, "Pattern to answer, repeatable")
	flags.StringVar(&opts.id, "id", "", "Instance id (default: random uuid)")
	flags.IntVar(&opts.weight, "weight", 0, "Weight advertised to weighted balancers")
	flags.StringSliceVar(&opts.etcd, "etcd", nil, "etcd endpoints to advertise in")
	flags.Float64Var(&opts.rateLimit, "rate-limit", 0, "Requests per second, 0 disables")
	flags.IntVar(&opts.burst, "burst", 0, "Rate limit burst")
	return cmd
}

// merge fills unset flags from the config file.
func (o *serveOptions) merge(cmd *cobra.Command) {
	sc := o.cfg.Server
	if o.listen == "" {
		o.listen = sc.Listen
	}
	if o.advertise == "" {
		o.advertise = sc.Advertise
	}
	if len(o.pins) == 0 {
		o.pins = sc.Pins
	}
	if !cmd.Flags().Changed("weight") {
		o.weight = sc.Weight
	}
	if len(o.etcd) == 0 {
		o.etcd = o.cfg.Etcd.Endpoints
	}
	if !cmd.Flags().Changed("rate-limit") {
		o.rateLimit = sc.RateLimit
	}
	if o.burst == 0 {
		o.burst = sc.Burst
	}
	if o.burst == 0 {
		o.burst = int(o.rateLimit) + 1
	}
}

func (o *serveOptions) run(ctx context.Context) error {
	if len(o.pins) == 0 {
		return errors.New("at least one --pin is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svr := server.NewServer(server.WithLogger(o.logger), server.WithID(o.id), server.WithWeight(o.weight))
	svr.Use(middleware.RecoverMiddleware(o.logger))
	svr.Use(middleware.LoggingMiddleware(o.logger))
	if o.rateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(o.rateLimit, o.burst))
	}

	handler := echoHandler(svr.ID())
	for _, pin := range o.pins {
		if _, err := svr.Add(pin, handler); err != nil {
			return fmt.Errorf("pin %q: %w", pin, err)
		}
	}

	addr, err := svr.Listen("tcp", o.listen)
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- svr.Serve() }()

	if len(o.etcd) > 0 {
		reg, err := registry.NewEtcdRegistry(o.etcd, o.logger)
		if err != nil {
			svr.Shutdown(o.cfg.Server.Shutdown)
			return err
		}
		defer reg.Close()

		advertise := o.advertise
		if advertise == "" {
			advertise = addr.String()
		}
		if err := svr.Advertise(ctx, reg, advertise, o.cfg.Server.TTL); err != nil {
			svr.Shutdown(o.cfg.Server.Shutdown)
			return err
		}
	}

	o.logger.Info("serving", zap.String("id", svr.ID()), zap.Strings("pins", svr.Pins()), zap.Stringer("addr", addr))

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	o.logger.Info("shutting down")
	return svr.Shutdown(o.cfg.Server.Shutdown)
}
