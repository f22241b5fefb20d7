package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"balance-rpc/client"
	"balance-rpc/codec"
	"balance-rpc/config"
	"balance-rpc/loadbalance"
	"balance-rpc/metrics"
	"balance-rpc/middleware"
	"balance-rpc/registry"
)

type actOptions struct {
	*rootOptions
	group       string
	targets     []string
	watch       bool
	model       string
	data        string
	count       int
	metricsAddr string
	etcd        []string
}

func newCmdAct(root *rootOptions) *cobra.Command {
	opts := &actOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "act [flags] PATTERN",
		Short: "Send a call to the targets balanced for PATTERN",
		Long: `Send a call to the targets balanced for PATTERN.

Groups and targets come from the config file and from --group/--target.
With the consume model each call goes to the next target in turn; with
observe every target receives the call and the first reply wins.`,
		Example: `  # two calls spread over two targets
  balancerpc act --group role:echo --target 127.0.0.1:4000 --target 127.0.0.1:4001 -n 2 role:echo,x:1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("model") {
				opts.model = opts.cfg.Model
			}
			if opts.metricsAddr == "" {
				opts.metricsAddr = opts.cfg.MetricsAddr
			}
			if len(opts.etcd) == 0 {
				opts.etcd = opts.cfg.Etcd.Endpoints
			}
			return opts.run(cmd, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.group, "group", "", "Pin of a group to declare for the --target flags")
	flags.StringArrayVar(&opts.targets, "target", nil, "Target address for --group, repeatable")
	flags.BoolVar(&opts.watch, "watch", false, "Add the targets advertised in etcd for --group")
	flags.StringVar(&opts.model, "model", loadbalance.ModelConsume, "Dispatch model: consume or observe")
	flags.StringVarP(&opts.data, "data", "d", "", "JSON payload sent with every call")
	flags.IntVarP(&opts.count, "count", "n", 1, "Number of calls to send")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	flags.StringSliceVar(&opts.etcd, "etcd", nil, "etcd endpoints for watched groups")
	return cmd
}

func (o *actOptions) run(cmd *cobra.Command, pat string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	groups := o.cfg.Groups
	if o.group != "" {
		g := config.GroupConfig{Pin: o.group, Watch: o.watch}
		for _, addr := range o.targets {
			g.Targets = append(g.Targets, config.TargetConfig{Addr: addr, Pin: o.group})
		}
		groups = append(groups, g)
	} else if len(o.targets) > 0 {
		return errors.New("--target needs --group")
	}
	if len(groups) == 0 {
		return errors.New("no groups: pass --group or set groups in the config file")
	}

	codecType, err := codec.ParseCodecType(o.cfg.Codec)
	if err != nil {
		return err
	}
	prom := metrics.New()
	cc := o.cfg.Client

	c, err := client.NewClient(
		client.WithLogger(o.logger),
		client.WithCodec(codecType),
		client.WithModel(o.model),
		client.WithHeartbeat(cc.Heartbeat),
		client.WithDialTimeout(cc.DialTimeout),
		client.WithBalancerOptions(loadbalance.WithObserver(prom)),
		client.WithMiddleware(
			middleware.LoggingMiddleware(o.logger),
			middleware.RetryMiddleware(cc.Retries, cc.RetryDelay, o.logger),
			middleware.TimeOutMiddleware(cc.Timeout),
		),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	if o.metricsAddr != "" {
		srv := &http.Server{Addr: o.metricsAddr, Handler: prom.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				o.logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	if err := o.declare(ctx, c, groups); err != nil {
		return err
	}

	var payload []byte
	if o.data != "" {
		payload = []byte(o.data)
	}
	out := cmd.OutOrStdout()
	var failed int
	for i := 0; i < o.count; i++ {
		resp, err := c.Act(ctx, pat, payload)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "call %d: %v\n", i+1, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		fmt.Fprintf(out, "%s\n", resp.Payload)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d calls failed", failed, o.count)
	}
	return nil
}

// declare adds every configured group to c, watching etcd where asked.
func (o *actOptions) declare(ctx context.Context, c *client.Client, groups []config.GroupConfig) error {
	var reg *registry.EtcdRegistry
	for _, g := range groups {
		if _, err := c.Pin(g.Pin); err != nil {
			return fmt.Errorf("group %q: %w", g.Pin, err)
		}
		for _, t := range g.Targets {
			pin := t.Pin
			if pin == "" {
				pin = g.Pin
			}
			cfg := client.TargetConfig{ID: t.ID, Addr: t.Addr, Pin: pin}
			if t.Weight > 0 {
				cfg.Metadata = map[string]string{loadbalance.WeightKey: strconv.Itoa(t.Weight)}
			}
			if err := c.AddTarget(ctx, cfg); err != nil {
				return fmt.Errorf("target %s: %w", t.Addr, err)
			}
		}
		if !g.Watch {
			continue
		}
		if reg == nil {
			if len(o.etcd) == 0 {
				return fmt.Errorf("group %q is watched but no etcd endpoints are set", g.Pin)
			}
			var err error
			if reg, err = registry.NewEtcdRegistry(o.etcd, o.logger); err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				reg.Close()
			}()
		}
		if err := c.Watch(ctx, reg, g.Pin); err != nil {
			return fmt.Errorf("watch %q: %w", g.Pin, err)
		}
	}
	return nil
}
