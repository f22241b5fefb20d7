package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"balance-rpc/config"
	"balance-rpc/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	devLog     bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "balancerpc",
		Short:         "Client-side load balancing for pattern-addressed RPC",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a .toml or .yaml config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error or off")
	cmd.PersistentFlags().BoolVar(&opts.devLog, "dev-log", false, "Human readable development logging")

	cmd.AddCommand(newCmdServe(opts))
	cmd.AddCommand(newCmdAct(opts))
	return cmd
}

func (o *rootOptions) init() error {
	if o.configPath == "" {
		o.cfg = config.Default()
	} else {
		cfg, err := config.LoadAndValidate(o.configPath)
		if err != nil {
			return err
		}
		o.cfg = cfg
	}
	if o.logLevel != "" {
		o.cfg.LogLevel = o.logLevel
	}

	logger, err := logging.New(logging.Config{Level: o.cfg.LogLevel, Development: o.devLog})
	if err != nil {
		return err
	}
	o.logger = logger
	return nil
}
