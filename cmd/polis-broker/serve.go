package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-broker/pkg/broker"
	"github.com/polisai/polis-broker/pkg/config"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var transport, listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the broker to agents over stdio or HTTP",
		Long: `Serve the JSON-RPC tool server.

With --transport stdio (the default) messages are newline-delimited JSON on
stdin/stdout and logs go to stderr. With --transport http the server accepts
POST /rpc, GET /health and, when enabled, the Prometheus metrics path.

When --config is given the file is watched and log level changes apply
without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if transport != "" {
				cfg.Server.Transport = transport
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}
			return runServe(cmd, opts, cfg)
		},
	}

	cmd.Flags().StringVarP(&transport, "transport", "t", "", "Transport to serve (stdio, http)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the http transport")
	return cmd
}

func runServe(cmd *cobra.Command, opts *globalOptions, cfg *config.Config) error {
	logger := opts.newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := broker.Open(ctx, cfg, logger.Logger, broker.Options{Version: version})
	if err != nil {
		logger.Error("Failed to start broker", "error", err)
		return err
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	if opts.configPath != "" {
		loader, err := config.NewLoader(opts.configPath, logger.Logger)
		if err != nil {
			return err
		}
		loader.OnReloadFailure(func(error) {
			rt.Metrics().RecordConfigReload("failure")
		})
		err = loader.Watch(func(next *config.Config) {
			rt.Metrics().RecordConfigReload("success")
			if opts.logLevel == "" {
				logger.SetLevel(next.Logging.Level)
			}
		})
		if err != nil {
			logger.Warn("Failed to start config watcher", "error", err)
		} else {
			defer loader.Close()
		}
	}

	logger.Info("Starting polis-broker",
		"version", version,
		"transport", cfg.Server.Transport,
		"data_dir", cfg.DataDir,
		"secrets", cfg.Secrets.Backend,
		"guard", cfg.Guard.Enabled,
		"egress", cfg.Egress.Enabled,
	)

	switch cfg.Server.Transport {
	case config.TransportHTTP:
		err = rt.ServeHTTP(ctx)
	default:
		err = rt.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("Broker stopped with error", "error", err)
		return err
	}

	logger.Info("Broker stopped")
	return nil
}
