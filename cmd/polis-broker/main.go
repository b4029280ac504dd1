// Package main is the entry point for the polis-broker binary. It serves the
// credential broker to agents and manages scopes, pending approvals and the
// audit log from the command line.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-broker/pkg/broker"
	"github.com/polisai/polis-broker/pkg/config"
	"github.com/polisai/polis-broker/pkg/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	dataDir    string
	logLevel   string
	logOutput  io.Writer
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&globalOptions{})
}

func newRootCmdWith(opts *globalOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-broker",
		Short: "Scoped credential broker for AI agents",
		Long: `polis-broker keeps API credentials away from agents. Agents ask for access to a
scope over JSON-RPC; the broker checks the scope's policy, then injects the
credential, queues the request for approval, or refuses it. Every decision is
written to the audit log.

Example:
  polis-broker scope add openai --domain api.openai.com --mode auto --secret-stdin < key.txt
  polis-broker serve --transport stdio`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Directory holding policies, pending requests and the audit log")
	rootCmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newIssueCmd(opts),
		newScopeCmd(opts),
		newPendingCmd(opts),
		newAuditCmd(opts),
		newChainCmd(opts),
	)
	return rootCmd
}

// loadConfig reads the configuration file and applies flag overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dataDir != "" {
		cfg.SetDataDir(o.dataDir)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (o *globalOptions) newLogger(cfg *config.Config) *logging.Logger {
	out := o.logOutput
	if out == nil {
		out = os.Stderr
	}
	return logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
}

// withRuntime opens the broker for a one-shot command and closes it after fn
// returns.
func (o *globalOptions) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *broker.Runtime) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	logger := o.newLogger(cfg)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := broker.Open(ctx, cfg, logger.Logger, broker.Options{Version: version})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()
	return fn(ctx, rt)
}
