package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-broker/pkg/broker"
	"github.com/polisai/polis-broker/pkg/domain"
)

func newScopeCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Manage credential scopes",
	}
	cmd.AddCommand(
		newScopeAddCmd(opts),
		newScopeRemoveCmd(opts),
		newScopeListCmd(opts),
		newScopeMoveCmd(opts),
		newScopeToggleCmd(opts, "enable", true),
		newScopeToggleCmd(opts, "disable", false),
		newScopeSecretCmd(opts),
	)
	return cmd
}

// secretSource collects a secret from exactly one of the supported inputs.
type secretSource struct {
	value  string
	envVar string
	stdin  bool
}

func (s *secretSource) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.value, "secret", "", "Secret value (prefer --secret-env or --secret-stdin)")
	cmd.Flags().StringVar(&s.envVar, "secret-env", "", "Read the secret from this environment variable")
	cmd.Flags().BoolVar(&s.stdin, "secret-stdin", false, "Read the secret from stdin")
	cmd.MarkFlagsMutuallyExclusive("secret", "secret-env", "secret-stdin")
}

func (s *secretSource) read(in io.Reader) (string, error) {
	switch {
	case s.stdin:
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read secret from stdin: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	case s.envVar != "":
		value, ok := os.LookupEnv(s.envVar)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", s.envVar)
		}
		return value, nil
	default:
		return s.value, nil
	}
}

func newScopeAddCmd(opts *globalOptions) *cobra.Command {
	var params broker.AddScopeParams
	var secret secretSource

	cmd := &cobra.Command{
		Use:   "add <scope>",
		Short: "Add a scope policy",
		Example: `  polis-broker scope add openai --service OpenAI --domain api.openai.com --mode auto --secret-env OPENAI_API_KEY
  polis-broker scope add internal --credential header --header X-Api-Key --secret-stdin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := secret.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			params.Scope = args[0]
			params.Secret = value

			return opts.withRuntime(cmd, func(ctx context.Context, rt *broker.Runtime) error {
				p, err := rt.Service().AddScope(ctx, params)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added scope %s at priority %d (mode=%s credential=%s secret=%t)\n",
					p.Scope, p.Priority, p.ApprovalMode, p.CredentialType, p.HasSecret)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&params.Service, "service", "", "Service name shown to operators (defaults to the scope)")
	cmd.Flags().StringVarP(&params.Mode, "mode", "m", "", "Approval mode (auto, manual, pending)")
	cmd.Flags().StringSliceVarP(&params.Domains, "domain", "d", nil, "Allowed destination host, repeatable; none allows any host")
	cmd.Flags().StringVar(&params.CredentialType, "credential", "", "Credential injection (bearer, header, cookie, basic)")
	cmd.Flags().StringVar(&params.HeaderName, "header", "", "Header name for header credentials, cookie name for cookie credentials")
	cmd.Flags().StringSliceVar(&params.PreferredFor, "prefer", nil, "Task tag this scope is preferred for, repeatable")
	secret.register(cmd)
	return cmd
}

func newScopeRemoveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <scope>",
		Aliases: []string{"rm"},
		Short:   "Remove a scope policy and its secret",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *broker.Runtime) error {
				if err := rt.Service().RemoveScope(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed scope %s\n", args[0])
				return nil
			})
		},
	}
}

func newScopeListCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List scopes in priority order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd, func(_ context.Context, rt *broker.Runtime) error {
				scopes := rt.Service().ListScopes()
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), scopes)
				}
				return writeScopes(cmd.OutOrStdout(), scopes)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newScopeMoveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "move <scope> <position>",
		Short: "Move a scope to a 1-based priority position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("position must be a number: %w", err)
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *broker.Runtime) error {
				if err := rt.Service().MoveScope(ctx, args[0], position); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Moved scope %s to priority %d\n", args[0], position)
				return nil
			})
		},
	}
}

func newScopeToggleCmd(opts *globalOptions, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <scope>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *broker.Runtime) error {
				p, err := rt.Service().SetEnabled(ctx, args[0], enabled)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Scope %s %sd\n", p.Scope, verb)
				return nil
			})
		},
	}
}

func newScopeSecretCmd(opts *globalOptions) *cobra.Command {
	var secret secretSource

	cmd := &cobra.Command{
		Use:   "set-secret <scope>",
		Short: "Store or replace the secret of a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := secret.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *broker.Runtime) error {
				if _, err := rt.Service().SetSecret(ctx, args[0], value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Secret stored for scope %s\n", args[0])
				return nil
			})
		},
	}
	secret.register(cmd)
	return cmd
}

func writeScopes(w io.Writer, scopes []domain.ScopePolicy) error {
	if len(scopes) == 0 {
		_, err := fmt.Fprintln(w, "No scopes configured")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tSCOPE\tSERVICE\tMODE\tCREDENTIAL\tSECRET\tENABLED\tDOMAINS\tPREFERRED")
	for _, p := range scopes {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%t\t%t\t%s\t%s\n",
			p.Priority, p.Scope, p.ServiceName, p.ApprovalMode, p.CredentialType,
			p.HasSecret, p.IsEnabled, listOrDash(p.AllowedDomains, "any"), listOrDash(p.PreferredFor, "-"))
	}
	return tw.Flush()
}

func listOrDash(values []string, empty string) string {
	if len(values) == 0 {
		return empty
	}
	return strings.Join(values, ",")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
