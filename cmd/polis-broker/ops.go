package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-broker/pkg/audit"
	"github.com/polisai/polis-broker/pkg/broker"
	"github.com/polisai/polis-broker/pkg/domain"
	"github.com/polisai/polis-broker/pkg/proxy"
)

func newIssueCmd(opts *globalOptions) *cobra.Command {
	var req proxy.Request

	cmd := &cobra.Command{
		Use:   "issue <scope>",
		Short: "Run the approval flow for a scope without contacting the upstream",
		Long: `Run the same checks an agent request goes through and report the outcome.
The credential itself is never printed; granted requests are shown with the
secret redacted. Without --host or --url the scope's first allowed domain is
targeted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Scope = args[0]
			return opts.withRuntime(cmd, func(ctx context.Context, rt *broker.Runtime) error {
				svc := rt.Service()

				var (
					res proxy.Result
					err error
				)
				if req.Host == "" && req.URL == "" && req.Method == "" {
					res, err = svc.IssueCredential(ctx, req.Scope, req.Reason)
				} else {
					res, err = svc.Issue(ctx, req)
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				switch res.Outcome {
				case proxy.OutcomePending:
					fmt.Fprintf(out, "Request queued for approval (id %s, mode %s)\n", res.Pending.ID, res.Policy.ApprovalMode)
				case proxy.OutcomeGranted:
					fmt.Fprintf(out, "Access granted for scope %s (%s credential)\n%s\n",
						res.Policy.Scope, res.Policy.CredentialType, rt.Redact(proxy.DescribeRequest(res.Request)))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&req.Reason, "reason", "r", "", "Why access is needed")
	cmd.Flags().StringVar(&req.Host, "host", "", "Destination host")
	cmd.Flags().StringVar(&req.URL, "url", "", "Destination URL; its host takes precedence over --host")
	cmd.Flags().StringVarP(&req.Method, "method", "X", "", "HTTP method (default GET)")
	return cmd
}

func newPendingCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Review requests waiting for approval",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List pending requests, oldest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd, func(_ context.Context, rt *broker.Runtime) error {
				pending := rt.Service().PendingRequests()
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), pending)
				}
				return writePending(cmd.OutOrStdout(), pending)
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	cmd.AddCommand(
		list,
		newResolveCmd(opts, "approve", func(s *broker.Service) resolveFunc { return s.Approve }),
		newResolveCmd(opts, "deny", func(s *broker.Service) resolveFunc { return s.Deny }),
	)
	return cmd
}

type resolveFunc func(ctx context.Context, id string) (domain.PendingRequest, error)

func newResolveCmd(opts *globalOptions, verb string, pick func(*broker.Service) resolveFunc) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>...",
		Short: "Resolve pending requests (" + verb + ")",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *broker.Runtime) error {
				resolve := pick(rt.Service())
				for _, id := range args {
					req, err := resolve(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s (scope %s, host %s)\n", pastTense(verb), req.ID, req.Scope, req.Host)
				}
				return nil
			})
		},
	}
}

func pastTense(verb string) string {
	switch verb {
	case "approve":
		return "Approved"
	case "deny":
		return "Denied"
	default:
		return verb
	}
}

func newAuditCmd(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the most recent audit entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd, func(_ context.Context, rt *broker.Runtime) error {
				entries := rt.Service().ReadAudit(limit)
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				return writeAudit(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", audit.DefaultReadLimit, "Number of entries to show; 0 shows all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newChainCmd(opts *globalOptions) *cobra.Command {
	var (
		task   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Show the fallback chain of enabled scopes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd, func(_ context.Context, rt *broker.Runtime) error {
				chain := rt.Service().FallbackChain(task)
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), chain)
				}
				out := cmd.OutOrStdout()
				if len(chain) == 0 {
					_, err := fmt.Fprintln(out, "No enabled scopes")
					return err
				}
				for i, p := range chain {
					fmt.Fprintf(out, "%d. %s (%s)\n", i+1, p.Scope, p.ServiceName)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "Put scopes preferred for this task first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func writePending(w io.Writer, pending []domain.PendingRequest) error {
	if len(pending) == 0 {
		_, err := fmt.Fprintln(w, "No pending requests")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCOPE\tHOST\tREASON\tCREATED")
	for _, r := range pending {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Scope, r.Host, r.Reason, r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeAudit(w io.Writer, entries []domain.AuditEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No audit entries")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tRESULT\tSCOPE\tHOST\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Result, e.Scope, e.Host, e.Detail)
	}
	return tw.Flush()
}
