package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/polisai/polis-broker/pkg/proxy"
)

// Tool names.
const (
	ToolCredentialProxy = "credential_proxy"
	ToolListScopes      = "list_scopes"
	ToolHealthCheck     = "health_check"
)

func boolPtr(v bool) *bool { return &v }

func toolCatalog() []toolDescription {
	return []toolDescription{
		{
			Name: ToolCredentialProxy,
			Description: "Request credentialed access to an upstream service. The broker checks the scope's " +
				"policy, then either injects the scope's credential, queues the request for approval, or refuses it. " +
				"Raw secrets are never returned.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"scope":   map[string]any{"type": "string", "description": "Scope identifier of the credential to use"},
					"host":    map[string]any{"type": "string", "description": "Host the credential will be sent to"},
					"reason":  map[string]any{"type": "string", "description": "Why the agent needs access"},
					"url":     map[string]any{"type": "string", "description": "Full target URL; its host takes precedence over host"},
					"method":  map[string]any{"type": "string", "description": "HTTP method, GET when omitted"},
					"headers": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
					"body":    map[string]any{"type": "string", "description": "Request body"},
				},
				"required": []string{"scope"},
			},
			Annotations: &toolAnnotations{OpenWorldHint: boolPtr(true)},
		},
		{
			Name:        ToolListScopes,
			Description: "List the configured credential scopes in priority order.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			Annotations: &toolAnnotations{ReadOnlyHint: boolPtr(true)},
		},
		{
			Name:        ToolHealthCheck,
			Description: "Report whether the broker is running.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			Annotations: &toolAnnotations{ReadOnlyHint: boolPtr(true)},
		},
	}
}

type proxyArguments struct {
	Scope   string            `json:"scope"`
	Host    string            `json:"host"`
	Reason  string            `json:"reason"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func (s *Server) callTool(ctx context.Context, params toolsCallParams) toolResult {
	switch params.Name {
	case ToolHealthCheck:
		return textResult("OK")
	case ToolListScopes:
		return textResult(s.renderScopes())
	case ToolCredentialProxy:
		return s.credentialProxy(ctx, params.Arguments)
	default:
		res := textResult("Unknown tool: " + params.Name)
		res.IsError = true
		res.ErrorInfo = &errorInfo{Category: "not_found"}
		return res
	}
}

func (s *Server) renderScopes() string {
	policies := s.scopes.Policies()
	if len(policies) == 0 {
		return "No scopes configured"
	}

	var b strings.Builder
	for _, p := range policies {
		domains := "any"
		if len(p.AllowedDomains) > 0 {
			domains = strings.Join(p.AllowedDomains, ",")
		}
		state := "enabled"
		if !p.IsEnabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "%d. %s (%s) mode=%s credential=%s secret=%t %s domains=%s",
			p.Priority, p.Scope, p.ServiceName, p.ApprovalMode, p.CredentialType, p.HasSecret, state, domains)
		if len(p.PreferredFor) > 0 {
			fmt.Fprintf(&b, " preferred_for=%s", strings.Join(p.PreferredFor, ","))
		}
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (s *Server) credentialProxy(ctx context.Context, raw json.RawMessage) toolResult {
	var args proxyArguments
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return s.toolError(ToolCredentialProxy, fmt.Errorf("%w: invalid arguments: %v", proxy.ErrInvalidRequest, err))
		}
	}
	if strings.TrimSpace(args.Scope) == "" {
		return s.toolError(ToolCredentialProxy, fmt.Errorf("%w: scope is required", proxy.ErrInvalidRequest))
	}

	req := proxy.Request{
		Scope:  args.Scope,
		Host:   args.Host,
		Reason: args.Reason,
		URL:    args.URL,
		Method: args.Method,
	}
	if len(args.Headers) > 0 {
		req.Headers = make(http.Header, len(args.Headers))
		for name, value := range args.Headers {
			req.Headers.Set(name, value)
		}
	}
	if args.Body != "" {
		req.Body = []byte(args.Body)
	}

	res, err := s.issuer.Issue(ctx, req)
	if err != nil {
		return s.toolError(ToolCredentialProxy, err)
	}

	switch res.Outcome {
	case proxy.OutcomePending:
		return textResult(fmt.Sprintf("Request for scope %s is pending approval (request id %s, approval mode %s). Retry after it has been approved.",
			res.Policy.Scope, res.Pending.ID, res.Policy.ApprovalMode))
	case proxy.OutcomeGranted:
		if s.egress != nil && args.URL != "" {
			return s.forward(res)
		}
		summary := fmt.Sprintf("Access granted for scope %s (%s credential).\n%s",
			res.Policy.Scope, res.Policy.CredentialType, proxy.DescribeRequest(res.Request))
		return textResult(s.issuer.Redact(summary))
	default:
		return s.toolError(ToolCredentialProxy, fmt.Errorf("unexpected outcome %q", res.Outcome))
	}
}

func (s *Server) forward(res proxy.Result) toolResult {
	resp, err := s.egress.Do(res.Request)
	if err != nil {
		out := textResult(s.issuer.Redact(err.Error()))
		out.IsError = true
		out.ErrorInfo = &errorInfo{Category: "transient", Retryable: true}
		return out
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP %s\n", resp.Status)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		fmt.Fprintf(&b, "Content-Type: %s\n", ct)
	}
	b.WriteByte('\n')
	b.Write(resp.Body)
	if resp.Truncated {
		b.WriteString("\n[response truncated]")
	}
	return textResult(s.issuer.Redact(b.String()))
}

func (s *Server) toolError(tool string, err error) toolResult {
	s.logger.Info("Tool call failed", "tool", tool, "error", err)
	res := textResult(s.issuer.Redact(err.Error()))
	res.IsError = true
	res.ErrorInfo = classifyError(err)
	return res
}
