// Package proxy mediates every request for credentialed access: it resolves
// the scope policy, enforces enablement and the domain allow-list, consults
// the optional guard, runs the approval workflow and, when access is granted,
// returns an outbound request carrying the scope's credential. Every terminal
// outcome is written to the audit log.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-broker/pkg/domain"
	"github.com/polisai/polis-broker/pkg/policy"
	"github.com/polisai/polis-broker/pkg/storage"
	"github.com/polisai/polis-broker/pkg/telemetry"
)

const tracerName = "github.com/polisai/polis-broker/pkg/proxy"

// ErrInvalidRequest reports a request the engine cannot act on, such as a
// malformed URL or a missing target host.
var ErrInvalidRequest = errors.New("invalid proxy request")

// Outcome is the non-error result of Issue.
type Outcome string

const (
	// OutcomeGranted means Result.Request carries the credential.
	OutcomeGranted Outcome = "granted"
	// OutcomePending means the request was queued for an explicit decision.
	OutcomePending Outcome = "pending"
)

// Request describes one attempt to use a scope's credential.
type Request struct {
	Scope   string
	Host    string
	Reason  string
	URL     string
	Method  string
	Headers http.Header
	Body    []byte
}

// Result is returned for granted and pending outcomes.
type Result struct {
	Outcome Outcome
	Policy  domain.ScopePolicy
	// Request is set for OutcomeGranted.
	Request *http.Request
	// Pending is set for OutcomePending.
	Pending domain.PendingRequest
}

// Store is the part of the policy store the engine reads and writes.
type Store interface {
	storage.PolicyLookup
	storage.PendingQueue
}

// AuditLogger records decisions.
type AuditLogger interface {
	Log(ctx context.Context, entry domain.AuditEntry) error
}

// DecisionObserver is notified of each decision, labelled granted, pending,
// denied or error.
type DecisionObserver interface {
	ObserveDecision(result string)
}

// Engine runs the approval flow. It holds no mutable state of its own apart
// from the redactor; concurrent Issue calls are safe and serialize only
// inside the store and the audit log.
type Engine struct {
	store     Store
	secrets   storage.SecretStore
	audit     AuditLogger
	guard     policy.Guard
	guardMode policy.Mode
	redactor  *Redactor
	observer  DecisionObserver
	tracer    trace.Tracer
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithGuard installs a guard consulted after the domain check. mode decides
// what happens when the guard itself fails.
func WithGuard(g policy.Guard, mode policy.Mode) Option {
	return func(e *Engine) {
		e.guard = g
		e.guardMode = mode
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDecisionObserver registers a metrics sink.
func WithDecisionObserver(o DecisionObserver) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithRedactor shares a redactor between engines.
func WithRedactor(r *Redactor) Option {
	return func(e *Engine) {
		if r != nil {
			e.redactor = r
		}
	}
}

// NewEngine wires the engine to its collaborators.
func NewEngine(store Store, secrets storage.SecretStore, audit AuditLogger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		secrets:   secrets,
		audit:     audit,
		guardMode: policy.ModeFailClosed,
		redactor:  NewRedactor(),
		tracer:    otel.Tracer(tracerName),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Redact replaces every secret this engine has released, and any bearer or
// basic credential pattern, in text.
func (e *Engine) Redact(text string) string {
	return e.redactor.Redact(text)
}

// Issue runs the approval flow for req. Granted and pending outcomes return
// a nil error; every other outcome returns one of the domain errors.
func (e *Engine) Issue(ctx context.Context, req Request) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "proxy.issue", trace.WithAttributes(
		attribute.String("broker.scope", req.Scope),
	))
	defer span.End()

	res, err := e.issue(ctx, req)
	label := decisionLabel(res, err)
	span.SetAttributes(attribute.String("broker.decision", label))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, label)
	}
	if e.observer != nil {
		e.observer.ObserveDecision(label)
	}
	return res, err
}

func (e *Engine) issue(ctx context.Context, req Request) (Result, error) {
	p, ok := e.store.Policy(req.Scope)
	if !ok {
		err := domain.NewScopeError(req.Scope, domain.ErrUnknownScope)
		e.record(ctx, req, req.Host, domain.AuditError, err.Error())
		return Result{}, err
	}

	if !p.IsEnabled {
		err := domain.NewScopeError(req.Scope, domain.ErrProviderDisabled)
		e.record(ctx, req, req.Host, domain.AuditError, err.Error())
		return Result{}, err
	}

	target, err := resolveTarget(req)
	if err != nil {
		e.record(ctx, req, req.Host, domain.AuditError, err.Error())
		return Result{}, err
	}
	host := target.Hostname()

	if !p.AllowsHost(host) {
		err := &domain.DomainNotAllowedError{Scope: p.Scope, Host: host, Allowed: append([]string{}, p.AllowedDomains...)}
		e.record(ctx, req, host, domain.AuditDenied, err.Error())
		e.logger.Warn("Request refused by domain allow-list", "scope", p.Scope, "host", host)
		return Result{}, err
	}

	if e.guard != nil {
		if err := e.checkGuard(ctx, p, req, host, target.String()); err != nil {
			return Result{}, err
		}
	}

	if p.ApprovalMode.RequiresDecision() {
		pending := domain.NewPendingRequest(p.Scope, host, req.Reason)
		pending.URL = req.URL
		stored, err := e.store.AddPendingRequest(ctx, pending)
		if err != nil {
			err = fmt.Errorf("queue request for approval: %w", err)
			e.record(ctx, req, host, domain.AuditError, err.Error())
			return Result{}, err
		}
		e.logger.Info("Request awaiting approval", "scope", p.Scope, "host", host, "pending_id", stored.ID, "approval_mode", p.ApprovalMode)
		return Result{Outcome: OutcomePending, Policy: p, Pending: stored}, nil
	}

	secret := ""
	if p.HasSecret {
		secret, err = e.secrets.Retrieve(ctx, p.Scope)
		if err != nil {
			err = fmt.Errorf("%w for scope %s: %v", domain.ErrSecretUnavailable, p.Scope, err)
			e.record(ctx, req, host, domain.AuditError, err.Error())
			e.logger.Error("Secret retrieval failed", "scope", p.Scope, "error", err)
			return Result{}, err
		}
	}

	out, err := buildRequest(ctx, req, target)
	if err != nil {
		e.record(ctx, req, host, domain.AuditError, err.Error())
		return Result{}, err
	}
	injectCredential(out.Header, p, secret)
	e.redactor.Remember(secret)
	if p.CredentialType == domain.CredentialBasic && secret != "" {
		e.redactor.Remember(encodeBasic(secret))
	}

	entry := domain.NewAuditEntry(p.Scope, host, req.Reason, domain.AuditApproved, fmt.Sprintf("%s credential injected", p.CredentialType))
	if err := e.audit.Log(ctx, entry); err != nil {
		e.logger.Error("Audit write failed, withholding credential", "scope", p.Scope, "error", err)
		return Result{}, fmt.Errorf("record approval: %w", err)
	}

	e.logger.Info("Credential granted", "scope", p.Scope, "host", host, "credential_type", p.CredentialType)
	return Result{Outcome: OutcomeGranted, Policy: p, Request: out}, nil
}

func (e *Engine) checkGuard(ctx context.Context, p domain.ScopePolicy, req Request, host, target string) error {
	dec, err := e.guard.Evaluate(ctx, policy.Input{
		Scope:          p.Scope,
		ServiceName:    p.ServiceName,
		Host:           host,
		Reason:         req.Reason,
		URL:            target,
		Method:         methodOrDefault(req.Method),
		ApprovalMode:   string(p.ApprovalMode),
		CredentialType: string(p.CredentialType),
		HasSecret:      p.HasSecret,
		AllowedDomains: p.AllowedDomains,
		PreferredFor:   p.PreferredFor,
	})
	if err != nil {
		if e.guardMode == policy.ModeFailOpen {
			e.logger.Warn("Guard evaluation failed, continuing", "scope", p.Scope, "error", err)
			return nil
		}
		err = fmt.Errorf("guard evaluation: %w", err)
		e.record(ctx, req, host, domain.AuditError, err.Error())
		return err
	}
	telemetry.RecordPolicyDecision(trace.SpanFromContext(ctx), dec)
	if dec.Blocked() {
		reason := dec.Reason
		if reason == "" {
			reason = "blocked by guard policy"
		}
		err := fmt.Errorf("%w: scope %s: %s", domain.ErrGuardDenied, p.Scope, reason)
		e.record(ctx, req, host, domain.AuditDenied, reason)
		e.logger.Warn("Request refused by guard", "scope", p.Scope, "host", host, "reason", reason)
		return err
	}
	return nil
}

// record writes an audit entry for a refused or failed request. The caller's
// error is what the requester sees; a failed audit write is logged.
func (e *Engine) record(ctx context.Context, req Request, host string, result domain.AuditResult, detail string) {
	entry := domain.NewAuditEntry(req.Scope, host, req.Reason, result, detail)
	if err := e.audit.Log(ctx, entry); err != nil {
		e.logger.Error("Audit write failed", "scope", req.Scope, "result", result, "error", err)
	}
}

func decisionLabel(res Result, err error) string {
	switch {
	case err == nil:
		return string(res.Outcome)
	case errors.Is(err, domain.ErrDomainNotAllowed), errors.Is(err, domain.ErrGuardDenied):
		return "denied"
	default:
		return "error"
	}
}
