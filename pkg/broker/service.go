// Package broker exposes the operator-facing operations of the credential
// broker and assembles its components from configuration.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/polisai/polis-broker/pkg/domain"
	"github.com/polisai/polis-broker/pkg/proxy"
	"github.com/polisai/polis-broker/pkg/storage"
)

// PolicyStore is the policy store surface the service drives.
type PolicyStore interface {
	AddPolicy(ctx context.Context, p domain.ScopePolicy) (domain.ScopePolicy, error)
	RemovePolicy(ctx context.Context, id string) error
	UpdatePolicy(ctx context.Context, p domain.ScopePolicy) (domain.ScopePolicy, error)
	UpdateScope(ctx context.Context, scope string, fn func(*domain.ScopePolicy)) (domain.ScopePolicy, error)
	SetEnabled(ctx context.Context, scope string, enabled bool) (domain.ScopePolicy, error)
	MoveScope(ctx context.Context, scope string, position int) error
	Policy(scope string) (domain.ScopePolicy, bool)
	Policies() []domain.ScopePolicy
	FallbackChain(task string) []domain.ScopePolicy
	PendingRequests() []domain.PendingRequest
	ApprovePendingRequest(ctx context.Context, id string) (domain.PendingRequest, error)
	DenyPendingRequest(ctx context.Context, id string) (domain.PendingRequest, error)
}

// AuditReader reads the audit log.
type AuditReader interface {
	ReadEntries(limit int) []domain.AuditEntry
}

// Issuer runs the approval flow.
type Issuer interface {
	Issue(ctx context.Context, req proxy.Request) (proxy.Result, error)
}

// AddScopeParams describes a new scope. Mode and CredentialType accept the
// operator spellings; empty values take the policy defaults.
type AddScopeParams struct {
	Service        string
	Scope          string
	Mode           string
	Domains        []string
	Secret         string
	CredentialType string
	HeaderName     string
	PreferredFor   []string
}

// Service implements the command-style operations used by the CLI.
type Service struct {
	store   PolicyStore
	secrets storage.SecretStore
	audit   AuditReader
	issuer  Issuer
	logger  *slog.Logger
}

// NewService creates a service over the broker components.
func NewService(store PolicyStore, secrets storage.SecretStore, audit AuditReader, issuer Issuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		secrets: secrets,
		audit:   audit,
		issuer:  issuer,
		logger:  logger,
	}
}

// IssueCredential requests the credential of scope for reason, targeting the
// scope's first allowed domain.
func (s *Service) IssueCredential(ctx context.Context, scope, reason string) (proxy.Result, error) {
	req := proxy.Request{Scope: scope, Reason: reason}
	if p, ok := s.store.Policy(scope); ok && len(p.AllowedDomains) > 0 {
		req.Host = p.AllowedDomains[0]
	}
	return s.issuer.Issue(ctx, req)
}

// Issue runs the approval flow for a fully specified request.
func (s *Service) Issue(ctx context.Context, req proxy.Request) (proxy.Result, error) {
	return s.issuer.Issue(ctx, req)
}

// AddScope creates a scope policy. A non-empty secret is stored before the
// policy is added and removed again if the policy cannot be added.
func (s *Service) AddScope(ctx context.Context, params AddScopeParams) (domain.ScopePolicy, error) {
	p, err := policyFromParams(params)
	if err != nil {
		return domain.ScopePolicy{}, err
	}
	if err := p.Validate(); err != nil {
		return domain.ScopePolicy{}, err
	}
	if _, exists := s.store.Policy(p.Scope); exists {
		return domain.ScopePolicy{}, domain.NewScopeError(p.Scope, domain.ErrDuplicateScope)
	}

	if params.Secret != "" {
		if err := s.secrets.Save(ctx, p.Scope, params.Secret); err != nil {
			return domain.ScopePolicy{}, fmt.Errorf("store secret for scope %s: %w", p.Scope, err)
		}
		p.HasSecret = true
	}

	added, err := s.store.AddPolicy(ctx, p)
	if err != nil {
		if p.HasSecret {
			s.deleteSecret(ctx, p.Scope)
		}
		return domain.ScopePolicy{}, err
	}
	return added, nil
}

func policyFromParams(params AddScopeParams) (domain.ScopePolicy, error) {
	p := domain.NewScopePolicy(strings.TrimSpace(params.Service), strings.TrimSpace(params.Scope))

	if params.Mode != "" {
		mode, err := domain.ParseApprovalMode(params.Mode)
		if err != nil {
			return domain.ScopePolicy{}, err
		}
		p.ApprovalMode = mode
	}
	if params.CredentialType != "" {
		ct, err := domain.ParseCredentialType(params.CredentialType)
		if err != nil {
			return domain.ScopePolicy{}, err
		}
		p.CredentialType = ct
	}
	p.CustomHeaderName = strings.TrimSpace(params.HeaderName)
	p.AllowedDomains = normalizeList(params.Domains, domain.NormalizeHost)
	p.PreferredFor = normalizeList(params.PreferredFor, strings.TrimSpace)
	return p, nil
}

// normalizeList applies fn, dropping empty results and duplicates while
// keeping the first occurrence order.
func normalizeList(values []string, fn func(string) string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = fn(v)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// SetSecret replaces the secret of an existing scope.
func (s *Service) SetSecret(ctx context.Context, scope, secret string) (domain.ScopePolicy, error) {
	if _, ok := s.store.Policy(scope); !ok {
		return domain.ScopePolicy{}, domain.NewScopeError(scope, domain.ErrUnknownScope)
	}
	if secret == "" {
		return domain.ScopePolicy{}, fmt.Errorf("%w: scope %q: secret must not be empty", domain.ErrInvalidPolicy, scope)
	}
	if err := s.secrets.Save(ctx, scope, secret); err != nil {
		return domain.ScopePolicy{}, fmt.Errorf("store secret for scope %s: %w", scope, err)
	}
	return s.store.UpdateScope(ctx, scope, func(p *domain.ScopePolicy) { p.HasSecret = true })
}

// RemoveScope deletes the policy for scope and, when the secret store
// supports it, the scope's secret.
func (s *Service) RemoveScope(ctx context.Context, scope string) error {
	p, ok := s.store.Policy(scope)
	if !ok {
		return domain.NewScopeError(scope, domain.ErrUnknownScope)
	}
	if err := s.store.RemovePolicy(ctx, p.ID); err != nil {
		return err
	}
	if p.HasSecret {
		if err := s.deleteSecret(ctx, p.Scope); err != nil {
			return fmt.Errorf("scope %s removed but its secret was not: %w", p.Scope, err)
		}
	}
	return nil
}

func (s *Service) deleteSecret(ctx context.Context, scope string) error {
	deleter, ok := s.secrets.(storage.SecretDeleter)
	if !ok {
		return nil
	}
	if err := deleter.Delete(ctx, scope); err != nil && !errors.Is(err, storage.ErrSecretNotFound) {
		s.logger.Warn("Failed to delete scope secret", "scope", scope, "error", err)
		return err
	}
	return nil
}

// ListScopes returns every policy in priority order.
func (s *Service) ListScopes() []domain.ScopePolicy {
	return s.store.Policies()
}

// ReadAudit returns up to limit entries, newest first. A non-positive limit
// returns everything.
func (s *Service) ReadAudit(limit int) []domain.AuditEntry {
	return s.audit.ReadEntries(limit)
}

// PendingRequests returns the approval queue, oldest first.
func (s *Service) PendingRequests() []domain.PendingRequest {
	return s.store.PendingRequests()
}

// Approve resolves a pending request as approved.
func (s *Service) Approve(ctx context.Context, id string) (domain.PendingRequest, error) {
	return s.store.ApprovePendingRequest(ctx, id)
}

// Deny resolves a pending request as denied.
func (s *Service) Deny(ctx context.Context, id string) (domain.PendingRequest, error) {
	return s.store.DenyPendingRequest(ctx, id)
}

// MoveScope moves scope to the 1-based priority position.
func (s *Service) MoveScope(ctx context.Context, scope string, position int) error {
	return s.store.MoveScope(ctx, scope, position)
}

// SetEnabled enables or disables scope.
func (s *Service) SetEnabled(ctx context.Context, scope string, enabled bool) (domain.ScopePolicy, error) {
	return s.store.SetEnabled(ctx, scope, enabled)
}

// FallbackChain returns the enabled scopes in the order consumers should try
// them, with scopes preferred for task first.
func (s *Service) FallbackChain(task string) []domain.ScopePolicy {
	return s.store.FallbackChain(task)
}
