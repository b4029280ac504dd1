package domain

import (
	"encoding/json"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ApprovalMode governs whether a scoped request is granted immediately or
// waits for an explicit decision.
type ApprovalMode string

const (
	// ApprovalAuto grants matching requests immediately.
	ApprovalAuto ApprovalMode = "auto"
	// ApprovalManual queues each request for a one-time manual decision.
	ApprovalManual ApprovalMode = "manual"
	// ApprovalPending queues requests for batch review.
	ApprovalPending ApprovalMode = "pending"
)

// DefaultApprovalMode is applied when a document carries a missing or
// unrecognised approval mode. Manual is the fail-safe choice: nothing is
// granted without a recorded decision.
const DefaultApprovalMode = ApprovalManual

// Valid reports whether m is one of the known approval modes.
func (m ApprovalMode) Valid() bool {
	switch m {
	case ApprovalAuto, ApprovalManual, ApprovalPending:
		return true
	}
	return false
}

// RequiresDecision reports whether requests under this mode are queued.
func (m ApprovalMode) RequiresDecision() bool {
	return m != ApprovalAuto
}

// UnmarshalJSON decodes unknown or malformed values to DefaultApprovalMode.
func (m *ApprovalMode) UnmarshalJSON(data []byte) error {
	*m = ApprovalMode(decodeEnumString(data))
	if !m.Valid() {
		*m = DefaultApprovalMode
	}
	return nil
}

// ParseApprovalMode is the strict parser used for operator input.
func ParseApprovalMode(s string) (ApprovalMode, error) {
	mode := ApprovalMode(strings.ToLower(strings.TrimSpace(s)))
	if !mode.Valid() {
		return "", fmt.Errorf("%w: unknown approval mode %q (want auto, manual or pending)", ErrInvalidPolicy, s)
	}
	return mode, nil
}

// CredentialType is the wire mechanism used to attach a secret to an
// outbound request.
type CredentialType string

const (
	// CredentialBearer sets "Authorization: Bearer <secret>".
	CredentialBearer CredentialType = "bearer"
	// CredentialHeader sets a header named by CustomHeaderName.
	CredentialHeader CredentialType = "header"
	// CredentialCookie carries the secret in a cookie.
	CredentialCookie CredentialType = "cookie"
	// CredentialBasic sets "Authorization: Basic base64(<secret>)".
	CredentialBasic CredentialType = "basic"
)

// DefaultCredentialType is applied to missing or unrecognised values.
const DefaultCredentialType = CredentialBearer

// Valid reports whether t is one of the known credential types.
func (t CredentialType) Valid() bool {
	switch t {
	case CredentialBearer, CredentialHeader, CredentialCookie, CredentialBasic:
		return true
	}
	return false
}

// UnmarshalJSON decodes unknown or malformed values to DefaultCredentialType.
func (t *CredentialType) UnmarshalJSON(data []byte) error {
	*t = CredentialType(decodeEnumString(data))
	if !t.Valid() {
		*t = DefaultCredentialType
	}
	return nil
}

// ParseCredentialType is the strict parser used for operator input.
func ParseCredentialType(s string) (CredentialType, error) {
	ct := CredentialType(strings.ToLower(strings.TrimSpace(s)))
	if !ct.Valid() {
		return "", fmt.Errorf("%w: unknown credential type %q (want bearer, header, cookie or basic)", ErrInvalidPolicy, s)
	}
	return ct, nil
}

// ScopePolicy is the stored ruleset governing how one scope's requests are
// authorized and credentialed. Scope uniqueness and priority density are
// enforced by the policy store, not by this type.
type ScopePolicy struct {
	ID               string         `json:"id"`
	ServiceName      string         `json:"serviceName"`
	Scope            string         `json:"scope"`
	AllowedDomains   []string       `json:"allowedDomains"`
	ApprovalMode     ApprovalMode   `json:"approvalMode"`
	HasSecret        bool           `json:"hasSecret"`
	IsEnabled        bool           `json:"isEnabled"`
	Priority         int            `json:"priority"`
	CredentialType   CredentialType `json:"credentialType"`
	CustomHeaderName string         `json:"customHeaderName,omitempty"`
	PreferredFor     []string       `json:"preferredFor"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// NewScopePolicy returns an enabled policy with a fresh identity, bearer
// injection and manual approval. Priority is assigned by the store.
func NewScopePolicy(serviceName, scope string) ScopePolicy {
	if strings.TrimSpace(serviceName) == "" {
		serviceName = scope
	}
	return ScopePolicy{
		ID:             uuid.NewString(),
		ServiceName:    serviceName,
		Scope:          scope,
		AllowedDomains: []string{},
		ApprovalMode:   DefaultApprovalMode,
		IsEnabled:      true,
		CredentialType: DefaultCredentialType,
		PreferredFor:   []string{},
		CreatedAt:      time.Now().UTC(),
	}
}

// UnmarshalJSON applies the schema-evolution defaults: absent isEnabled
// decodes as true, absent priority as 0 (the store renormalizes), and absent
// preferredFor or allowedDomains as empty lists.
func (p *ScopePolicy) UnmarshalJSON(data []byte) error {
	type scopePolicyFields ScopePolicy
	*p = ScopePolicy{}
	aux := struct {
		*scopePolicyFields
		IsEnabled *bool `json:"isEnabled"`
		Priority  *int  `json:"priority"`
	}{scopePolicyFields: (*scopePolicyFields)(p)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	p.IsEnabled = aux.IsEnabled == nil || *aux.IsEnabled
	if aux.Priority != nil {
		p.Priority = *aux.Priority
	}
	if p.PreferredFor == nil {
		p.PreferredFor = []string{}
	}
	if p.AllowedDomains == nil {
		p.AllowedDomains = []string{}
	}
	if !p.ApprovalMode.Valid() {
		p.ApprovalMode = DefaultApprovalMode
	}
	if !p.CredentialType.Valid() {
		p.CredentialType = DefaultCredentialType
	}
	return nil
}

// Validate checks the invariants a single policy can enforce on its own.
func (p ScopePolicy) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: policy id is required", ErrInvalidPolicy)
	}
	if strings.TrimSpace(p.Scope) == "" {
		return fmt.Errorf("%w: scope identifier is required", ErrInvalidPolicy)
	}
	if !p.ApprovalMode.Valid() {
		return fmt.Errorf("%w: scope %q: unknown approval mode %q", ErrInvalidPolicy, p.Scope, p.ApprovalMode)
	}
	if !p.CredentialType.Valid() {
		return fmt.Errorf("%w: scope %q: unknown credential type %q", ErrInvalidPolicy, p.Scope, p.CredentialType)
	}
	if p.CredentialType == CredentialHeader {
		if strings.TrimSpace(p.CustomHeaderName) == "" {
			return fmt.Errorf("%w: scope %q: header credentials need a header name", ErrInvalidPolicy, p.Scope)
		}
		if strings.ContainsAny(p.CustomHeaderName, " :\t\r\n") {
			return fmt.Errorf("%w: scope %q: invalid header name %q", ErrInvalidPolicy, p.Scope, p.CustomHeaderName)
		}
	}
	if p.Priority < 0 {
		return fmt.Errorf("%w: scope %q: negative priority %d", ErrInvalidPolicy, p.Scope, p.Priority)
	}
	return nil
}

// AllowsHost reports whether host may receive this scope's credential. An
// empty allow-list places no restriction. Comparison ignores case, ports and
// a trailing dot.
func (p ScopePolicy) AllowsHost(host string) bool {
	if len(p.AllowedDomains) == 0 {
		return true
	}
	want := NormalizeHost(host)
	if want == "" {
		return false
	}
	for _, domain := range p.AllowedDomains {
		if NormalizeHost(domain) == want {
			return true
		}
	}
	return false
}

// PrefersTask reports whether task is one of the policy's preference tags.
func (p ScopePolicy) PrefersTask(task string) bool {
	return slices.Contains(p.PreferredFor, task)
}

// Clone returns a deep copy so store snapshots never alias internal slices.
func (p ScopePolicy) Clone() ScopePolicy {
	clone := p
	clone.AllowedDomains = append([]string{}, p.AllowedDomains...)
	clone.PreferredFor = append([]string{}, p.PreferredFor...)
	return clone
}

// NormalizeHost lowercases host and strips any port and trailing dot.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return strings.TrimSuffix(host, ".")
}

// PendingRequest is a queued request awaiting an explicit approve or deny.
// Pending requests never expire on their own.
type PendingRequest struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Host      string    `json:"requestingHost"`
	Reason    string    `json:"reason"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewPendingRequest returns a pending request with a fresh identity.
func NewPendingRequest(scope, host, reason string) PendingRequest {
	return PendingRequest{
		ID:        uuid.NewString(),
		Scope:     scope,
		Host:      host,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
}

func decodeEnumString(data []byte) string {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(raw))
}
