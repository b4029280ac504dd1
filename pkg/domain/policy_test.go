package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopePolicyDecodeVersionOneDocument(t *testing.T) {
	// First shipped schema: no isEnabled, priority or preferredFor.
	doc := `{
		"id": "4b0d5c1e-0000-4000-8000-000000000001",
		"serviceName": "OpenAI",
		"scope": "openai",
		"allowedDomains": ["api.openai.com"],
		"approvalMode": "auto",
		"hasSecret": true,
		"credentialType": "bearer",
		"createdAt": "2025-01-02T03:04:05Z"
	}`

	var p ScopePolicy
	require.NoError(t, json.Unmarshal([]byte(doc), &p))

	assert.True(t, p.IsEnabled, "absent isEnabled defaults to true")
	assert.Equal(t, 0, p.Priority, "absent priority defaults to 0")
	assert.NotNil(t, p.PreferredFor)
	assert.Empty(t, p.PreferredFor, "absent preferredFor defaults to empty")
	assert.Equal(t, ApprovalAuto, p.ApprovalMode)
	assert.Equal(t, []string{"api.openai.com"}, p.AllowedDomains)
}

func TestScopePolicyDecodeExplicitFields(t *testing.T) {
	doc := `{"id":"x","scope":"s","isEnabled":false,"priority":3,"preferredFor":["code"],"approvalMode":"pending","credentialType":"header","customHeaderName":"X-Api-Key"}`

	var p ScopePolicy
	require.NoError(t, json.Unmarshal([]byte(doc), &p))

	assert.False(t, p.IsEnabled)
	assert.Equal(t, 3, p.Priority)
	assert.Equal(t, []string{"code"}, p.PreferredFor)
	assert.Equal(t, ApprovalPending, p.ApprovalMode)
	assert.Equal(t, CredentialHeader, p.CredentialType)
	assert.Equal(t, "X-Api-Key", p.CustomHeaderName)
	assert.Empty(t, p.AllowedDomains)
}

func TestEnumDecodeFallsBackToDefault(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		wantMode ApprovalMode
		wantType CredentialType
	}{
		{"unknown values", `{"id":"x","scope":"s","approvalMode":"sometimes","credentialType":"oauth2"}`, ApprovalManual, CredentialBearer},
		{"missing values", `{"id":"x","scope":"s"}`, ApprovalManual, CredentialBearer},
		{"wrong json type", `{"id":"x","scope":"s","approvalMode":7,"credentialType":null}`, ApprovalManual, CredentialBearer},
		{"mixed case", `{"id":"x","scope":"s","approvalMode":"AUTO","credentialType":"Cookie"}`, ApprovalAuto, CredentialCookie},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p ScopePolicy
			require.NoError(t, json.Unmarshal([]byte(tt.doc), &p))
			assert.Equal(t, tt.wantMode, p.ApprovalMode)
			assert.Equal(t, tt.wantType, p.CredentialType)
		})
	}
}

func TestAuditResultDecodeUnknown(t *testing.T) {
	var e AuditEntry
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","result":"quarantined"}`), &e))
	assert.Equal(t, AuditError, e.Result)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","result":"denied"}`), &e))
	assert.Equal(t, AuditDenied, e.Result)
}

func TestScopePolicyRoundTripKeepsSchemaNames(t *testing.T) {
	p := NewScopePolicy("Anthropic", "anthropic")
	p.Priority = 1

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"id", "serviceName", "scope", "allowedDomains", "approvalMode", "hasSecret", "isEnabled", "priority", "credentialType", "preferredFor", "createdAt"} {
		assert.Contains(t, fields, key)
	}
	assert.NotContains(t, fields, "customHeaderName")
}

func TestScopePolicyValidate(t *testing.T) {
	valid := NewScopePolicy("svc", "scope")
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*ScopePolicy)
	}{
		{"empty scope", func(p *ScopePolicy) { p.Scope = " " }},
		{"empty id", func(p *ScopePolicy) { p.ID = "" }},
		{"bad mode", func(p *ScopePolicy) { p.ApprovalMode = "later" }},
		{"bad type", func(p *ScopePolicy) { p.CredentialType = "token" }},
		{"header without name", func(p *ScopePolicy) { p.CredentialType = CredentialHeader }},
		{"header with bad name", func(p *ScopePolicy) {
			p.CredentialType = CredentialHeader
			p.CustomHeaderName = "X Api Key"
		}},
		{"negative priority", func(p *ScopePolicy) { p.Priority = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid.Clone()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPolicy))
		})
	}
}

func TestAllowsHost(t *testing.T) {
	p := NewScopePolicy("OpenAI", "openai")
	assert.True(t, p.AllowsHost("anything.example.com"), "empty allow-list is unrestricted")

	p.AllowedDomains = []string{"api.openai.com"}
	assert.True(t, p.AllowsHost("api.openai.com"))
	assert.True(t, p.AllowsHost("API.OpenAI.com:443"))
	assert.True(t, p.AllowsHost("api.openai.com."))
	assert.False(t, p.AllowsHost("evil.example.com"))
	assert.False(t, p.AllowsHost("openai.com"))
	assert.False(t, p.AllowsHost(""))
}

func TestCloneDoesNotAlias(t *testing.T) {
	p := NewScopePolicy("svc", "scope")
	p.AllowedDomains = []string{"a.example"}
	p.PreferredFor = []string{"chat"}

	c := p.Clone()
	c.AllowedDomains[0] = "b.example"
	c.PreferredFor[0] = "code"

	assert.Equal(t, "a.example", p.AllowedDomains[0])
	assert.Equal(t, "chat", p.PreferredFor[0])
}

func TestStrictParsers(t *testing.T) {
	mode, err := ParseApprovalMode(" Auto ")
	require.NoError(t, err)
	assert.Equal(t, ApprovalAuto, mode)

	_, err = ParseApprovalMode("sometimes")
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	ct, err := ParseCredentialType("BASIC")
	require.NoError(t, err)
	assert.Equal(t, CredentialBasic, ct)

	_, err = ParseCredentialType("oauth")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestErrorTypesMatchSentinels(t *testing.T) {
	var err error = &DomainNotAllowedError{Scope: "openai", Host: "evil.example.com", Allowed: []string{"api.openai.com"}}
	assert.ErrorIs(t, err, ErrDomainNotAllowed)
	assert.Contains(t, err.Error(), "evil.example.com")

	err = NewScopeError("missing", ErrUnknownScope)
	assert.ErrorIs(t, err, ErrUnknownScope)
	assert.Equal(t, "unknown scope: missing", err.Error())
}
