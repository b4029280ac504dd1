package policy

import (
	"context"
	"fmt"
	"strings"
)

// Action defines the outcome of a guard evaluation.
type Action string

const (
	// ActionAllow lets the proxy engine continue with the approval flow.
	ActionAllow Action = "allow"
	// ActionBlock refuses the request before any secret is read.
	ActionBlock Action = "block"
)

// Decision captures the result of a guard evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
}

// Blocked reports whether the decision refuses the request.
func (d Decision) Blocked() bool {
	return d.Action == ActionBlock
}

// Input is the document exposed to Rego as `input`.
type Input struct {
	Scope          string
	ServiceName    string
	Host           string
	Reason         string
	URL            string
	Method         string
	ApprovalMode   string
	CredentialType string
	HasSecret      bool
	AllowedDomains []string
	PreferredFor   []string
	// DisableCache forces a fresh evaluation.
	DisableCache bool
}

func (in Input) toMap() map[string]any {
	return map[string]any{
		"scope":           in.Scope,
		"service_name":    in.ServiceName,
		"host":            in.Host,
		"reason":          in.Reason,
		"url":             in.URL,
		"method":          strings.ToUpper(in.Method),
		"approval_mode":   in.ApprovalMode,
		"credential_type": in.CredentialType,
		"has_secret":      in.HasSecret,
		"allowed_domains": append([]string{}, in.AllowedDomains...),
		"preferred_for":   append([]string{}, in.PreferredFor...),
	}
}

// Guard evaluates a decision for a request.
type Guard interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// Mode indicates whether the guard fails open or closed when evaluation
// itself errors.
type Mode string

const (
	// ModeFailClosed refuses requests when evaluation fails.
	ModeFailClosed Mode = "fail_closed"
	// ModeFailOpen lets requests continue when evaluation fails.
	ModeFailOpen Mode = "fail_open"
)

// ParseMode normalises a configured failure mode. Empty selects
// ModeFailClosed.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeFailClosed:
		return ModeFailClosed, nil
	case ModeFailOpen:
		return ModeFailOpen, nil
	default:
		return "", fmt.Errorf("unknown guard failure mode %q (want fail_closed or fail_open)", value)
	}
}

// AllowAll is a Guard that never blocks.
type AllowAll struct{}

// Evaluate always allows.
func (AllowAll) Evaluate(context.Context, Input) (Decision, error) {
	return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
}
