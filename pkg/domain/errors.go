package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Broker error taxonomy. Approval-pending is an outcome, not an error.
var (
	ErrUnknownScope      = errors.New("unknown scope")
	ErrDuplicateScope    = errors.New("duplicate scope")
	ErrProviderDisabled  = errors.New("provider disabled")
	ErrDomainNotAllowed  = errors.New("domain not allowed")
	ErrSecretUnavailable = errors.New("secret unavailable")
	ErrPendingNotFound   = errors.New("pending request not found")
	ErrInvalidPolicy     = errors.New("invalid policy")
	ErrGuardDenied       = errors.New("denied by guard policy")
)

// ScopeError attaches the scope identifier to one of the sentinel errors.
type ScopeError struct {
	Scope string
	Err   error
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Scope)
}

func (e *ScopeError) Unwrap() error {
	return e.Err
}

// NewScopeError wraps err for scope.
func NewScopeError(scope string, err error) *ScopeError {
	return &ScopeError{Scope: scope, Err: err}
}

// DomainNotAllowedError names the host that violated a scope's allow-list.
type DomainNotAllowedError struct {
	Scope   string
	Host    string
	Allowed []string
}

func (e *DomainNotAllowedError) Error() string {
	return fmt.Sprintf("domain not allowed: host %q is not in the allowed domains of scope %q (%s)",
		e.Host, e.Scope, strings.Join(e.Allowed, ", "))
}

func (e *DomainNotAllowedError) Is(target error) bool {
	return target == ErrDomainNotAllowed
}
