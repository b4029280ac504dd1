// Package storage owns the broker's persistent state: the ordered set of
// scope policies, the pending approval queue, and the secret store contract
// with its file and memory implementations.
package storage

import (
	"context"

	"github.com/polisai/polis-broker/pkg/domain"
)

const (
	// PoliciesFile holds the policy document, an array in priority order.
	PoliciesFile = "policies.json"
	// PendingFile holds the pending-request document.
	PendingFile = "pending.json"
)

// AuditRecorder receives the audit entry produced by every approve or deny
// decision. The audit log satisfies it; the store never reads entries back.
type AuditRecorder interface {
	Log(ctx context.Context, entry domain.AuditEntry) error
}

// PolicyLookup is the read side of the store used by the proxy engine.
type PolicyLookup interface {
	Policy(scope string) (domain.ScopePolicy, bool)
}

// PendingQueue is the write side the proxy engine needs to queue requests.
type PendingQueue interface {
	AddPendingRequest(ctx context.Context, req domain.PendingRequest) (domain.PendingRequest, error)
}

type discardRecorder struct{}

func (discardRecorder) Log(context.Context, domain.AuditEntry) error { return nil }
