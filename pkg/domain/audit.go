package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditResult identifies the outcome recorded by an audit entry.
type AuditResult string

const (
	// AuditApproved records a granted credential or an approved pending request.
	AuditApproved AuditResult = "approved"
	// AuditDenied records a policy rejection or a denied pending request.
	AuditDenied AuditResult = "denied"
	// AuditError records an infrastructure failure.
	AuditError AuditResult = "error"
)

// Valid reports whether r is one of the known results.
func (r AuditResult) Valid() bool {
	switch r {
	case AuditApproved, AuditDenied, AuditError:
		return true
	}
	return false
}

// UnmarshalJSON decodes unknown values as AuditError so an entry written by a
// newer build still loads.
func (r *AuditResult) UnmarshalJSON(data []byte) error {
	*r = AuditResult(decodeEnumString(data))
	if !r.Valid() {
		*r = AuditError
	}
	return nil
}

// AuditEntry is an immutable record of one authorization decision or proxy
// outcome.
type AuditEntry struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Scope     string      `json:"scope"`
	Host      string      `json:"requestingHost"`
	Reason    string      `json:"reason"`
	Result    AuditResult `json:"result"`
	Detail    string      `json:"detail,omitempty"`
}

// NewAuditEntry returns an entry stamped with a fresh identity and the
// current time.
func NewAuditEntry(scope, host, reason string, result AuditResult, detail string) AuditEntry {
	return AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Scope:     scope,
		Host:      host,
		Reason:    reason,
		Result:    result,
		Detail:    detail,
	}
}

// AuditEntryFor records the resolution of a pending request.
func AuditEntryFor(req PendingRequest, result AuditResult, detail string) AuditEntry {
	return NewAuditEntry(req.Scope, req.Host, req.Reason, result, detail)
}
