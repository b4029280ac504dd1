// Package audit keeps the append-only record of every credential decision.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-broker/pkg/domain"
	"github.com/polisai/polis-broker/pkg/storage"
)

// FileName is the audit document inside the data directory.
const FileName = "audit.json"

// DefaultReadLimit bounds interactive reads of the audit trail.
const DefaultReadLimit = 20

// Log is the append-only audit trail. Entries are persisted as a single JSON
// array in completion order; every append rewrites the array atomically while
// holding the log's mutex, so concurrent appends never interleave or drop.
type Log struct {
	mu      sync.Mutex
	path    string
	entries []domain.AuditEntry
	logger  *slog.Logger
}

// NewLog loads the audit trail in dir. An empty dir yields a memory-only log.
func NewLog(dir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{logger: logger, entries: []domain.AuditEntry{}}
	if dir == "" {
		return l, nil
	}

	if err := storage.EnsureDir(dir); err != nil {
		return nil, err
	}
	l.path = filepath.Join(dir, FileName)
	if _, err := storage.ReadJSON(l.path, &l.entries); err != nil {
		return nil, fmt.Errorf("load audit log: %w", err)
	}
	if l.entries == nil {
		l.entries = []domain.AuditEntry{}
	}
	return l, nil
}

// Log appends entry. A missing ID or timestamp is filled in. The entry is
// durable when Log returns nil; on a write failure the in-memory trail is
// left unchanged.
func (l *Log) Log(_ context.Context, entry domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if !entry.Result.Valid() {
		entry.Result = domain.AuditError
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if l.path != "" {
		if err := storage.WriteJSONAtomic(l.path, l.entries); err != nil {
			l.entries = l.entries[:len(l.entries)-1]
			l.logger.Error("Failed to persist audit entry", "scope", entry.Scope, "result", entry.Result, "error", err)
			return fmt.Errorf("append audit entry: %w", err)
		}
	}

	l.logger.Debug("Audit entry recorded", "scope", entry.Scope, "host", entry.Host, "result", entry.Result)
	return nil
}

// ReadEntries returns at most limit entries, newest first. A limit of zero or
// less returns the whole trail.
func (l *Log) ReadEntries(limit int) []domain.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.AuditEntry, 0, n)
	for i := len(l.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Len reports the number of recorded entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns the whole trail in completion order.
func (l *Log) Entries() []domain.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}
