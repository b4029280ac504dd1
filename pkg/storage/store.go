package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-broker/pkg/domain"
)

// PolicyStore holds the scope policies and pending requests for the process
// lifetime. All mutations are serialized by a single write lock and persisted
// before they return; lookups share a read lock and return copies.
//
// The policy slice is kept in priority order at all times: after any mutation
// policies[i].Priority == i+1.
type PolicyStore struct {
	mu       sync.RWMutex
	dir      string
	policies []domain.ScopePolicy
	pending  []domain.PendingRequest

	audit     AuditRecorder
	logger    *slog.Logger
	onPending func(count int)
}

// Option configures a PolicyStore.
type Option func(*PolicyStore)

// WithAuditRecorder sets the destination of approve and deny audit entries.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(s *PolicyStore) {
		if r != nil {
			s.audit = r
		}
	}
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *PolicyStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPendingObserver registers fn to be called with the pending-request
// count after every change to the pending set.
func WithPendingObserver(fn func(count int)) Option {
	return func(s *PolicyStore) {
		s.onPending = fn
	}
}

// NewPolicyStore loads the store persisted in dir. An empty dir yields a
// memory-only store. Documents written by older builds are upgraded in place:
// missing fields take their defaults and priorities are renormalized.
func NewPolicyStore(dir string, opts ...Option) (*PolicyStore, error) {
	s := &PolicyStore{
		dir:      dir,
		policies: []domain.ScopePolicy{},
		pending:  []domain.PendingRequest{},
		audit:    discardRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir == "" {
		return s, nil
	}
	if err := EnsureDir(dir); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemoryPolicyStore returns a store that never touches the filesystem.
func NewMemoryPolicyStore(opts ...Option) *PolicyStore {
	s, _ := NewPolicyStore("", opts...)
	return s
}

func (s *PolicyStore) load() error {
	var policies []domain.ScopePolicy
	if _, err := ReadJSON(filepath.Join(s.dir, PoliciesFile), &policies); err != nil {
		return err
	}
	var pending []domain.PendingRequest
	if _, err := ReadJSON(filepath.Join(s.dir, PendingFile), &pending); err != nil {
		return err
	}

	if policies == nil {
		policies = []domain.ScopePolicy{}
	}
	if pending == nil {
		pending = []domain.PendingRequest{}
	}

	if err := checkLoaded(policies); err != nil {
		return fmt.Errorf("load %s: %w", filepath.Join(s.dir, PoliciesFile), err)
	}

	// Document order is the sequence order; stored priorities are only
	// rewritten to match it.
	s.policies = policies
	s.pending = pending

	if s.renormalizeLocked() {
		s.logger.Info("Renormalized policy priorities on load", "policies", len(s.policies))
		if err := s.saveLocked(); err != nil {
			return err
		}
	}
	s.notifyPendingLocked()
	return nil
}

// checkLoaded rejects documents that break the store's invariants: every
// policy must validate and scopes and IDs must be unique.
func checkLoaded(policies []domain.ScopePolicy) error {
	var errs []error
	scopes := make(map[string]bool, len(policies))
	ids := make(map[string]bool, len(policies))
	for i, p := range policies {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policy %d: %w", i+1, err))
			continue
		}
		if scopes[p.Scope] {
			errs = append(errs, fmt.Errorf("policy %d: %w", i+1, domain.NewScopeError(p.Scope, domain.ErrDuplicateScope)))
		}
		if ids[p.ID] {
			errs = append(errs, fmt.Errorf("policy %d: %w: policy id %s already exists", i+1, domain.ErrInvalidPolicy, p.ID))
		}
		scopes[p.Scope] = true
		ids[p.ID] = true
	}
	return errors.Join(errs...)
}

// Save persists policies and pending requests. Mutating operations already
// save; Save exists for callers that want an explicit flush.
func (s *PolicyStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *PolicyStore) saveLocked() error {
	if s.dir == "" {
		return nil
	}
	if err := WriteJSONAtomic(filepath.Join(s.dir, PoliciesFile), s.policies); err != nil {
		return fmt.Errorf("save policies: %w", err)
	}
	if err := WriteJSONAtomic(filepath.Join(s.dir, PendingFile), s.pending); err != nil {
		return fmt.Errorf("save pending requests: %w", err)
	}
	return nil
}

// renormalizeLocked reassigns priority = index+1 when the sequence is not
// already dense and ordered. It reports whether anything changed.
func (s *PolicyStore) renormalizeLocked() bool {
	changed := false
	for i := range s.policies {
		if s.policies[i].Priority != i+1 {
			s.policies[i].Priority = i + 1
			changed = true
		}
	}
	return changed
}

func (s *PolicyStore) indexByIDLocked(id string) int {
	return slices.IndexFunc(s.policies, func(p domain.ScopePolicy) bool { return p.ID == id })
}

func (s *PolicyStore) indexByScopeLocked(scope string) int {
	return slices.IndexFunc(s.policies, func(p domain.ScopePolicy) bool { return p.Scope == scope })
}

// AddPolicy appends p with priority count+1. The scope identifier must not
// already exist. A missing ID or creation time is filled in.
func (s *PolicyStore) AddPolicy(_ context.Context, p domain.ScopePolicy) (domain.ScopePolicy, error) {
	p = p.Clone()
	p.Scope = strings.TrimSpace(p.Scope)
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p.Priority = len(s.policies) + 1
	if err := p.Validate(); err != nil {
		return domain.ScopePolicy{}, err
	}
	if s.indexByScopeLocked(p.Scope) >= 0 {
		return domain.ScopePolicy{}, domain.NewScopeError(p.Scope, domain.ErrDuplicateScope)
	}
	if s.indexByIDLocked(p.ID) >= 0 {
		return domain.ScopePolicy{}, fmt.Errorf("%w: policy id %s already exists", domain.ErrInvalidPolicy, p.ID)
	}

	s.policies = append(s.policies, p)
	if err := s.saveLocked(); err != nil {
		s.policies = s.policies[:len(s.policies)-1]
		return domain.ScopePolicy{}, err
	}

	s.logger.Info("Scope policy added", "scope", p.Scope, "priority", p.Priority, "approval_mode", p.ApprovalMode)
	return p.Clone(), nil
}

// RemovePolicy removes the policy with the given identity and closes the
// priority gap it leaves behind.
func (s *PolicyStore) RemovePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexByIDLocked(id)
	if idx < 0 {
		return domain.NewScopeError(id, domain.ErrUnknownScope)
	}

	previous := slices.Clone(s.policies)
	removed := s.policies[idx]
	s.policies = slices.Delete(s.policies, idx, idx+1)
	s.renormalizeLocked()

	if err := s.saveLocked(); err != nil {
		s.policies = previous
		return err
	}

	s.logger.Info("Scope policy removed", "scope", removed.Scope, "remaining", len(s.policies))
	return nil
}

// UpdatePolicy replaces the stored policy with the same identity. Priority is
// owned by the store and is carried over from the stored copy.
func (s *PolicyStore) UpdatePolicy(_ context.Context, p domain.ScopePolicy) (domain.ScopePolicy, error) {
	p = p.Clone()
	p.Scope = strings.TrimSpace(p.Scope)

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexByIDLocked(p.ID)
	if idx < 0 {
		return domain.ScopePolicy{}, domain.NewScopeError(p.Scope, domain.ErrUnknownScope)
	}
	if other := s.indexByScopeLocked(p.Scope); other >= 0 && other != idx {
		return domain.ScopePolicy{}, domain.NewScopeError(p.Scope, domain.ErrDuplicateScope)
	}

	return s.replaceLocked(idx, p)
}

// UpdateScope applies fn to the stored policy for scope and persists the
// result. The read and the write happen under one lock, so concurrent updates
// are not lost. fn must not change the policy's identity or scope.
func (s *PolicyStore) UpdateScope(_ context.Context, scope string, fn func(*domain.ScopePolicy)) (domain.ScopePolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexByScopeLocked(scope)
	if idx < 0 {
		return domain.ScopePolicy{}, domain.NewScopeError(scope, domain.ErrUnknownScope)
	}
	p := s.policies[idx].Clone()
	fn(&p)
	if p.ID != s.policies[idx].ID || p.Scope != s.policies[idx].Scope {
		return domain.ScopePolicy{}, fmt.Errorf("%w: scope %q: identity cannot change in place", domain.ErrInvalidPolicy, scope)
	}
	return s.replaceLocked(idx, p)
}

func (s *PolicyStore) replaceLocked(idx int, p domain.ScopePolicy) (domain.ScopePolicy, error) {
	current := s.policies[idx]
	p.Priority = current.Priority
	if p.CreatedAt.IsZero() {
		p.CreatedAt = current.CreatedAt
	}
	if err := p.Validate(); err != nil {
		return domain.ScopePolicy{}, err
	}

	s.policies[idx] = p
	if err := s.saveLocked(); err != nil {
		s.policies[idx] = current
		return domain.ScopePolicy{}, err
	}

	s.logger.Info("Scope policy updated", "scope", p.Scope)
	return p.Clone(), nil
}

// SetEnabled toggles the enabled flag of the policy for scope.
func (s *PolicyStore) SetEnabled(ctx context.Context, scope string, enabled bool) (domain.ScopePolicy, error) {
	return s.UpdateScope(ctx, scope, func(p *domain.ScopePolicy) { p.IsEnabled = enabled })
}

// MovePolicies reorders the sequence with list-move semantics: the policies
// at the from offsets keep their relative order and are inserted before the
// policy originally at offset to (to == len appends). Priorities are then
// renormalized, so position 0 becomes the primary of the fallback chain.
func (s *PolicyStore) MovePolicies(_ context.Context, from []int, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.moveLocked(from, to)
}

// MoveScope moves scope to the 1-based priority position, shifting the
// policies in between by one.
func (s *PolicyStore) MoveScope(_ context.Context, scope string, position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.indexByScopeLocked(scope)
	if from < 0 {
		return domain.NewScopeError(scope, domain.ErrUnknownScope)
	}
	if position < 1 || position > len(s.policies) {
		return fmt.Errorf("position %d out of range [1, %d]", position, len(s.policies))
	}

	// moveElements inserts before the element originally at the destination
	// offset, so moving down has to skip past the target slot.
	to := position - 1
	if to > from {
		to++
	}
	return s.moveLocked([]int{from}, to)
}

func (s *PolicyStore) moveLocked(from []int, to int) error {
	moved, err := moveElements(s.policies, from, to)
	if err != nil {
		return err
	}

	previous := s.policies
	s.policies = moved
	s.renormalizeLocked()

	if err := s.saveLocked(); err != nil {
		s.policies = previous
		return err
	}

	s.logger.Info("Scope policies reordered", "from", from, "to", to)
	return nil
}

// moveElements returns a new slice with the elements at offsets from moved
// before the element originally at offset to.
func moveElements[T any](items []T, from []int, to int) ([]T, error) {
	if to < 0 || to > len(items) {
		return nil, fmt.Errorf("move destination %d out of range [0, %d]", to, len(items))
	}

	selected := make(map[int]bool, len(from))
	for _, idx := range from {
		if idx < 0 || idx >= len(items) {
			return nil, fmt.Errorf("move source %d out of range [0, %d)", idx, len(items))
		}
		selected[idx] = true
	}

	var moving, staying []T
	insertAt := to
	for i, item := range items {
		if selected[i] {
			moving = append(moving, item)
			if i < to {
				insertAt--
			}
			continue
		}
		staying = append(staying, item)
	}

	out := make([]T, 0, len(items))
	out = append(out, staying[:insertAt]...)
	out = append(out, moving...)
	out = append(out, staying[insertAt:]...)
	return out, nil
}

// Policy returns the policy for scope. It never fails; a missing scope
// reports false.
func (s *PolicyStore) Policy(scope string) (domain.ScopePolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexByScopeLocked(scope)
	if idx < 0 {
		return domain.ScopePolicy{}, false
	}
	return s.policies[idx].Clone(), true
}

// Policies returns a snapshot of every policy in priority order.
func (s *PolicyStore) Policies() []domain.ScopePolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ScopePolicy, len(s.policies))
	for i, p := range s.policies {
		out[i] = p.Clone()
	}
	return out
}

// FallbackChain returns the enabled policies in priority order. When task is
// set, policies that list it in PreferredFor move to the front, keeping their
// relative priority order.
func (s *PolicyStore) FallbackChain(task string) []domain.ScopePolicy {
	var preferred, rest []domain.ScopePolicy
	for _, p := range s.Policies() {
		if !p.IsEnabled {
			continue
		}
		if task != "" && p.PrefersTask(task) {
			preferred = append(preferred, p)
		} else {
			rest = append(rest, p)
		}
	}
	return append(preferred, rest...)
}

// AddPendingRequest queues req. A missing ID or creation time is filled in.
func (s *PolicyStore) AddPendingRequest(_ context.Context, req domain.PendingRequest) (domain.PendingRequest, error) {
	if strings.TrimSpace(req.Scope) == "" {
		return domain.PendingRequest{}, fmt.Errorf("%w: pending request needs a scope", domain.ErrInvalidPolicy)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, req)
	if err := s.saveLocked(); err != nil {
		s.pending = s.pending[:len(s.pending)-1]
		return domain.PendingRequest{}, err
	}
	s.notifyPendingLocked()

	s.logger.Info("Request queued for approval", "scope", req.Scope, "host", req.Host, "pending_id", req.ID)
	return req, nil
}

// PendingRequests returns a snapshot of the queue, oldest first.
func (s *PolicyStore) PendingRequests() []domain.PendingRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.pending)
}

// ApprovePendingRequest resolves the pending request id as approved: it is
// removed from the queue and exactly one approved audit entry is written.
func (s *PolicyStore) ApprovePendingRequest(ctx context.Context, id string) (domain.PendingRequest, error) {
	return s.resolvePending(ctx, id, domain.AuditApproved)
}

// DenyPendingRequest resolves the pending request id as denied: it is
// removed from the queue and exactly one denied audit entry is written.
func (s *PolicyStore) DenyPendingRequest(ctx context.Context, id string) (domain.PendingRequest, error) {
	return s.resolvePending(ctx, id, domain.AuditDenied)
}

func (s *PolicyStore) resolvePending(ctx context.Context, id string, result domain.AuditResult) (domain.PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.pending, func(r domain.PendingRequest) bool { return r.ID == id })
	if idx < 0 {
		return domain.PendingRequest{}, fmt.Errorf("%w: %s", domain.ErrPendingNotFound, id)
	}
	req := s.pending[idx]

	// The audit entry is the durable record of the decision; if it cannot be
	// written the request stays queued.
	entry := domain.AuditEntryFor(req, result, fmt.Sprintf("pending request %s %s", req.ID, result))
	if err := s.audit.Log(ctx, entry); err != nil {
		return domain.PendingRequest{}, fmt.Errorf("record %s decision: %w", result, err)
	}

	previous := slices.Clone(s.pending)
	s.pending = slices.Delete(s.pending, idx, idx+1)
	if err := s.saveLocked(); err != nil {
		s.pending = previous
		return domain.PendingRequest{}, err
	}
	s.notifyPendingLocked()

	s.logger.Info("Pending request resolved", "pending_id", req.ID, "scope", req.Scope, "result", result)
	return req, nil
}

func (s *PolicyStore) notifyPendingLocked() {
	if s.onPending != nil {
		s.onPending(len(s.pending))
	}
}
