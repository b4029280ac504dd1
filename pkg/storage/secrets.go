package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSecretNotFound is returned when no secret is stored for a scope.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore keeps the raw credential material for each scope. Secrets
// never appear in the policy document.
type SecretStore interface {
	// Save stores secret for scope, replacing any previous value.
	Save(ctx context.Context, scope, secret string) error

	// Retrieve returns the secret for scope or ErrSecretNotFound.
	Retrieve(ctx context.Context, scope string) (string, error)
}

// SecretDeleter is implemented by secret stores that can forget a scope.
type SecretDeleter interface {
	Delete(ctx context.Context, scope string) error
}

// MemorySecretStore is an in-memory implementation of SecretStore.
type MemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string // scope -> secret
}

// NewMemorySecretStore creates an empty in-memory secret store.
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{
		secrets: make(map[string]string),
	}
}

// Save stores secret for scope.
func (m *MemorySecretStore) Save(_ context.Context, scope, secret string) error {
	if scope == "" {
		return fmt.Errorf("save secret: empty scope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.secrets[scope] = secret
	return nil
}

// Retrieve returns the secret for scope.
func (m *MemorySecretStore) Retrieve(_ context.Context, scope string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	secret, ok := m.secrets[scope]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, scope)
	}
	return secret, nil
}

// Delete removes the secret for scope. Deleting a missing scope is not an
// error.
func (m *MemorySecretStore) Delete(_ context.Context, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.secrets, scope)
	return nil
}
