package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
)

// SealedSecretStore keeps one age-encrypted file per scope in a directory.
// Files are named by the hex encoding of the scope so arbitrary scope
// identifiers map to safe file names. All files are encrypted to a single
// X25519 identity read from (or generated into) an identity file.
type SealedSecretStore struct {
	mu        sync.Mutex
	dir       string
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewSealedSecretStore opens the store in dir. When identityFile does not
// exist a new identity is generated and written there with mode 0600. An
// empty identityFile defaults to dir/identity.txt.
func NewSealedSecretStore(dir, identityFile string) (*SealedSecretStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("sealed secret store: directory is required")
	}
	if err := EnsureDir(dir); err != nil {
		return nil, err
	}
	if identityFile == "" {
		identityFile = filepath.Join(dir, "identity.txt")
	}

	identity, err := loadOrCreateIdentity(identityFile)
	if err != nil {
		return nil, err
	}

	return &SealedSecretStore{
		dir:       dir,
		identity:  identity,
		recipient: identity.Recipient(),
	}, nil
}

func loadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		identities, err := age.ParseIdentities(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", path, err)
		}
		for _, id := range identities {
			if x, ok := id.(*age.X25519Identity); ok {
				return x, nil
			}
		}
		return nil, fmt.Errorf("identity file %s holds no X25519 identity", path)
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read identity file %s: %w", path, err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# created: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "# public key: %s\n", identity.Recipient())
	fmt.Fprintf(&b, "%s\n", identity)
	if err := WriteFileAtomic(path, []byte(b.String())); err != nil {
		return nil, fmt.Errorf("write identity file: %w", err)
	}
	return identity, nil
}

func (s *SealedSecretStore) path(scope string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(scope))+".age")
}

// Recipient returns the public key secrets are encrypted to.
func (s *SealedSecretStore) Recipient() string {
	return s.recipient.String()
}

// Save encrypts secret and replaces the file for scope.
func (s *SealedSecretStore) Save(_ context.Context, scope, secret string) error {
	if scope == "" {
		return fmt.Errorf("save secret: empty scope")
	}

	var ciphertext bytes.Buffer
	w, err := age.Encrypt(&ciphertext, s.recipient)
	if err != nil {
		return fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, secret); err != nil {
		return fmt.Errorf("encrypt secret for %s: %w", scope, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize encryption for %s: %w", scope, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteFileAtomic(s.path(scope), ciphertext.Bytes())
}

// Retrieve decrypts the secret for scope.
func (s *SealedSecretStore) Retrieve(_ context.Context, scope string) (string, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path(scope))
	s.mu.Unlock()

	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, scope)
	}
	if err != nil {
		return "", fmt.Errorf("read secret for %s: %w", scope, err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), s.identity)
	if err != nil {
		return "", fmt.Errorf("decrypt secret for %s: %w", scope, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted secret for %s: %w", scope, err)
	}
	return string(plaintext), nil
}

// Delete removes the file for scope. Deleting a missing scope is not an
// error.
func (s *SealedSecretStore) Delete(_ context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(scope)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete secret for %s: %w", scope, err)
	}
	return nil
}
