// Package secrets resolves webhook signing keys by reference. Plaintext
// secrets are held by the store only; the rest of the system keeps refs.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const (
	secretBytes  = 32
	secretPrefix = "whsec_"
	envRefPrefix = "env:"
)

// Resolver returns the plaintext secret behind ref.
type Resolver interface {
	GetSecret(ctx context.Context, ref string) ([]byte, error)
}

// Store resolves refs and mints new secrets for a tenant.
type Store interface {
	Resolver
	CreateSecret(ctx context.Context, tenantID string) (ref string, secret string, err error)
	// DeleteSecret drops a minted secret. Env refs and unknown refs are a no-op.
	DeleteSecret(ctx context.Context, ref string) error
}

// GenerateSecret returns a new random signing secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}

// MemoryStore keeps secrets in process memory. Refs of the form env:NAME are
// resolved from the environment.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

// Put registers a known secret under ref.
func (s *MemoryStore) Put(ref, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[ref] = secret
}

func (s *MemoryStore) GetSecret(_ context.Context, ref string) ([]byte, error) {
	if name, ok := strings.CutPrefix(ref, envRefPrefix); ok {
		return lookupEnv(name)
	}

	s.mu.RLock()
	secret, ok := s.secrets[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSecretNotFound, ref)
	}
	return []byte(secret), nil
}

func (s *MemoryStore) CreateSecret(_ context.Context, tenantID string) (string, string, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return "", "", err
	}
	ref := secretRef(tenantID)
	s.Put(ref, secret)
	return ref, secret, nil
}

func (s *MemoryStore) DeleteSecret(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, ref)
	return nil
}

func secretRef(tenantID string) string {
	return fmt.Sprintf("secrets:%s:%s", tenantID, uuid.NewString())
}

func lookupEnv(name string) ([]byte, error) {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: env %s", domain.ErrSecretNotFound, name)
	}
	return []byte(value), nil
}
