package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "webhook-secret:"

var _ Store = (*RedisStore)(nil)

// RedisStore keeps secrets in Redis keyed by ref.
type RedisStore struct {
	client    *goredis.Client
	keyPrefix string
}

func NewRedisStore(client *goredis.Client, keyPrefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

func (s *RedisStore) GetSecret(ctx context.Context, ref string) ([]byte, error) {
	if name, ok := strings.CutPrefix(ref, envRefPrefix); ok {
		return lookupEnv(name)
	}

	value, err := s.client.Get(ctx, s.keyPrefix+ref).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSecretNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	return value, nil
}

func (s *RedisStore) CreateSecret(ctx context.Context, tenantID string) (string, string, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return "", "", err
	}

	ref := secretRef(tenantID)
	if err := s.client.Set(ctx, s.keyPrefix+ref, secret, 0).Err(); err != nil {
		return "", "", fmt.Errorf("failed to store secret: %w", err)
	}
	return ref, secret, nil
}

func (s *RedisStore) DeleteSecret(ctx context.Context, ref string) error {
	if strings.HasPrefix(ref, envRefPrefix) {
		return nil
	}
	if err := s.client.Del(ctx, s.keyPrefix+ref).Err(); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}
