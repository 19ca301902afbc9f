package secrets

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCreateAndResolve(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ref, secret, err := store.CreateSecret(context.Background(), "t1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ref, "secrets:t1:"))
	assert.True(t, strings.HasPrefix(secret, secretPrefix))
	assert.NotContains(t, ref, secret)

	got, err := store.GetSecret(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, secret, string(got))

	_, err = store.GetSecret(context.Background(), "secrets:t1:missing")
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)

	require.NoError(t, store.DeleteSecret(context.Background(), ref))
	_, err = store.GetSecret(context.Background(), ref)
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)
}

func TestMemoryStoreResolvesEnvRefs(t *testing.T) {
	t.Setenv("WEBHOOK_TEST_SECRET", "from-env")

	store := NewMemoryStore()
	got, err := store.GetSecret(context.Background(), "env:WEBHOOK_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", string(got))

	_, err = store.GetSecret(context.Background(), "env:WEBHOOK_TEST_SECRET_MISSING")
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)
}

func TestRedisStoreCreateAndResolve(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := NewRedisStore(rdb, "")
	require.NoError(t, err)

	ref, secret, err := store.CreateSecret(context.Background(), "t2")
	require.NoError(t, err)

	stored, err := mr.Get(defaultRedisKeyPrefix + ref)
	require.NoError(t, err)
	assert.Equal(t, secret, stored)

	got, err := store.GetSecret(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, secret, string(got))

	_, err = store.GetSecret(context.Background(), "secrets:t2:unknown")
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)

	require.NoError(t, store.DeleteSecret(context.Background(), ref))
	assert.False(t, mr.Exists(defaultRedisKeyPrefix+ref))
	require.NoError(t, store.DeleteSecret(context.Background(), "env:WEBHOOK_SIGNING_SECRET"))
}
