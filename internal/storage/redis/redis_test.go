package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/internal/storage/storagetest"
	"github.com/scrypster/agentmem/pkg/types"
)

func newTestBackend(t *testing.T, opts ...Option) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	b := NewFromClient(client, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestThreadBackend(t *testing.T) {
	storagetest.RunThreadSuite(t, func(t *testing.T) storage.ThreadBackend {
		b, _ := newTestBackend(t)
		return b
	})
}

func TestNewParsesURL(t *testing.T) {
	mr := miniredis.RunT(t)

	b, err := New(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	assert.Equal(t, "redis", b.Name())

	_, err = New(context.Background(), "://bad")
	assert.Error(t, err)
}

func TestKeyLayoutAndTTL(t *testing.T) {
	b, mr := newTestBackend(t, WithKeyPrefix("test"), WithTTL(time.Hour))
	scope := types.Scope{TenantID: "acme:eu", AgentID: "bot", SessionID: "s1"}

	store, err := b.OpenThread(scope)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), types.NewThreadRecord(scope, 1, "k", json.RawMessage(`"v"`))))

	key := "test:thread:acme%3Aeu:bot:s1"
	assert.True(t, mr.Exists(key), "keys: %v", mr.Keys())
	assert.Equal(t, time.Hour, mr.TTL(key))
}

func TestAppendFailsWhenServerDown(t *testing.T) {
	b, mr := newTestBackend(t)
	scope := storagetest.Scope(t)
	store, err := b.OpenThread(scope)
	require.NoError(t, err)

	mr.Close()
	err = store.Append(context.Background(), types.NewThreadRecord(scope, 1, "k", nil))
	assert.ErrorIs(t, err, storage.ErrStorage)
	assert.True(t, storage.IsRetryable(err))
}
