package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/scrypster/agentmem/internal/config"
	"github.com/scrypster/agentmem/internal/embedding"
	"github.com/scrypster/agentmem/internal/memory"
	"github.com/scrypster/agentmem/internal/storage/memstore"
	"github.com/scrypster/agentmem/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Cache.MaxSize = 4
	cfg.Storage.ThreadEngine = "memory"
	cfg.Storage.SemanticEngine = "memory"
	cfg.Embedding.Provider = "hash"
	cfg.Embedding.Dimensions = 16
	cfg.Embedding.RetryBackoff = 5 * time.Millisecond
	cfg.Backfill.Workers = 1
	cfg.Backfill.ShutdownTimeout = 5 * time.Second
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config, deps Dependencies) *MemoryEngine {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = zaptest.NewLogger(t)
	}
	e, err := New(context.Background(), cfg, deps)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	return e
}

func TestEngine_RoundTrip(t *testing.T) {
	e := startEngine(t, testConfig(), Dependencies{})
	ctx := context.Background()

	h, err := e.GetManager(ctx, scopeFor("s-1"))
	require.NoError(t, err)

	for turn := int64(1); turn <= 3; turn++ {
		_, err := h.RecordTurn(ctx, turn, "user_utterance", json.RawMessage(`"hello"`))
		require.NoError(t, err)
	}
	_, err = h.RecordFact(ctx, "lives in Oslo", map[string]interface{}{"source": "intake"})
	require.NoError(t, err)
	_, err = h.RecordFact(ctx, "has a dog named Pixel", nil)
	require.NoError(t, err)

	payload := h.GetContext(ctx, memory.ContextRequest{RecentN: 2, TopK: 1, Query: "lives in Oslo"})
	assert.Empty(t, payload.Omitted)
	assert.False(t, payload.Degraded)

	thread := payload.ThreadEntries()
	require.Len(t, thread, 2)
	assert.Equal(t, int64(2), thread[0].TurnIndex)
	assert.Equal(t, int64(3), thread[1].TurnIndex)

	semantic := payload.SemanticEntries()
	require.Len(t, semantic, 1)
	assert.Equal(t, "lives in Oslo", semantic[0].Content)
	require.NotNil(t, semantic[0].Score)
	assert.InDelta(t, 1.0, *semantic[0].Score, 1e-5)

	require.NoError(t, e.Release(h))
	assert.ErrorIs(t, e.Release(h), ErrHandleReleased)

	require.NoError(t, e.Shutdown(ctx))
	assert.True(t, h.Manager().Closed())

	_, err = e.GetManager(ctx, scopeFor("s-1"))
	assert.ErrorIs(t, err, ErrCacheClosed)
}

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, testConfig(), Dependencies{})
	require.NoError(t, err)

	_, err = e.GetManager(ctx, scopeFor("s-1"))
	assert.EqualError(t, err, "engine not started")
	assert.EqualError(t, e.Shutdown(ctx), "engine not started")

	require.NoError(t, e.Start(ctx))
	assert.EqualError(t, e.Start(ctx), "engine already started")

	require.NoError(t, e.Shutdown(ctx))
	assert.Error(t, e.Start(ctx))
}

func TestEngine_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.MaxSize = 0
	_, err := New(context.Background(), cfg, Dependencies{})
	require.Error(t, err)

	_, err = New(context.Background(), nil, Dependencies{})
	require.Error(t, err)
}

func TestEngine_BackfillsAfterProviderOutage(t *testing.T) {
	// Two failures exhaust the guard's attempts for RecordFact, so the fact
	// is stored pending; the backfill worker then succeeds.
	provider := &flakyProvider{failures: 2, inner: embedding.NewHashEmbedder(16)}
	cfg := testConfig()
	cfg.Embedding.Provider = "none"

	e := startEngine(t, cfg, Dependencies{Embedder: provider})
	ctx := context.Background()

	h, err := e.GetManager(ctx, scopeFor("s-1"))
	require.NoError(t, err)

	rec, err := h.RecordFact(ctx, "allergic to peanuts", nil)
	require.NoError(t, err)
	assert.False(t, rec.HasEmbedding())

	require.Eventually(t, func() bool {
		completed, _ := e.Backfiller().Stats()
		return completed == 1
	}, 5*time.Second, 10*time.Millisecond)

	payload := h.GetContext(ctx, memory.ContextRequest{Query: "allergic to peanuts"})
	assert.False(t, payload.Degraded)
	require.Len(t, payload.SemanticEntries(), 1)
	require.NotNil(t, payload.SemanticEntries()[0].Score)

	require.NoError(t, e.Release(h))
	require.NoError(t, e.Shutdown(ctx))
}

func TestEngine_DegradesWithoutProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Embedding.Provider = "none"
	e := startEngine(t, cfg, Dependencies{})
	ctx := context.Background()
	defer func() { _ = e.Shutdown(ctx) }()

	h, err := e.GetManager(ctx, scopeFor("s-1"))
	require.NoError(t, err)
	defer func() { _ = e.Release(h) }()

	_, err = h.RecordFact(ctx, "first fact", nil)
	require.NoError(t, err)
	_, err = h.RecordFact(ctx, "second fact", nil)
	require.NoError(t, err)

	payload := h.GetContext(ctx, memory.ContextRequest{Query: "fact"})
	assert.True(t, payload.Degraded)
	require.Len(t, payload.SemanticEntries(), 2)
	for _, entry := range payload.SemanticEntries() {
		assert.Nil(t, entry.Score)
	}
}

func TestEngine_TenantsAreIsolated(t *testing.T) {
	backend := memstore.New()
	e := startEngine(t, testConfig(), Dependencies{ThreadBackend: backend, SemanticBackend: backend})
	ctx := context.Background()
	defer func() { _ = e.Shutdown(ctx) }()

	a := types.Scope{TenantID: "acme", AgentID: "concierge", SessionID: "s-1", UserID: "u-1"}
	b := types.Scope{TenantID: "globex", AgentID: "concierge", SessionID: "s-1", UserID: "u-1"}

	ha, err := e.GetManager(ctx, a)
	require.NoError(t, err)
	hb, err := e.GetManager(ctx, b)
	require.NoError(t, err)

	_, err = ha.RecordFact(ctx, "acme secret", nil)
	require.NoError(t, err)
	_, err = ha.RecordTurn(ctx, 1, "user", json.RawMessage(`"acme turn"`))
	require.NoError(t, err)

	payload := hb.GetContext(ctx, memory.ContextRequest{Query: "acme secret"})
	assert.Empty(t, payload.Entries)

	require.NoError(t, e.Release(ha))
	require.NoError(t, e.Release(hb))

	// Injected backends are borrowed and stay usable after shutdown.
	require.NoError(t, e.Shutdown(ctx))
	_, err = backend.OpenThread(a)
	assert.NoError(t, err)
}

func TestEngine_SQLitePersistsAcrossRestart(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.ThreadEngine = "sqlite"
	cfg.Storage.SemanticEngine = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "data", "agentmem.db")
	ctx := context.Background()
	scope := scopeFor("s-1")

	e := startEngine(t, cfg, Dependencies{})
	h, err := e.GetManager(ctx, scope)
	require.NoError(t, err)
	_, err = h.RecordTurn(ctx, 1, "user", json.RawMessage(`"remember me"`))
	require.NoError(t, err)
	_, err = h.RecordFact(ctx, "favourite colour is green", nil)
	require.NoError(t, err)
	require.NoError(t, e.Release(h))
	require.NoError(t, e.Shutdown(ctx))

	e = startEngine(t, cfg, Dependencies{})
	defer func() { _ = e.Shutdown(ctx) }()
	h, err = e.GetManager(ctx, scope)
	require.NoError(t, err)
	defer func() { _ = e.Release(h) }()

	payload := h.GetContext(ctx, memory.ContextRequest{Query: "favourite colour is green"})
	require.Len(t, payload.ThreadEntries(), 1)
	require.Len(t, payload.SemanticEntries(), 1)
	assert.False(t, payload.Degraded)

	_, err = h.RecordTurn(ctx, 1, "user", json.RawMessage(`"again"`))
	assert.ErrorIs(t, err, memory.ErrOutOfOrderTurn)
}

func TestEngine_RedisThreads(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Storage.ThreadEngine = "redis"
	cfg.Storage.RedisURL = "redis://" + mr.Addr()
	cfg.Storage.RedisKeyPrefix = "engine-test"
	ctx := context.Background()

	e := startEngine(t, cfg, Dependencies{})
	defer func() { _ = e.Shutdown(ctx) }()

	h, err := e.GetManager(ctx, scopeFor("s-1"))
	require.NoError(t, err)
	defer func() { _ = e.Release(h) }()

	for turn := int64(1); turn <= 3; turn++ {
		_, err := h.RecordTurn(ctx, turn, "user", json.RawMessage(`"hi"`))
		require.NoError(t, err)
	}
	payload := h.GetContext(ctx, memory.ContextRequest{RecentN: 2})
	require.Len(t, payload.ThreadEntries(), 2)
	assert.True(t, mr.Exists("engine-test:thread:acme:concierge:s-1"))
}
