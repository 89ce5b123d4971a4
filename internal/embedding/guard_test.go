package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/scrypster/agentmem/internal/storage"
)

// stubProvider fails the first failures calls, then returns vec.
type stubProvider struct {
	calls    atomic.Int32
	failures int32
	delay    time.Duration
	vec      []float32
}

func (s *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	n := s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= s.failures {
		return nil, errors.New("connection refused")
	}
	return s.vec, nil
}

func (s *stubProvider) GetModel() string { return "stub" }

func newTestGuard(t *testing.T, p Provider, cfg GuardConfig) *Guard {
	t.Helper()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	g, err := NewGuard(p, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return g
}

func TestGuardRetriesOnce(t *testing.T) {
	p := &stubProvider{failures: 1, vec: []float32{1, 0}}
	g := newTestGuard(t, p, GuardConfig{})

	vec, err := g.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestGuardGivesUpAfterRetry(t *testing.T) {
	p := &stubProvider{failures: 10, vec: []float32{1}}
	g := newTestGuard(t, p, GuardConfig{})

	_, err := g.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, int32(2), p.calls.Load(), "exactly one retry")
}

func TestGuardTimeout(t *testing.T) {
	p := &stubProvider{delay: time.Second, vec: []float32{1}}
	g := newTestGuard(t, p, GuardConfig{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := g.Embed(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGuardBreakerOpens(t *testing.T) {
	p := &stubProvider{failures: 100, vec: []float32{1}}
	g := newTestGuard(t, p, GuardConfig{
		MaxAttempts: 1,
		Breaker:     CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Embed(ctx, "x")
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	}
	assert.Equal(t, "open", g.BreakerState())

	_, err := g.Embed(ctx, "x")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, int32(2), p.calls.Load(), "open breaker must not reach the provider")
}

func TestGuardDimensionMismatch(t *testing.T) {
	p := &stubProvider{vec: []float32{1, 2, 3}}
	g := newTestGuard(t, p, GuardConfig{Dimensions: 4})

	_, err := g.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, storage.ErrEmbeddingDimensionMismatch)
	assert.NotErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, int32(1), p.calls.Load(), "mismatch is not retried")
}

func TestGuardCache(t *testing.T) {
	p := &stubProvider{vec: []float32{0.5, 0.5}}
	g := newTestGuard(t, p, GuardConfig{CacheSize: 8})
	ctx := context.Background()

	first, err := g.Embed(ctx, "same")
	require.NoError(t, err)
	first[0] = 42

	second, err := g.Embed(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, second)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestGuardNilProvider(t *testing.T) {
	g := newTestGuard(t, nil, GuardConfig{})
	_, err := g.Embed(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, "none", g.GetModel())
}

func TestGuardRateLimitWaitExceedsTimeout(t *testing.T) {
	p := &stubProvider{vec: []float32{1}}
	g := newTestGuard(t, p, GuardConfig{RateLimit: 0.001, Burst: 1, Timeout: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := g.Embed(ctx, "a")
	require.NoError(t, err)

	_, err = g.Embed(ctx, "b")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestHashEmbedderDeterministic(t *testing.T) {
	h := NewHashEmbedder(16)
	ctx := context.Background()

	a, err := h.Embed(ctx, "likes tea")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "likes tea")
	require.NoError(t, err)
	c, err := h.Embed(ctx, "lives in Paris")
	require.NoError(t, err)

	assert.Len(t, a, 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	self, err := storage.CosineSimilarity(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, self, 1e-5)
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantNil bool
		wantErr bool
		model   string
	}{
		{name: "ollama", cfg: ProviderConfig{Provider: "ollama"}, model: "nomic-embed-text"},
		{name: "openai", cfg: ProviderConfig{Provider: "openai", APIKey: "k"}, model: "text-embedding-3-small"},
		{name: "hash", cfg: ProviderConfig{Provider: "hash", Dimensions: 8}, model: "hash"},
		{name: "none", cfg: ProviderConfig{Provider: "none"}, wantNil: true},
		{name: "unknown", cfg: ProviderConfig{Provider: "bogus"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, p)
				return
			}
			assert.Equal(t, tt.model, p.GetModel())
		})
	}
}
