package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scrypster/agentmem/internal/storage"
)

// GuardConfig bounds every call made through a Guard.
type GuardConfig struct {
	// Timeout bounds a single provider attempt. Default: 2s.
	Timeout time.Duration

	// MaxAttempts is the total number of attempts, so 2 means one retry.
	// Default: 2.
	MaxAttempts uint

	// RetryBackoff is the pause before a retry. Default: 200ms.
	RetryBackoff time.Duration

	// RateLimit caps provider calls per second; 0 disables limiting.
	RateLimit float64
	Burst     int

	// CacheSize is the number of text→vector results memoized; 0 disables.
	CacheSize int

	// Dimensions is the expected vector length; 0 accepts any length.
	Dimensions int

	Breaker CircuitBreakerConfig
}

// Guard wraps a Provider so that every call is bounded and every failure
// other than a dimension mismatch is reported as ErrProviderUnavailable.
// A nil provider makes every call unavailable, which runs the memory layer
// in permanent degraded mode.
type Guard struct {
	provider Provider
	config   GuardConfig
	breaker  *CircuitBreaker
	limiter  *rate.Limiter
	cache    *lru.Cache[string, []float32]
	logger   *zap.Logger
}

// NewGuard creates a guard around provider.
func NewGuard(provider Provider, config GuardConfig, logger *zap.Logger) (*Guard, error) {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 2
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("embedding")

	g := &Guard{
		provider: provider,
		config:   config,
		breaker:  NewCircuitBreaker(config.Breaker, logger),
		logger:   logger,
	}

	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	if config.CacheSize > 0 {
		cache, err := lru.New[string, []float32](config.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("embedding: create cache: %w", err)
		}
		g.cache = cache
	}

	return g, nil
}

// Embed returns the vector for text. Errors wrap ErrProviderUnavailable,
// except a wrong-length vector which wraps
// storage.ErrEmbeddingDimensionMismatch.
func (g *Guard) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.provider == nil {
		return nil, fmt.Errorf("%w: no provider configured", ErrProviderUnavailable)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: text is empty", storage.ErrInvalidInput)
	}

	if g.cache != nil {
		if vec, ok := g.cache.Get(text); ok {
			return append([]float32(nil), vec...), nil
		}
	}

	if g.limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
		err := g.limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: rate limit: %v", ErrProviderUnavailable, err)
		}
	}

	attempt := 0
	vec, err := backoff.Retry(ctx, func() ([]float32, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()

		vec, err := g.breaker.Execute(attemptCtx, func() ([]float32, error) {
			return g.provider.Embed(attemptCtx, text)
		})
		if errors.Is(err, ErrCircuitOpen) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			return nil, err
		}
		if g.config.Dimensions > 0 && len(vec) != g.config.Dimensions {
			return nil, backoff.Permanent(fmt.Errorf("%w: provider returned %d dimensions, expected %d",
				storage.ErrEmbeddingDimensionMismatch, len(vec), g.config.Dimensions))
		}
		return vec, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(g.config.RetryBackoff)),
		backoff.WithMaxTries(g.config.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Debug("embedding attempt failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("backoff", next), zap.Error(err))
		}),
	)

	if errors.Is(err, storage.ErrEmbeddingDimensionMismatch) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if g.cache != nil {
		g.cache.Add(text, append([]float32(nil), vec...))
	}
	return vec, nil
}

// GetModel returns the wrapped provider's model, or "none".
func (g *Guard) GetModel() string {
	if g.provider == nil {
		return "none"
	}
	return g.provider.GetModel()
}

// Dimensions returns the configured vector length (0 if unchecked).
func (g *Guard) Dimensions() int { return g.config.Dimensions }

// BreakerState reports the circuit breaker state.
func (g *Guard) BreakerState() string { return g.breaker.State() }

var _ Provider = (*Guard)(nil)
