package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/scrypster/agentmem/internal/config"
	"github.com/scrypster/agentmem/internal/embedding"
	"github.com/scrypster/agentmem/internal/memory"
	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/pkg/types"
)

// Dependencies override parts of what New would otherwise build from the
// configuration. Backends passed here are borrowed: Shutdown does not close
// them.
type Dependencies struct {
	ThreadBackend   storage.ThreadBackend
	SemanticBackend storage.SemanticBackend

	// Embedder is the raw provider; the engine wraps it in a Guard.
	Embedder embedding.Provider

	Logger         *zap.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// MemoryEngine is the orchestration-facing entry point. It owns the manager
// cache, the embedding guard, the backfill worker pool and the backends it
// opened itself.
type MemoryEngine struct {
	config *config.Config
	logger *zap.Logger

	threadBackend   storage.ThreadBackend
	semanticBackend storage.SemanticBackend
	ownedBackends   []backend

	embedder  *embedding.Guard
	telemetry *memory.Telemetry
	cache     *ManagerCache
	backfill  *Backfiller

	started      bool
	shuttingDown bool
	mu           sync.RWMutex
}

// New creates a memory engine. Backends and the embedding provider not given
// in deps are created from cfg.
func New(ctx context.Context, cfg *config.Config, deps Dependencies) (*MemoryEngine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &MemoryEngine{
		config:          cfg,
		logger:          logger.Named("engine"),
		threadBackend:   deps.ThreadBackend,
		semanticBackend: deps.SemanticBackend,
	}

	if e.threadBackend == nil || e.semanticBackend == nil {
		storageCfg := cfg.Storage
		thread, semantic, owned, err := openBackends(ctx, storageCfg, logger)
		if err != nil {
			return nil, err
		}
		// Keep injected backends, close opened ones we do not need.
		var keep []backend
		if e.threadBackend == nil {
			e.threadBackend = thread
		}
		if e.semanticBackend == nil {
			e.semanticBackend = semantic
		}
		for _, b := range owned {
			if usesBackend(e.threadBackend, b) || usesBackend(e.semanticBackend, b) {
				keep = append(keep, b)
			} else {
				_ = b.Close()
			}
		}
		e.ownedBackends = keep
	}

	provider := deps.Embedder
	if provider == nil {
		var err error
		provider, err = embedding.NewProvider(embedding.ProviderConfig{
			Provider:   cfg.Embedding.Provider,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			APIKey:     cfg.Embedding.APIKey,
			Dimensions: cfg.Embedding.Dimensions,
			Timeout:    cfg.Embedding.Timeout,
		})
		if err != nil {
			e.closeOwned()
			return nil, err
		}
	}

	guard, err := embedding.NewGuard(provider, embedding.GuardConfig{
		Timeout:      cfg.Embedding.Timeout,
		RetryBackoff: cfg.Embedding.RetryBackoff,
		RateLimit:    cfg.Embedding.RateLimit,
		Burst:        cfg.Embedding.Burst,
		CacheSize:    cfg.Embedding.CacheSize,
		Dimensions:   cfg.Embedding.Dimensions,
		Breaker: embedding.CircuitBreakerConfig{
			MaxFailures: cfg.Embedding.BreakerMaxFailures,
			Timeout:     cfg.Embedding.BreakerTimeout,
		},
	}, logger)
	if err != nil {
		e.closeOwned()
		return nil, err
	}
	e.embedder = guard

	if e.telemetry, err = memory.NewTelemetry(deps.MeterProvider, deps.TracerProvider); err != nil {
		e.closeOwned()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	e.backfill, err = NewBackfiller(e.semanticBackend, guard, BackfillConfig{
		NumWorkers:      cfg.Backfill.Workers,
		QueueSize:       cfg.Backfill.QueueSize,
		ShutdownTimeout: cfg.Backfill.ShutdownTimeout,
		MaxRetries:      cfg.Backfill.MaxRetries,
		StoreTimeout:    cfg.Memory.StoreTimeout,
	}, logger)
	if err != nil {
		e.closeOwned()
		return nil, err
	}

	e.cache, err = NewManagerCache(e.newManager, CacheOptions{
		MaxSize:       cfg.Cache.MaxSize,
		Logger:        logger,
		MeterProvider: deps.MeterProvider,
	})
	if err != nil {
		e.closeOwned()
		return nil, err
	}

	return e, nil
}

func usesBackend(used interface{}, b backend) bool {
	ub, ok := used.(backend)
	return ok && ub == b
}

// Start starts the backfill worker pool. It must be called before
// GetManager.
func (e *MemoryEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New("engine already started")
	}
	if e.shuttingDown {
		return errors.New("engine is shut down")
	}

	if err := e.backfill.Start(ctx); err != nil {
		return err
	}

	e.started = true
	e.logger.Info("memory engine started",
		zap.String("thread_backend", e.threadBackend.Name()),
		zap.String("semantic_backend", e.semanticBackend.Name()),
		zap.String("embedding_model", e.embedder.GetModel()),
		zap.Int("cache_size", e.config.Cache.MaxSize))
	return nil
}

// GetManager returns a handle on the manager for scope. The caller must
// Release it.
func (e *MemoryEngine) GetManager(ctx context.Context, scope types.Scope) (*Handle, error) {
	e.mu.RLock()
	started, stopping := e.started, e.shuttingDown
	e.mu.RUnlock()

	if stopping {
		return nil, ErrCacheClosed
	}
	if !started {
		return nil, errors.New("engine not started")
	}
	return e.cache.GetOrCreate(ctx, scope)
}

// Release returns a handle obtained from GetManager.
func (e *MemoryEngine) Release(h *Handle) error {
	return e.cache.Release(h)
}

// Shutdown drains the manager cache, stops the backfill workers and closes
// the backends the engine opened. ctx bounds the whole sequence.
func (e *MemoryEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return errors.New("engine not started")
	}
	if e.shuttingDown {
		e.mu.Unlock()
		return errors.New("engine already shutting down")
	}
	e.shuttingDown = true
	e.mu.Unlock()

	e.logger.Info("shutting down memory engine")

	var errs []error
	if err := e.cache.Close(ctx); err != nil {
		e.logger.Warn("manager cache shutdown had errors", zap.Error(err))
		errs = append(errs, err)
	}
	if err := e.backfill.Stop(ctx); err != nil {
		e.logger.Warn("backfill shutdown had errors", zap.Error(err))
		errs = append(errs, err)
	}
	if err := e.closeOwned(); err != nil {
		e.logger.Error("closing backends failed", zap.Error(err))
		errs = append(errs, err)
	}

	e.mu.Lock()
	e.started = false
	e.mu.Unlock()

	e.logger.Info("memory engine shut down")
	return errors.Join(errs...)
}

// Cache exposes the manager cache, mainly for stats.
func (e *MemoryEngine) Cache() *ManagerCache { return e.cache }

// Backfiller exposes the backfill worker pool.
func (e *MemoryEngine) Backfiller() *Backfiller { return e.backfill }

// Embedder returns the guarded embedding provider.
func (e *MemoryEngine) Embedder() *embedding.Guard { return e.embedder }

// newManager is the cache's ManagerFactory: it opens both store handles for
// scope and binds a manager to them.
func (e *MemoryEngine) newManager(ctx context.Context, scope types.Scope) (*memory.Manager, error) {
	var (
		threadStore   storage.ThreadStore
		semanticStore storage.SemanticStore
		err           error
	)

	if scope.HasSession() {
		if threadStore, err = e.threadBackend.OpenThread(scope); err != nil {
			return nil, fmt.Errorf("open thread store: %w", err)
		}
	}
	if scope.HasUser() {
		if semanticStore, err = e.semanticBackend.OpenSemantic(scope); err != nil {
			if threadStore != nil {
				_ = threadStore.Close()
			}
			return nil, fmt.Errorf("open semantic store: %w", err)
		}
	}

	mgr, err := memory.NewManager(scope, threadStore, semanticStore, memory.Options{
		Config: memory.Config{
			StoreTimeout:   e.config.Memory.StoreTimeout,
			ContextTimeout: e.config.Memory.ContextTimeout,
			RetryBackoff:   e.config.Memory.RetryBackoff,
			DefaultRecentN: e.config.Memory.DefaultRecentN,
			DefaultTopK:    e.config.Memory.DefaultTopK,
		},
		Embedder:  e.embedder,
		Backfill:  e.backfill,
		Logger:    e.logger,
		Telemetry: e.telemetry,
	})
	if err != nil {
		if threadStore != nil {
			_ = threadStore.Close()
		}
		if semanticStore != nil {
			_ = semanticStore.Close()
		}
		return nil, err
	}
	return mgr, nil
}

func (e *MemoryEngine) closeOwned() error {
	err := closeBackends(e.ownedBackends)
	e.ownedBackends = nil
	return err
}
