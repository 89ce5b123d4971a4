package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/scrypster/agentmem/internal/config"
	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/internal/storage/memstore"
	"github.com/scrypster/agentmem/internal/storage/postgres"
	"github.com/scrypster/agentmem/internal/storage/redis"
	"github.com/scrypster/agentmem/internal/storage/sqlite"
)

// backend is what every storage engine exposes to the engine.
type backend interface {
	Name() string
	Close() error
}

// openBackends opens the configured engines. An engine named by both the
// thread and the semantic setting is opened once and shared.
func openBackends(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.ThreadBackend, storage.SemanticBackend, []backend, error) {
	opened := make(map[string]backend)
	var order []backend

	open := func(engine string) (backend, error) {
		if b, ok := opened[engine]; ok {
			return b, nil
		}
		b, err := openBackend(ctx, engine, cfg, logger)
		if err != nil {
			return nil, err
		}
		opened[engine] = b
		order = append(order, b)
		return b, nil
	}

	closeAll := func() {
		for _, b := range order {
			_ = b.Close()
		}
	}

	tb, err := open(cfg.ThreadEngine)
	if err != nil {
		return nil, nil, nil, err
	}
	thread, ok := tb.(storage.ThreadBackend)
	if !ok {
		closeAll()
		return nil, nil, nil, fmt.Errorf("storage engine %q cannot hold thread memory", cfg.ThreadEngine)
	}

	sb, err := open(cfg.SemanticEngine)
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	semantic, ok := sb.(storage.SemanticBackend)
	if !ok {
		closeAll()
		return nil, nil, nil, fmt.Errorf("storage engine %q cannot hold semantic memory", cfg.SemanticEngine)
	}

	return thread, semantic, order, nil
}

func openBackend(ctx context.Context, engine string, cfg config.StorageConfig, logger *zap.Logger) (backend, error) {
	logger = logger.Named("storage").With(zap.String("engine", engine))

	switch engine {
	case "memory":
		return memstore.New(), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); cfg.SQLitePath != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		b, err := sqlite.New(cfg.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return b, nil
	case "postgres":
		b, err := postgres.New(ctx, cfg.PostgresDSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return b, nil
	case "redis":
		b, err := redis.New(ctx, cfg.RedisURL,
			redis.WithKeyPrefix(cfg.RedisKeyPrefix),
			redis.WithTTL(cfg.RedisTTL),
			redis.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported storage engine: %q", engine)
	}
}

// closeBackends closes every backend, reporting all failures.
func closeBackends(backends []backend) error {
	var errs []error
	for _, b := range backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s backend: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}
