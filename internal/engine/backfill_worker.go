package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/agentmem/internal/embedding"
	"github.com/scrypster/agentmem/internal/memory"
	"github.com/scrypster/agentmem/internal/storage"
)

// Backfiller embeds facts that were stored without an embedding and writes
// the vector back. Jobs come from memory managers through Schedule.
type Backfiller struct {
	config   BackfillConfig
	backend  storage.SemanticBackend
	embedder embedding.Provider
	logger   *zap.Logger

	queue     chan *backfillJob
	waitGroup sync.WaitGroup
	workerCtx context.Context
	cancel    context.CancelFunc

	mu       sync.RWMutex // guards started, stopping and sends on queue
	started  bool
	stopping bool

	completed atomic.Int64
	failed    atomic.Int64

	onComplete func(job memory.BackfillJob, err error)
}

// NewBackfiller creates a worker pool that writes backfilled embeddings
// through backend. Call Start before scheduling jobs.
func NewBackfiller(backend storage.SemanticBackend, embedder embedding.Provider, config BackfillConfig, logger *zap.Logger) (*Backfiller, error) {
	if backend == nil {
		return nil, errors.New("semantic backend is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backfill config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backfiller{
		config:   config,
		backend:  backend,
		embedder: embedder,
		logger:   logger.Named("backfill"),
		queue:    make(chan *backfillJob, config.QueueSize),
	}, nil
}

// SetOnComplete registers a callback invoked once per job when it either
// succeeds (err == nil) or is given up on.
func (b *Backfiller) SetOnComplete(fn func(job memory.BackfillJob, err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onComplete = fn
}

// Start launches the worker goroutines.
func (b *Backfiller) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return errors.New("backfiller already started")
	}

	b.workerCtx, b.cancel = context.WithCancel(ctx)
	for i := 0; i < b.config.NumWorkers; i++ {
		b.waitGroup.Add(1)
		go b.worker(b.workerCtx, i)
	}
	b.started = true

	b.logger.Info("started backfill workers", zap.Int("workers", b.config.NumWorkers))
	return nil
}

// Stop closes the queue and waits for the workers to drain it, bounded by
// ShutdownTimeout and ctx. Jobs still queued when the wait ends are dropped.
func (b *Backfiller) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopping {
		b.mu.Unlock()
		return nil
	}
	b.stopping = true
	close(b.queue)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.waitGroup.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if b.config.ShutdownTimeout > 0 {
		timer := time.NewTimer(b.config.ShutdownTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	select {
	case <-done:
		b.logger.Info("all backfill workers finished")
	case <-timeout:
		b.logger.Warn("backfill shutdown timeout reached, pending jobs dropped", zap.Int("remaining", b.QueueLength()))
	case <-ctx.Done():
		b.logger.Warn("backfill shutdown cancelled, pending jobs dropped", zap.Int("remaining", b.QueueLength()))
		err = ctx.Err()
	}
	b.cancel()
	return err
}

// Stats returns the number of completed and abandoned jobs.
func (b *Backfiller) Stats() (completed, failed int64) {
	return b.completed.Load(), b.failed.Load()
}

// worker processes jobs until the queue is closed.
func (b *Backfiller) worker(ctx context.Context, workerID int) {
	defer b.waitGroup.Done()

	logger := b.logger.With(zap.Int("worker", workerID))
	logger.Debug("backfill worker started")

	for job := range b.queue {
		b.processJob(ctx, logger, job)
	}

	logger.Debug("backfill worker stopped")
}

// processJob embeds the job's content and writes the vector to the record.
// Provider and storage failures are retried with quadratic backoff; a
// dimension mismatch or a vanished record is final.
func (b *Backfiller) processJob(ctx context.Context, logger *zap.Logger, job *backfillJob) {
	logger = logger.With(
		zap.String("record_id", job.RecordID),
		zap.String("scope", job.Scope.Key()),
		zap.Int("attempt", job.Attempt))

	if job.Attempt > 0 {
		wait := retryBackoff(job.Attempt)
		logger.Debug("waiting before backfill retry", zap.Duration("backoff", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			b.finish(job, ctx.Err())
			return
		}
	}

	err := b.backfill(ctx, job)
	switch {
	case err == nil:
		logger.Debug("embedding backfilled")
		b.finish(job, nil)
	case errors.Is(err, storage.ErrEmbeddingDimensionMismatch),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrInvalidScope):
		logger.Error("backfill abandoned", zap.Error(err))
		b.finish(job, err)
	default:
		logger.Warn("backfill attempt failed", zap.Error(err))
		if !b.requeueJob(job) {
			b.finish(job, err)
		}
	}
}

func (b *Backfiller) backfill(ctx context.Context, job *backfillJob) error {
	if b.embedder == nil {
		return fmt.Errorf("%w: no embedder configured", embedding.ErrProviderUnavailable)
	}

	vec, err := b.embedder.Embed(ctx, job.Content)
	if err != nil {
		return err
	}

	store, err := b.backend.OpenSemantic(job.Scope)
	if err != nil {
		return err
	}
	defer store.Close()

	writeCtx, cancel := context.WithTimeout(ctx, b.config.StoreTimeout)
	defer cancel()
	return store.BackfillEmbedding(writeCtx, job.RecordID, vec)
}

func (b *Backfiller) finish(job *backfillJob, err error) {
	if err == nil {
		b.completed.Add(1)
	} else {
		b.failed.Add(1)
	}

	b.mu.RLock()
	fn := b.onComplete
	b.mu.RUnlock()
	if fn != nil {
		fn(job.BackfillJob, err)
	}
}
