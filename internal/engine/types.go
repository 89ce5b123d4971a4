// Package engine provides the process-wide memory engine: a bounded cache of
// per-scope memory managers over shared storage backends, plus a worker pool
// that backfills embeddings for facts stored while the provider was down.
package engine

import (
	"fmt"
	"time"

	"github.com/scrypster/agentmem/internal/memory"
)

// backfillJob is a queued request to embed a pending fact.
type backfillJob struct {
	memory.BackfillJob

	// Timestamp is when the job was first queued.
	Timestamp time.Time

	// Attempt tracks retry attempts for this job.
	Attempt int
}

// BackfillConfig holds configuration for the backfill worker pool.
type BackfillConfig struct {
	// NumWorkers is the number of backfill worker goroutines (default: 2).
	NumWorkers int

	// QueueSize is the size of the backfill job queue buffer (default: 1000).
	QueueSize int

	// ShutdownTimeout is the maximum time to wait for workers to drain on shutdown (default: 30s).
	ShutdownTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts per job (default: 3).
	MaxRetries int

	// StoreTimeout bounds the backfill write (default: 2s).
	StoreTimeout time.Duration
}

// DefaultBackfillConfig returns a BackfillConfig with sensible defaults.
func DefaultBackfillConfig() BackfillConfig {
	return BackfillConfig{
		NumWorkers:      2,
		QueueSize:       1000,
		ShutdownTimeout: 30 * time.Second,
		MaxRetries:      3,
		StoreTimeout:    2 * time.Second,
	}
}

// Validate checks if the config is valid.
func (c *BackfillConfig) Validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("NumWorkers must be >= 1, got %d", c.NumWorkers)
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("QueueSize must be >= 1, got %d", c.QueueSize)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries must be >= 0, got %d", c.MaxRetries)
	}

	if c.StoreTimeout <= 0 {
		return fmt.Errorf("StoreTimeout must be > 0, got %v", c.StoreTimeout)
	}

	return nil
}

// retryBackoff is the pause before attempt n: 100ms, 400ms, 900ms...
func retryBackoff(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * 100 * time.Millisecond
}
