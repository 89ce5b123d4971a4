package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/agentmem/internal/memory"
)

// Schedule implements memory.BackfillScheduler. It never blocks: when the
// queue is full or the pool is stopping the job is dropped and false is
// returned.
func (b *Backfiller) Schedule(job memory.BackfillJob) bool {
	return b.queueJob(&backfillJob{BackfillJob: job, Timestamp: time.Now()})
}

// queueJob attempts to queue a backfill job without blocking.
func (b *Backfiller) queueJob(job *backfillJob) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopping {
		return false
	}

	select {
	case b.queue <- job:
		return true
	default:
		b.logger.Warn("backfill queue full, dropping job",
			zap.Int("queue_size", b.config.QueueSize),
			zap.String("record_id", job.RecordID))
		return false
	}
}

// requeueJob puts a failed job back with its attempt counter incremented.
// Returns false if max retries are exceeded, the queue is full or the pool
// is stopping.
func (b *Backfiller) requeueJob(job *backfillJob) bool {
	if job.Attempt >= b.config.MaxRetries {
		b.logger.Warn("backfill max retries exceeded, giving up",
			zap.Int("max_retries", b.config.MaxRetries),
			zap.String("record_id", job.RecordID))
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopping {
		b.logger.Warn("backfill shutdown in progress, not requeueing", zap.String("record_id", job.RecordID))
		return false
	}

	job.Attempt++

	select {
	case b.queue <- job:
		b.logger.Debug("requeued backfill job",
			zap.String("record_id", job.RecordID),
			zap.Int("attempt", job.Attempt))
		return true
	case <-time.After(10 * time.Millisecond):
		b.logger.Warn("failed to requeue backfill job, queue timeout", zap.String("record_id", job.RecordID))
		return false
	}
}

// QueueLength returns the number of jobs waiting in the queue.
func (b *Backfiller) QueueLength() int {
	return len(b.queue)
}
