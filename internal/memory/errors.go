// Package memory implements the per-scope memory manager: a thread log and a
// semantic collection behind timeouts and retries, plus the assembler that
// merges both into the context payload handed to the reasoning step.
package memory

import (
	"errors"

	"github.com/scrypster/agentmem/internal/embedding"
	"github.com/scrypster/agentmem/internal/storage"
)

// Errors surfaced by the memory layer. Most alias lower-level sentinels so
// callers can match them with errors.Is without importing storage.
var (
	ErrOutOfOrderTurn             = storage.ErrOutOfOrderTurn
	ErrStorage                    = storage.ErrStorage
	ErrEmbeddingDimensionMismatch = storage.ErrEmbeddingDimensionMismatch
	ErrInvalidScope               = storage.ErrInvalidScope
	ErrProviderUnavailable        = embedding.ErrProviderUnavailable

	// ErrManagerClosed is returned by a manager after Close.
	ErrManagerClosed = errors.New("memory manager closed")
)
