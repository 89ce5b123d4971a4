// Package storage provides composable storage interfaces for agentmem.
//
// A backend owns a connection pool and hands out scoped store handles. Each
// handle is bound to exactly one types.Scope and rejects records belonging to
// any other scope. Closing a handle releases it without closing the backend,
// so a memory manager can be evicted while other managers keep using the same
// pool.
package storage

import (
	"context"

	"github.com/scrypster/agentmem/pkg/types"
)

// ThreadBackend opens thread-memory handles over a shared connection pool.
type ThreadBackend interface {
	// OpenThread returns a handle bound to the thread part of scope
	// (tenant, agent, session). The scope must carry a session id.
	OpenThread(scope types.Scope) (ThreadStore, error)

	// Name identifies the backend in logs (e.g. "sqlite", "redis").
	Name() string

	// Close releases the connection pool.
	Close() error
}

// SemanticBackend opens semantic-memory handles over a shared connection pool.
type SemanticBackend interface {
	// OpenSemantic returns a handle bound to the semantic part of scope
	// (tenant, agent, user). The scope must carry a user id.
	OpenSemantic(scope types.Scope) (SemanticStore, error)

	// Name identifies the backend in logs (e.g. "postgres", "memory").
	Name() string

	// Close releases the connection pool.
	Close() error
}

// ThreadStore is an append-only, turn-indexed log for one session.
type ThreadStore interface {
	// Append writes rec. It fails with ErrOutOfOrderTurn when rec.TurnIndex is
	// not strictly greater than the last recorded index for the session, and
	// leaves the store unchanged in that case. An empty rec.ID is assigned.
	Append(ctx context.Context, rec *types.ThreadRecord) error

	// ReadRecent returns up to n most recent records in ascending turn order.
	// n <= 0 returns an empty slice.
	ReadRecent(ctx context.Context, n int) ([]types.ThreadRecord, error)

	// LastTurn returns the highest recorded turn index, or ok=false when the
	// session has no records yet.
	LastTurn(ctx context.Context) (turn int64, ok bool, err error)

	// Scope returns the scope the handle is bound to.
	Scope() types.Scope

	// Close releases the handle. It must not block.
	Close() error
}

// SemanticStore holds long-term facts for one (tenant, agent, user).
type SemanticStore interface {
	// Insert writes rec. A nil embedding is stored as NULL and is never an
	// error. An empty rec.ID is assigned.
	Insert(ctx context.Context, rec *types.SemanticRecord) error

	// BackfillEmbedding sets the embedding of an existing record. It updates
	// no other field and is safe to repeat (last write wins).
	BackfillEmbedding(ctx context.Context, id string, embedding []float32) error

	// Get retrieves a record by ID. Returns ErrNotFound when the record does
	// not exist in the bound scope.
	Get(ctx context.Context, id string) (*types.SemanticRecord, error)

	// HasEmbeddings reports whether at least one record in scope carries a
	// non-null embedding.
	HasEmbeddings(ctx context.Context) (bool, error)

	// SimilaritySearch ranks records with embeddings by cosine similarity to
	// vector (descending, ties broken by created_at descending then id) and
	// returns the first limit. A stored embedding whose dimensionality differs
	// from vector yields ErrEmbeddingDimensionMismatch.
	SimilaritySearch(ctx context.Context, vector []float32, limit int) ([]types.ScoredRecord, error)

	// Recent returns the limit most recently created records, created_at
	// descending (ties broken by id).
	Recent(ctx context.Context, limit int) ([]types.SemanticRecord, error)

	// Scope returns the scope the handle is bound to.
	Scope() types.Scope

	// Close releases the handle. It must not block.
	Close() error
}
