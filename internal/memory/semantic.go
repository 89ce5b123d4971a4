package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/pkg/types"
)

// SemanticResult is the outcome of a semantic query. When Degraded is set
// the matches are the most recent records and their scores are meaningless.
type SemanticResult struct {
	Matches  []types.ScoredRecord
	Degraded bool
}

// SemanticMemory is the long-term fact collection of one (tenant, agent, user).
type SemanticMemory struct {
	store  storage.SemanticStore
	policy retryPolicy
}

func newSemanticMemory(store storage.SemanticStore, policy retryPolicy) *SemanticMemory {
	return &SemanticMemory{store: store, policy: policy}
}

// Insert stores a fact. A nil embedding is recorded as pending. Retries reuse
// the record id, which the store treats as a replay.
func (s *SemanticMemory) Insert(ctx context.Context, content string, metadata map[string]interface{}, embedding []float32) (*types.SemanticRecord, error) {
	rec := types.NewSemanticRecord(s.store.Scope(), content, metadata, embedding)
	rec.ID = uuid.NewString()
	_, err := withRetry(ctx, s.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.Insert(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// BackfillEmbedding sets the embedding of a pending record. Repeating it is
// harmless; the last write wins.
func (s *SemanticMemory) BackfillEmbedding(ctx context.Context, recordID string, embedding []float32) error {
	_, err := withRetry(ctx, s.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.BackfillEmbedding(ctx, recordID, embedding)
	})
	return err
}

// Query returns up to topK facts for scope. With a vector and at least one
// embedded record it ranks by cosine similarity; otherwise it falls back to
// the most recent records and marks the result degraded.
func (s *SemanticMemory) Query(ctx context.Context, vector []float32, topK int, scope types.Scope) (SemanticResult, error) {
	if !scope.SameSemantic(s.store.Scope()) {
		return SemanticResult{}, fmt.Errorf("%w: query for %s on store bound to %s", ErrInvalidScope, scope, s.store.Scope())
	}
	if topK <= 0 {
		return SemanticResult{Matches: []types.ScoredRecord{}}, nil
	}

	return withRetry(ctx, s.policy, func(ctx context.Context) (SemanticResult, error) {
		if len(vector) > 0 {
			has, err := s.store.HasEmbeddings(ctx)
			if err != nil {
				return SemanticResult{}, err
			}
			if has {
				matches, err := s.store.SimilaritySearch(ctx, vector, topK)
				if err != nil {
					return SemanticResult{}, err
				}
				return SemanticResult{Matches: matches}, nil
			}
		}

		recent, err := s.store.Recent(ctx, topK)
		if err != nil {
			return SemanticResult{}, err
		}
		matches := make([]types.ScoredRecord, len(recent))
		for i, rec := range recent {
			matches[i] = types.ScoredRecord{Record: rec}
		}
		return SemanticResult{Matches: matches, Degraded: true}, nil
	})
}

// Close releases the store handle.
func (s *SemanticMemory) Close() error {
	return s.store.Close()
}
