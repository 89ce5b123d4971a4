package storage

import (
	"fmt"
	"math"
	"sort"

	"github.com/scrypster/agentmem/pkg/types"
)

// CosineSimilarity computes the normalized dot product of two vectors.
// Vectors of different length yield ErrEmbeddingDimensionMismatch. A zero
// magnitude vector has similarity 0 with everything.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: query has %d dimensions, stored embedding has %d",
			ErrEmbeddingDimensionMismatch, len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// RankBySimilarity scores every record that has an embedding against query
// and returns the top limit, similarity descending. Equal scores are ordered
// by created_at descending, then by id so the order is fully deterministic.
// Records without an embedding are skipped.
func RankBySimilarity(query []float32, records []types.SemanticRecord, limit int) ([]types.ScoredRecord, error) {
	if limit <= 0 {
		return []types.ScoredRecord{}, nil
	}

	scored := make([]types.ScoredRecord, 0, len(records))
	for _, rec := range records {
		if !rec.HasEmbedding() {
			continue
		}
		sim, err := CosineSimilarity(query, rec.Embedding)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		scored = append(scored, types.ScoredRecord{Record: rec, Score: sim})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return newerFirst(scored[i].Record, scored[j].Record)
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// SortByRecency orders records created_at descending, ties broken by id.
func SortByRecency(records []types.SemanticRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return newerFirst(records[i], records[j])
	})
}

func newerFirst(a, b types.SemanticRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}
