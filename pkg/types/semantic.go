package types

import "time"

// SemanticRecord is a long-term fact with an optional embedding.
// A nil Embedding is a valid state: the embedding is pending or the provider
// was unavailable when the record was inserted. Embedding is the only field
// that may change after creation (via backfill).
type SemanticRecord struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	AgentID   string                 `json:"agent_id"`
	UserID    string                 `json:"user_id"`
	SessionID string                 `json:"session_id,omitempty"`
	Content   string                 `json:"content"`
	Embedding []float32              `json:"embedding,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewSemanticRecord builds a record bound to the semantic part of scope.
func NewSemanticRecord(scope Scope, content string, metadata map[string]interface{}, embedding []float32) *SemanticRecord {
	return &SemanticRecord{
		TenantID:  scope.TenantID,
		AgentID:   scope.AgentID,
		UserID:    scope.UserID,
		SessionID: scope.SessionID,
		Content:   content,
		Embedding: embedding,
		Metadata:  metadata,
		CreatedAt: now(),
	}
}

// HasEmbedding reports whether the record can take part in similarity ranking.
func (r *SemanticRecord) HasEmbedding() bool {
	return r != nil && len(r.Embedding) > 0
}

// ScoredRecord pairs a semantic record with its cosine similarity to a query.
// Score is meaningless when the result set was produced by recency fallback.
type ScoredRecord struct {
	Record SemanticRecord `json:"record"`
	Score  float64        `json:"score"`
}
