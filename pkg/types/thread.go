package types

import (
	"encoding/json"
	"time"
)

// ThreadRecord is a single turn of short-term context within a session.
// Records are append-only: once written they are never mutated.
type ThreadRecord struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id"`
	TurnIndex int64           `json:"turn_index"` // Strictly increasing per session
	Key       string          `json:"key"`        // Semantic label, e.g. "user_utterance"
	Value     json.RawMessage `json:"value"`      // Structured payload
	CreatedAt time.Time       `json:"created_at"`
}

// NewThreadRecord builds a record bound to the thread part of scope.
// The ID is left empty; stores assign one on append.
func NewThreadRecord(scope Scope, turnIndex int64, key string, value json.RawMessage) *ThreadRecord {
	return &ThreadRecord{
		TenantID:  scope.TenantID,
		AgentID:   scope.AgentID,
		SessionID: scope.SessionID,
		TurnIndex: turnIndex,
		Key:       key,
		Value:     value,
		CreatedAt: now(),
	}
}
