package memory

import (
	"time"

	"github.com/scrypster/agentmem/pkg/types"
)

// Source names used in ContextPayload.Omitted.
const (
	SourceThread   = string(types.SourceThread)
	SourceSemantic = string(types.SourceSemantic)
)

// Sources carries what each memory tier returned for one GetContext call.
// A nil Thread or Semantic means that tier was not consulted or failed.
type Sources struct {
	Thread   []types.ThreadRecord
	Semantic *SemanticResult
	Omitted  []string
}

// Assemble builds the payload: thread entries first in ascending turn order,
// then semantic entries in rank order. The thread tier is never trimmed to
// make room for semantic entries.
func Assemble(src Sources, now time.Time) types.ContextPayload {
	payload := types.ContextPayload{
		Entries:     make([]types.ContextEntry, 0, len(src.Thread)+semanticLen(src.Semantic)),
		Omitted:     src.Omitted,
		AssembledAt: now,
	}

	if src.Thread != nil {
		payload.ThreadIncluded = true
		for _, rec := range src.Thread {
			payload.Entries = append(payload.Entries, types.ContextEntry{
				Source:    types.SourceThread,
				RecordID:  rec.ID,
				TurnIndex: rec.TurnIndex,
				Key:       rec.Key,
				Value:     rec.Value,
				CreatedAt: rec.CreatedAt,
			})
		}
	}

	if src.Semantic != nil {
		payload.SemanticIncluded = true
		payload.Degraded = src.Semantic.Degraded
		for _, m := range src.Semantic.Matches {
			entry := types.ContextEntry{
				Source:    types.SourceSemantic,
				RecordID:  m.Record.ID,
				Content:   m.Record.Content,
				Metadata:  m.Record.Metadata,
				Degraded:  src.Semantic.Degraded,
				CreatedAt: m.Record.CreatedAt,
			}
			if !src.Semantic.Degraded {
				score := m.Score
				entry.Score = &score
			}
			payload.Entries = append(payload.Entries, entry)
		}
	}

	return payload
}

func semanticLen(r *SemanticResult) int {
	if r == nil {
		return 0
	}
	return len(r.Matches)
}
