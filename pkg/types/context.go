package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ContextEntry is one annotated line of an assembled context payload.
// Thread entries carry TurnIndex/Key/Value; semantic entries carry Content and
// either a Score or the Degraded marker.
type ContextEntry struct {
	Source    SourceKind             `json:"source"`
	RecordID  string                 `json:"record_id,omitempty"`
	TurnIndex int64                  `json:"turn_index,omitempty"`
	Key       string                 `json:"key,omitempty"`
	Value     json.RawMessage        `json:"value,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Score     *float64               `json:"score,omitempty"`
	Degraded  bool                   `json:"degraded,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ContextPayload is the bounded, ordered combination of recent thread turns and
// top semantic matches. It is a passive data product: thread entries first in
// ascending turn order, then semantic entries in rank order.
type ContextPayload struct {
	Entries          []ContextEntry `json:"entries"`
	ThreadIncluded   bool           `json:"thread_included"`
	SemanticIncluded bool           `json:"semantic_included"`
	Degraded         bool           `json:"degraded"`          // Semantic entries came from recency fallback
	Omitted          []string       `json:"omitted,omitempty"` // Sources dropped because they failed or timed out
	AssembledAt      time.Time      `json:"assembled_at"`
}

// ThreadEntries returns the thread-derived entries in payload order.
func (p *ContextPayload) ThreadEntries() []ContextEntry {
	return p.filter(SourceThread)
}

// SemanticEntries returns the semantic-derived entries in payload order.
func (p *ContextPayload) SemanticEntries() []ContextEntry {
	return p.filter(SourceSemantic)
}

func (p *ContextPayload) filter(kind SourceKind) []ContextEntry {
	if p == nil {
		return nil
	}
	var out []ContextEntry
	for _, e := range p.Entries {
		if e.Source == kind {
			out = append(out, e)
		}
	}
	return out
}

// IsEmpty reports whether the payload has no entries at all.
func (p *ContextPayload) IsEmpty() bool {
	return p == nil || len(p.Entries) == 0
}

// Render formats the payload as a plain-text block suitable for prompt
// injection. Semantic entries are labelled with their similarity score, or as
// "recent" when the result was produced by recency fallback.
func (p *ContextPayload) Render() string {
	if p.IsEmpty() {
		return ""
	}

	var b strings.Builder
	thread := p.ThreadEntries()
	if len(thread) > 0 {
		b.WriteString("=== RECENT CONVERSATION ===\n")
		for _, e := range thread {
			fmt.Fprintf(&b, "[%d] %s: %s\n", e.TurnIndex, e.Key, string(e.Value))
		}
	}

	semantic := p.SemanticEntries()
	if len(semantic) > 0 {
		if len(thread) > 0 {
			b.WriteString("\n")
		}
		b.WriteString("=== RELEVANT MEMORIES ===\n")
		for i, e := range semantic {
			label := "recent"
			if !e.Degraded && e.Score != nil {
				label = fmt.Sprintf("score=%.3f", *e.Score)
			}
			fmt.Fprintf(&b, "%d. (%s) %s\n", i+1, label, e.Content)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
