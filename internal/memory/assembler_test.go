package memory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/agentmem/pkg/types"
)

func TestAssembleOrdersThreadFirst(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	src := Sources{
		Thread: []types.ThreadRecord{
			{ID: "t1", TurnIndex: 1, Key: "user", Value: json.RawMessage(`"hi"`)},
			{ID: "t2", TurnIndex: 2, Key: "agent", Value: json.RawMessage(`"hello"`)},
		},
		Semantic: &SemanticResult{Matches: []types.ScoredRecord{
			{Record: types.SemanticRecord{ID: "f1", Content: "likes tea"}, Score: 0.9},
			{Record: types.SemanticRecord{ID: "f2", Content: "lives in Oslo"}, Score: 0.4},
		}},
	}

	p := Assemble(src, now)
	require.Len(t, p.Entries, 4)
	assert.Equal(t, []string{"t1", "t2", "f1", "f2"}, ids(p.Entries))
	assert.True(t, p.ThreadIncluded)
	assert.True(t, p.SemanticIncluded)
	assert.False(t, p.Degraded)
	require.NotNil(t, p.Entries[2].Score)
	assert.Equal(t, 0.9, *p.Entries[2].Score)
	assert.Equal(t, now, p.AssembledAt)
}

func TestAssembleDegradedCarriesNoScore(t *testing.T) {
	p := Assemble(Sources{
		Semantic: &SemanticResult{
			Degraded: true,
			Matches:  []types.ScoredRecord{{Record: types.SemanticRecord{ID: "f1", Content: "x"}}},
		},
		Omitted: []string{SourceThread},
	}, time.Now())

	assert.False(t, p.ThreadIncluded)
	assert.True(t, p.Degraded)
	require.Len(t, p.Entries, 1)
	assert.Nil(t, p.Entries[0].Score)
	assert.True(t, p.Entries[0].Degraded)
	assert.Equal(t, []string{SourceThread}, p.Omitted)
	assert.Contains(t, p.Render(), "(recent) x")
}

func TestAssembleEmpty(t *testing.T) {
	p := Assemble(Sources{Omitted: []string{SourceThread, SourceSemantic}}, time.Now())
	assert.True(t, p.IsEmpty())
	assert.False(t, p.ThreadIncluded)
	assert.False(t, p.SemanticIncluded)
}

func ids(entries []types.ContextEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.RecordID
	}
	return out
}
