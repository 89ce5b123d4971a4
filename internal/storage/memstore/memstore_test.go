package memstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/internal/storage/storagetest"
	"github.com/scrypster/agentmem/pkg/types"
)

func TestThreadBackend(t *testing.T) {
	storagetest.RunThreadSuite(t, func(t *testing.T) storage.ThreadBackend {
		b := New()
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestSemanticBackend(t *testing.T) {
	storagetest.RunSemanticSuite(t, func(t *testing.T) storage.SemanticBackend {
		b := New()
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	b := New()
	scope := storagetest.Scope(t)
	ctx := context.Background()

	threads, err := b.OpenThread(scope)
	require.NoError(t, err)
	require.NoError(t, threads.Append(ctx, types.NewThreadRecord(scope, 1, "k", json.RawMessage(`"v"`))))

	recent, err := threads.ReadRecent(ctx, 1)
	require.NoError(t, err)
	recent[0].Value[1] = 'X'

	again, err := threads.ReadRecent(ctx, 1)
	require.NoError(t, err)
	assert.JSONEq(t, `"v"`, string(again[0].Value))

	facts, err := b.OpenSemantic(scope)
	require.NoError(t, err)
	rec := types.NewSemanticRecord(scope, "fact", nil, []float32{1, 2})
	require.NoError(t, facts.Insert(ctx, rec))
	rec.Embedding[0] = 99

	got, err := facts.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got.Embedding)
}
