package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/internal/storage/storagetest"
	"github.com/scrypster/agentmem/pkg/types"
)

// newTestBackend creates an in-memory SQLite backend for testing.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestThreadBackend(t *testing.T) {
	storagetest.RunThreadSuite(t, func(t *testing.T) storage.ThreadBackend {
		return newTestBackend(t)
	})
}

func TestSemanticBackend(t *testing.T) {
	storagetest.RunSemanticSuite(t, func(t *testing.T) storage.SemanticBackend {
		return newTestBackend(t)
	})
}

func TestRecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentmem.db")
	scope := storagetest.Scope(t)
	ctx := context.Background()

	b, err := New(path)
	require.NoError(t, err)
	facts, err := b.OpenSemantic(scope)
	require.NoError(t, err)
	rec := types.NewSemanticRecord(scope, "persisted", map[string]interface{}{"n": 1.0}, []float32{0.25, -1.5})
	require.NoError(t, facts.Insert(ctx, rec))
	require.NoError(t, b.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	facts, err = reopened.OpenSemantic(scope)
	require.NoError(t, err)
	got, err := facts.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Content)
	assert.Equal(t, []float32{0.25, -1.5}, got.Embedding)
	assert.Equal(t, 1.0, got.Metadata["n"])
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}

func TestEmbeddingEncoding(t *testing.T) {
	in := []float32{0, 1.5, -3.25, 1e-7}
	out, err := decodeEmbedding(encodeEmbedding(in), len(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeEmbedding([]byte{1, 2, 3}, 1)
	assert.Error(t, err)

	none, err := decodeEmbedding(nil, 0)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDBPathFromDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{":memory:", ""},
		{"", ""},
		{"/var/lib/agentmem.db", "/var/lib/agentmem.db"},
		{"file:/var/lib/agentmem.db?mode=rwc", "/var/lib/agentmem.db"},
		{"file::memory:?cache=shared", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dbPathFromDSN(tt.dsn), tt.dsn)
	}
}
