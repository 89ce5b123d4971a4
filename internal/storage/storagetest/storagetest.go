// Package storagetest holds the behavioural suite every thread and semantic
// backend must pass. Backend packages call it from their own tests.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/pkg/types"
)

// Scope returns a fully populated scope unique to the running test.
func Scope(t *testing.T) types.Scope {
	t.Helper()
	return types.Scope{
		TenantID:  "tenant-" + t.Name(),
		AgentID:   "agent",
		SessionID: "session",
		UserID:    "user",
	}
}

// RunThreadSuite exercises a ThreadBackend. newBackend must return a fresh,
// empty backend; the suite closes it.
func RunThreadSuite(t *testing.T, newBackend func(t *testing.T) storage.ThreadBackend) {
	t.Run("AppendAndReadRecent", func(t *testing.T) {
		b := newBackend(t)
		store := openThread(t, b, Scope(t))
		ctx := context.Background()

		for i := int64(1); i <= 5; i++ {
			rec := types.NewThreadRecord(store.Scope(), i, "user_utterance", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
			require.NoError(t, store.Append(ctx, rec))
			assert.NotEmpty(t, rec.ID)
		}

		recent, err := store.ReadRecent(ctx, 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, []int64{3, 4, 5}, turns(recent))
		assert.JSONEq(t, `{"n":5}`, string(recent[2].Value))
		assert.Equal(t, "user_utterance", recent[2].Key)

		all, err := store.ReadRecent(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, turns(all))

		last, ok, err := store.LastTurn(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(5), last)
	})

	t.Run("ReadRecentEmptyAndZero", func(t *testing.T) {
		b := newBackend(t)
		store := openThread(t, b, Scope(t))
		ctx := context.Background()

		recent, err := store.ReadRecent(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, recent)

		_, ok, err := store.LastTurn(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.Append(ctx, types.NewThreadRecord(store.Scope(), 1, "k", json.RawMessage(`"v"`))))
		none, err := store.ReadRecent(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("RejectsOutOfOrderTurn", func(t *testing.T) {
		b := newBackend(t)
		store := openThread(t, b, Scope(t))
		ctx := context.Background()

		require.NoError(t, store.Append(ctx, types.NewThreadRecord(store.Scope(), 3, "k", json.RawMessage(`1`))))
		err := store.Append(ctx, types.NewThreadRecord(store.Scope(), 3, "k", json.RawMessage(`2`)))
		assert.ErrorIs(t, err, storage.ErrOutOfOrderTurn)
		err = store.Append(ctx, types.NewThreadRecord(store.Scope(), 2, "k", json.RawMessage(`2`)))
		assert.ErrorIs(t, err, storage.ErrOutOfOrderTurn)

		recent, err := store.ReadRecent(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, turns(recent))
	})

	t.Run("ReplayedAppendIsNoop", func(t *testing.T) {
		b := newBackend(t)
		store := openThread(t, b, Scope(t))
		ctx := context.Background()

		first := types.NewThreadRecord(store.Scope(), 1, "k", json.RawMessage(`"once"`))
		require.NoError(t, store.Append(ctx, first))
		require.NoError(t, store.Append(ctx, first))

		require.NoError(t, store.Append(ctx, types.NewThreadRecord(store.Scope(), 2, "k", json.RawMessage(`"two"`))))
		require.NoError(t, store.Append(ctx, first))

		// A different record for a written turn is still out of order.
		err := store.Append(ctx, types.NewThreadRecord(store.Scope(), 1, "k", json.RawMessage(`"again"`)))
		assert.ErrorIs(t, err, storage.ErrOutOfOrderTurn)

		recent, err := store.ReadRecent(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, turns(recent))
		assert.Equal(t, first.ID, recent[0].ID)
	})

	t.Run("SessionsAreIsolated", func(t *testing.T) {
		b := newBackend(t)
		scopeA := Scope(t)
		scopeB := scopeA
		scopeB.SessionID = "other-session"
		a := openThread(t, b, scopeA)
		other := openThread(t, b, scopeB)
		ctx := context.Background()

		require.NoError(t, a.Append(ctx, types.NewThreadRecord(scopeA, 1, "k", json.RawMessage(`"a"`))))
		// Same turn index in another session is fine.
		require.NoError(t, other.Append(ctx, types.NewThreadRecord(scopeB, 1, "k", json.RawMessage(`"b"`))))

		recent, err := other.ReadRecent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.JSONEq(t, `"b"`, string(recent[0].Value))
	})

	t.Run("RejectsForeignRecord", func(t *testing.T) {
		b := newBackend(t)
		store := openThread(t, b, Scope(t))
		foreign := Scope(t)
		foreign.SessionID = "elsewhere"

		err := store.Append(context.Background(), types.NewThreadRecord(foreign, 1, "k", nil))
		assert.ErrorIs(t, err, storage.ErrInvalidScope)
	})

	t.Run("OpenRequiresSession", func(t *testing.T) {
		b := newBackend(t)
		scope := Scope(t)
		scope.SessionID = ""
		_, err := b.OpenThread(scope)
		assert.ErrorIs(t, err, storage.ErrInvalidScope)
	})

	t.Run("ClosedHandle", func(t *testing.T) {
		b := newBackend(t)
		store := openThread(t, b, Scope(t))
		require.NoError(t, store.Close())
		require.NoError(t, store.Close())

		err := store.Append(context.Background(), types.NewThreadRecord(store.Scope(), 1, "k", nil))
		assert.ErrorIs(t, err, storage.ErrStoreClosed)
		_, err = store.ReadRecent(context.Background(), 1)
		assert.ErrorIs(t, err, storage.ErrStoreClosed)
	})

	t.Run("ConcurrentAppendsKeepOrder", func(t *testing.T) {
		b := newBackend(t)
		store := openThread(t, b, Scope(t))
		ctx := context.Background()

		// Every writer races for the same turn; exactly one may win each.
		const writers = 8
		for turn := int64(1); turn <= 5; turn++ {
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := store.Append(ctx, types.NewThreadRecord(store.Scope(), turn, "k", json.RawMessage(`0`)))
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins, "turn %d", turn)
		}

		recent, err := store.ReadRecent(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, turns(recent))
	})

	t.Run("ConcurrentAppendsAcrossUsers", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		// Handles for different users of one session share the thread log.
		const writers = 6
		stores := make([]storage.ThreadStore, writers)
		for w := range stores {
			scope := Scope(t)
			scope.UserID = fmt.Sprintf("user-%d", w)
			stores[w] = openThread(t, b, scope)
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted []int64
		)
		for w, store := range stores {
			wg.Add(1)
			go func(w int, store storage.ThreadStore) {
				defer wg.Done()
				for turn := int64(w + 1); turn <= 30; turn += writers {
					rec := types.NewThreadRecord(store.Scope(), turn, "k", json.RawMessage(`0`))
					err := store.Append(ctx, rec)
					if err != nil {
						assert.ErrorIs(t, err, storage.ErrOutOfOrderTurn)
						continue
					}
					mu.Lock()
					accepted = append(accepted, turn)
					mu.Unlock()
				}
			}(w, store)
		}
		wg.Wait()

		recent, err := stores[0].ReadRecent(ctx, 100)
		require.NoError(t, err)
		assert.ElementsMatch(t, accepted, turns(recent))
		for i := 1; i < len(recent); i++ {
			assert.Less(t, recent[i-1].TurnIndex, recent[i].TurnIndex)
		}
		// Turn 30 is the highest anyone writes, so it always lands.
		last, ok, err := stores[0].LastTurn(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(30), last)
	})
}

// RunSemanticSuite exercises a SemanticBackend.
func RunSemanticSuite(t *testing.T, newBackend func(t *testing.T) storage.SemanticBackend) {
	t.Run("InsertAndSimilaritySearch", func(t *testing.T) {
		b := newBackend(t)
		store := openSemantic(t, b, Scope(t))
		ctx := context.Background()

		insert(t, store, "likes tea", []float32{1, 0, 0}, time.Second)
		insert(t, store, "likes coffee", []float32{0.8, 0.6, 0}, 2*time.Second)
		insert(t, store, "lives in Paris", []float32{0, 0, 1}, 3*time.Second)
		insert(t, store, "pending", nil, 4*time.Second)

		has, err := store.HasEmbeddings(ctx)
		require.NoError(t, err)
		assert.True(t, has)

		got, err := store.SimilaritySearch(ctx, []float32{1, 0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "likes tea", got[0].Record.Content)
		assert.InDelta(t, 1.0, got[0].Score, 1e-4)
		assert.Equal(t, "likes coffee", got[1].Record.Content)
		assert.InDelta(t, 0.8, got[1].Score, 1e-4)
		assert.Equal(t, []float32{1, 0, 0}, got[0].Record.Embedding)

		all, err := store.SimilaritySearch(ctx, []float32{1, 0, 0}, 10)
		require.NoError(t, err)
		assert.Len(t, all, 3, "records without embeddings are not ranked")
	})

	t.Run("EqualScoresPreferNewer", func(t *testing.T) {
		b := newBackend(t)
		store := openSemantic(t, b, Scope(t))
		ctx := context.Background()

		insert(t, store, "older", []float32{0, 1}, time.Second)
		insert(t, store, "newer", []float32{0, 2}, 2*time.Second)

		got, err := store.SimilaritySearch(ctx, []float32{0, 1}, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "newer", got[0].Record.Content)
		assert.Equal(t, "older", got[1].Record.Content)
	})

	t.Run("RecentAndBackfill", func(t *testing.T) {
		b := newBackend(t)
		store := openSemantic(t, b, Scope(t))
		ctx := context.Background()

		first := insert(t, store, "first", nil, time.Second)
		insert(t, store, "second", nil, 2*time.Second)

		has, err := store.HasEmbeddings(ctx)
		require.NoError(t, err)
		assert.False(t, has)

		recent, err := store.Recent(ctx, 5)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "second", recent[0].Content)
		assert.Equal(t, "first", recent[1].Content)

		require.NoError(t, store.BackfillEmbedding(ctx, first.ID, []float32{0.5, 0.5}))
		got, err := store.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, []float32{0.5, 0.5}, got.Embedding)
		assert.Equal(t, "first", got.Content)

		err = store.BackfillEmbedding(ctx, "missing", []float32{1})
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ReplayedInsertIsNoop", func(t *testing.T) {
		b := newBackend(t)
		store := openSemantic(t, b, Scope(t))
		ctx := context.Background()

		rec := insert(t, store, "likes tea", []float32{1, 0}, time.Second)
		require.NoError(t, store.Insert(ctx, rec))

		recent, err := store.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, rec.ID, recent[0].ID)
	})

	t.Run("MetadataRoundTrip", func(t *testing.T) {
		b := newBackend(t)
		store := openSemantic(t, b, Scope(t))
		rec := types.NewSemanticRecord(store.Scope(), "has metadata", map[string]interface{}{"source": "chat"}, nil)
		require.NoError(t, store.Insert(context.Background(), rec))

		got, err := store.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "chat", got.Metadata["source"])
	})

	t.Run("UsersAreIsolated", func(t *testing.T) {
		b := newBackend(t)
		scopeA := Scope(t)
		scopeB := scopeA
		scopeB.UserID = "someone-else"
		a := openSemantic(t, b, scopeA)
		other := openSemantic(t, b, scopeB)
		ctx := context.Background()

		rec := insert(t, a, "private", []float32{1, 0}, time.Second)

		got, err := other.SimilaritySearch(ctx, []float32{1, 0}, 10)
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = other.Get(ctx, rec.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, other.BackfillEmbedding(ctx, rec.ID, []float32{0, 1}), storage.ErrNotFound)
	})

	t.Run("DimensionMismatch", func(t *testing.T) {
		b := newBackend(t)
		store := openSemantic(t, b, Scope(t))
		insert(t, store, "three dims", []float32{1, 0, 0}, time.Second)

		_, err := store.SimilaritySearch(context.Background(), []float32{1, 0}, 5)
		assert.ErrorIs(t, err, storage.ErrEmbeddingDimensionMismatch)
	})

	t.Run("RejectsInvalidRecords", func(t *testing.T) {
		b := newBackend(t)
		store := openSemantic(t, b, Scope(t))
		ctx := context.Background()

		err := store.Insert(ctx, types.NewSemanticRecord(store.Scope(), "", nil, nil))
		assert.ErrorIs(t, err, storage.ErrInvalidInput)

		foreign := Scope(t)
		foreign.UserID = "intruder"
		err = store.Insert(ctx, types.NewSemanticRecord(foreign, "x", nil, nil))
		assert.ErrorIs(t, err, storage.ErrInvalidScope)
	})

	t.Run("OpenRequiresUser", func(t *testing.T) {
		b := newBackend(t)
		scope := Scope(t)
		scope.UserID = ""
		_, err := b.OpenSemantic(scope)
		assert.ErrorIs(t, err, storage.ErrInvalidScope)
	})

	t.Run("ClosedHandle", func(t *testing.T) {
		b := newBackend(t)
		store := openSemantic(t, b, Scope(t))
		require.NoError(t, store.Close())

		_, err := store.Recent(context.Background(), 1)
		assert.ErrorIs(t, err, storage.ErrStoreClosed)
	})
}

func openThread(t *testing.T, b storage.ThreadBackend, scope types.Scope) storage.ThreadStore {
	t.Helper()
	store, err := b.OpenThread(scope)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func openSemantic(t *testing.T, b storage.SemanticBackend, scope types.Scope) storage.SemanticStore {
	t.Helper()
	store, err := b.OpenSemantic(scope)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func insert(t *testing.T, store storage.SemanticStore, content string, embedding []float32, offset time.Duration) *types.SemanticRecord {
	t.Helper()
	rec := types.NewSemanticRecord(store.Scope(), content, nil, embedding)
	rec.CreatedAt = epoch.Add(offset)
	require.NoError(t, store.Insert(context.Background(), rec))
	return rec
}

func turns(records []types.ThreadRecord) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.TurnIndex
	}
	return out
}
