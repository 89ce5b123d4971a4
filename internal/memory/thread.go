package memory

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/pkg/types"
)

// ThreadMemory is the short-term log of one session.
type ThreadMemory struct {
	store  storage.ThreadStore
	policy retryPolicy
}

func newThreadMemory(store storage.ThreadStore, policy retryPolicy) *ThreadMemory {
	return &ThreadMemory{store: store, policy: policy}
}

// Append records one turn. A turn index that is not strictly greater than
// the last one fails with ErrOutOfOrderTurn and leaves the log unchanged.
// The record id is fixed before the first attempt so a retry after a lost
// reply is recognised by the store as a replay.
func (t *ThreadMemory) Append(ctx context.Context, turnIndex int64, key string, value json.RawMessage) (*types.ThreadRecord, error) {
	rec := types.NewThreadRecord(t.store.Scope(), turnIndex, key, value)
	rec.ID = uuid.NewString()
	_, err := withRetry(ctx, t.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.store.Append(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ReadRecent returns up to n of the latest turns in ascending order.
func (t *ThreadMemory) ReadRecent(ctx context.Context, n int) ([]types.ThreadRecord, error) {
	if n <= 0 {
		return []types.ThreadRecord{}, nil
	}
	return withRetry(ctx, t.policy, func(ctx context.Context) ([]types.ThreadRecord, error) {
		return t.store.ReadRecent(ctx, n)
	})
}

// Close releases the store handle.
func (t *ThreadMemory) Close() error {
	return t.store.Close()
}
