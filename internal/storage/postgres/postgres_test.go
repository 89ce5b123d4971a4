package postgres_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/internal/storage/postgres"
	"github.com/scrypster/agentmem/internal/storage/storagetest"
	"github.com/scrypster/agentmem/pkg/types"
)

// postgresTestDSN returns the DSN for the test database.
// If AGENTMEM_TEST_POSTGRES_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("AGENTMEM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AGENTMEM_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestBackend connects to the test database and empties it.
func newTestBackend(t *testing.T) *postgres.Backend {
	t.Helper()

	dsn := postgresTestDSN(t)
	ctx := context.Background()

	b, err := postgres.New(ctx, dsn)
	require.NoError(t, err, "New should succeed")
	require.NoError(t, b.TruncateForTest(ctx))
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

func TestAppendLocksTheSessionNotTheUser(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	holder := storagetest.Scope(t)
	holder.UserID = "u1"
	other := holder
	other.UserID = "u2"

	// Hold the session's append lock as a u1 writer would.
	tx, err := b.DBForTest().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, holder.ThreadKey())
	require.NoError(t, err)

	store, err := b.OpenThread(other)
	require.NoError(t, err)
	defer store.Close()

	blocked, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	err = store.Append(blocked, types.NewThreadRecord(other, 1, "k", json.RawMessage(`"u2"`)))
	require.Error(t, err, "a u2 append must wait for the u1 lock")

	require.NoError(t, tx.Rollback())
	require.NoError(t, store.Append(ctx, types.NewThreadRecord(other, 1, "k", json.RawMessage(`"u2"`))))

	recent, err := store.ReadRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}
