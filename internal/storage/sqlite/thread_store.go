package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/pkg/types"
)

// ThreadStore is a thread log handle bound to one (tenant, agent, session).
type ThreadStore struct {
	storage.HandleState
	db    *sql.DB
	scope types.Scope
}

// Scope returns the scope the handle is bound to.
func (s *ThreadStore) Scope() types.Scope { return s.scope }

// Close releases the handle. The shared connection stays open.
func (s *ThreadStore) Close() error {
	s.MarkClosed()
	return nil
}

// Append writes rec after checking that its turn index is strictly greater
// than the session's last one. The check and the insert share a transaction.
// Replaying a record that is already stored under the same id and turn is a
// no-op.
func (s *ThreadStore) Append(ctx context.Context, rec *types.ThreadRecord) error {
	if err := s.CheckOpen(); err != nil {
		return err
	}
	if err := storage.CheckThreadRecord(s.scope, rec); err != nil {
		return err
	}

	value := []byte(rec.Value)
	if len(value) == 0 {
		value = []byte("null")
	}
	if !json.Valid(value) {
		return fmt.Errorf("%w: record value is not valid JSON", storage.ErrInvalidInput)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Wrap("sqlite: begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowContext(ctx, `
		SELECT turn_index FROM thread_records
		WHERE id = ? AND tenant_id = ? AND agent_id = ? AND session_id = ?`,
		rec.ID, s.scope.TenantID, s.scope.AgentID, s.scope.SessionID,
	).Scan(&existing)
	switch {
	case err == nil && existing == rec.TurnIndex:
		return nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return storage.Wrap("sqlite: check replayed append", err)
	}

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(turn_index) FROM thread_records
		WHERE tenant_id = ? AND agent_id = ? AND session_id = ?`,
		s.scope.TenantID, s.scope.AgentID, s.scope.SessionID,
	).Scan(&last)
	if err != nil {
		return storage.Wrap("sqlite: read last turn", err)
	}
	if last.Valid && rec.TurnIndex <= last.Int64 {
		return fmt.Errorf("%w: turn %d is not after turn %d", storage.ErrOutOfOrderTurn, rec.TurnIndex, last.Int64)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO thread_records (id, tenant_id, agent_id, session_id, turn_index, key, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.AgentID, rec.SessionID, rec.TurnIndex, rec.Key, string(value), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return storage.Wrap("sqlite: insert thread record", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.Wrap("sqlite: commit append", err)
	}
	return nil
}

// ReadRecent returns up to n of the session's latest records, oldest first.
func (s *ThreadStore) ReadRecent(ctx context.Context, n int) ([]types.ThreadRecord, error) {
	if err := s.CheckOpen(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []types.ThreadRecord{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_index, key, value, created_at FROM thread_records
		WHERE tenant_id = ? AND agent_id = ? AND session_id = ?
		ORDER BY turn_index DESC
		LIMIT ?`,
		s.scope.TenantID, s.scope.AgentID, s.scope.SessionID, n,
	)
	if err != nil {
		return nil, storage.Wrap("sqlite: read recent", err)
	}
	defer rows.Close()

	var out []types.ThreadRecord
	for rows.Next() {
		var (
			rec     types.ThreadRecord
			value   string
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.TurnIndex, &rec.Key, &value, &created); err != nil {
			return nil, storage.Wrap("sqlite: scan thread record", err)
		}
		rec.TenantID = s.scope.TenantID
		rec.AgentID = s.scope.AgentID
		rec.SessionID = s.scope.SessionID
		rec.Value = json.RawMessage(value)
		rec.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("sqlite: iterate thread records", err)
	}

	// Rows came back newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []types.ThreadRecord{}
	}
	return out, nil
}

// LastTurn returns the highest turn index written to the session.
func (s *ThreadStore) LastTurn(ctx context.Context) (int64, bool, error) {
	if err := s.CheckOpen(); err != nil {
		return 0, false, err
	}
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(turn_index) FROM thread_records
		WHERE tenant_id = ? AND agent_id = ? AND session_id = ?`,
		s.scope.TenantID, s.scope.AgentID, s.scope.SessionID,
	).Scan(&last)
	if err != nil {
		return 0, false, storage.Wrap("sqlite: last turn", err)
	}
	return last.Int64, last.Valid, nil
}
