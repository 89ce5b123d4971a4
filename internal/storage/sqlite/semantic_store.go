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

// SemanticStore is a semantic collection handle bound to one
// (tenant, agent, user). Similarity is computed in Go over the scope's
// embedded rows since SQLite has no vector index.
type SemanticStore struct {
	storage.HandleState
	db    *sql.DB
	scope types.Scope
}

const semanticColumns = `id, session_id, content, embedding, dimension, metadata, created_at`

// Scope returns the scope the handle is bound to.
func (s *SemanticStore) Scope() types.Scope { return s.scope }

// Close releases the handle. The shared connection stays open.
func (s *SemanticStore) Close() error {
	s.MarkClosed()
	return nil
}

// Insert stores rec. A record without an embedding is stored with a NULL
// embedding and can be backfilled later. Inserting an id that already
// exists is a no-op.
func (s *SemanticStore) Insert(ctx context.Context, rec *types.SemanticRecord) error {
	if err := s.CheckOpen(); err != nil {
		return err
	}
	if err := storage.CheckSemanticRecord(s.scope, rec); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	metadata, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	var blob interface{} // NULL until an embedding exists
	if rec.HasEmbedding() {
		blob = encodeEmbedding(rec.Embedding)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO semantic_records (id, tenant_id, agent_id, user_id, session_id, content, embedding, dimension, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.TenantID, rec.AgentID, rec.UserID, rec.SessionID, rec.Content,
		blob, len(rec.Embedding), metadata, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return storage.Wrap("sqlite: insert semantic record", err)
	}
	return nil
}

// BackfillEmbedding sets the embedding of an existing record.
func (s *SemanticStore) BackfillEmbedding(ctx context.Context, id string, embedding []float32) error {
	if err := s.CheckOpen(); err != nil {
		return err
	}
	if id == "" || len(embedding) == 0 {
		return fmt.Errorf("%w: id and embedding are required", storage.ErrInvalidInput)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE semantic_records SET embedding = ?, dimension = ?
		WHERE id = ? AND tenant_id = ? AND agent_id = ? AND user_id = ?`,
		encodeEmbedding(embedding), len(embedding),
		id, s.scope.TenantID, s.scope.AgentID, s.scope.UserID,
	)
	if err != nil {
		return storage.Wrap("sqlite: backfill embedding", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Wrap("sqlite: backfill embedding", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Get returns one record of the scope by id.
func (s *SemanticStore) Get(ctx context.Context, id string) (*types.SemanticRecord, error) {
	if err := s.CheckOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+semanticColumns+` FROM semantic_records
		WHERE id = ? AND tenant_id = ? AND agent_id = ? AND user_id = ?`,
		id, s.scope.TenantID, s.scope.AgentID, s.scope.UserID,
	)
	rec, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// HasEmbeddings reports whether any record of the scope carries an embedding.
func (s *SemanticStore) HasEmbeddings(ctx context.Context) (bool, error) {
	if err := s.CheckOpen(); err != nil {
		return false, err
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM semantic_records
			WHERE tenant_id = ? AND agent_id = ? AND user_id = ? AND embedding IS NOT NULL
		)`,
		s.scope.TenantID, s.scope.AgentID, s.scope.UserID,
	).Scan(&exists)
	if err != nil {
		return false, storage.Wrap("sqlite: has embeddings", err)
	}
	return exists == 1, nil
}

// SimilaritySearch ranks the scope's embedded records by cosine similarity.
func (s *SemanticStore) SimilaritySearch(ctx context.Context, vector []float32, limit int) ([]types.ScoredRecord, error) {
	if err := s.CheckOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []types.ScoredRecord{}, nil
	}

	records, err := s.query(ctx, `
		SELECT `+semanticColumns+` FROM semantic_records
		WHERE tenant_id = ? AND agent_id = ? AND user_id = ? AND embedding IS NOT NULL`,
		s.scope.TenantID, s.scope.AgentID, s.scope.UserID,
	)
	if err != nil {
		return nil, err
	}
	return storage.RankBySimilarity(vector, records, limit)
}

// Recent returns the scope's newest records, with or without embeddings.
func (s *SemanticStore) Recent(ctx context.Context, limit int) ([]types.SemanticRecord, error) {
	if err := s.CheckOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []types.SemanticRecord{}, nil
	}
	records, err := s.query(ctx, `
		SELECT `+semanticColumns+` FROM semantic_records
		WHERE tenant_id = ? AND agent_id = ? AND user_id = ?
		ORDER BY created_at DESC, id ASC
		LIMIT ?`,
		s.scope.TenantID, s.scope.AgentID, s.scope.UserID, limit,
	)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []types.SemanticRecord{}
	}
	return records, nil
}

func (s *SemanticStore) query(ctx context.Context, query string, args ...interface{}) ([]types.SemanticRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Wrap("sqlite: query semantic records", err)
	}
	defer rows.Close()

	var out []types.SemanticRecord
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("sqlite: iterate semantic records", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SemanticStore) scan(row rowScanner) (*types.SemanticRecord, error) {
	var (
		rec       types.SemanticRecord
		blob      []byte
		dimension int
		metadata  sql.NullString
		created   int64
	)
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Content, &blob, &dimension, &metadata, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storage.Wrap("sqlite: scan semantic record", err)
	}

	embedding, err := decodeEmbedding(blob, dimension)
	if err != nil {
		return nil, fmt.Errorf("sqlite: record %s: %w", rec.ID, err)
	}
	rec.Embedding = embedding

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: record %s metadata: %w", rec.ID, err)
		}
	}

	rec.TenantID = s.scope.TenantID
	rec.AgentID = s.scope.AgentID
	rec.UserID = s.scope.UserID
	rec.CreatedAt = time.Unix(0, created).UTC()
	return &rec, nil
}

func marshalMetadata(md map[string]interface{}) (sql.NullString, error) {
	if len(md) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("%w: metadata is not serializable: %v", storage.ErrInvalidInput, err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
