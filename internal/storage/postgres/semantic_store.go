package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/pkg/types"
)

// SemanticStore is a semantic collection handle bound to one
// (tenant, agent, user).
type SemanticStore struct {
	storage.HandleState
	db       *sql.DB
	scope    types.Scope
	pgvector bool
}

const semanticColumns = `id, session_id, content, embedding, metadata, created_at`

// Scope returns the scope the handle is bound to.
func (s *SemanticStore) Scope() types.Scope { return s.scope }

// Close releases the handle. The pool stays open.
func (s *SemanticStore) Close() error {
	s.MarkClosed()
	return nil
}

// Insert stores rec. Without an embedding both vector columns stay NULL.
// Inserting an id that already exists is a no-op.
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

	var metadata interface{}
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("%w: metadata is not serializable: %v", storage.ErrInvalidInput, err)
		}
		metadata = string(b)
	}

	args := []interface{}{
		rec.ID, rec.TenantID, rec.AgentID, rec.UserID, rec.SessionID, rec.Content,
		toArray(rec.Embedding), len(rec.Embedding), metadata, rec.CreatedAt,
	}
	query := `
		INSERT INTO semantic_records (id, tenant_id, agent_id, user_id, session_id, content, embedding, dimension, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`
	if s.pgvector {
		query = `
		INSERT INTO semantic_records (id, tenant_id, agent_id, user_id, session_id, content, embedding, dimension, metadata, created_at, embedding_vec)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`
		args = append(args, toVector(rec.Embedding))
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return storage.Wrap("postgres: insert semantic record", err)
	}
	return nil
}

// BackfillEmbedding sets the embedding of an existing record of the scope.
func (s *SemanticStore) BackfillEmbedding(ctx context.Context, id string, embedding []float32) error {
	if err := s.CheckOpen(); err != nil {
		return err
	}
	if id == "" || len(embedding) == 0 {
		return fmt.Errorf("%w: id and embedding are required", storage.ErrInvalidInput)
	}

	args := []interface{}{toArray(embedding), len(embedding), id, s.scope.TenantID, s.scope.AgentID, s.scope.UserID}
	query := `
		UPDATE semantic_records SET embedding = $1, dimension = $2
		WHERE id = $3 AND tenant_id = $4 AND agent_id = $5 AND user_id = $6`
	if s.pgvector {
		query = `
		UPDATE semantic_records SET embedding = $1, dimension = $2, embedding_vec = $7
		WHERE id = $3 AND tenant_id = $4 AND agent_id = $5 AND user_id = $6`
		args = append(args, toVector(embedding))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storage.Wrap("postgres: backfill embedding", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Wrap("postgres: backfill embedding", err)
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
		WHERE id = $1 AND tenant_id = $2 AND agent_id = $3 AND user_id = $4`,
		id, s.scope.TenantID, s.scope.AgentID, s.scope.UserID,
	)
	rec, err := s.scan(row, nil)
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
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM semantic_records
			WHERE tenant_id = $1 AND agent_id = $2 AND user_id = $3 AND embedding IS NOT NULL
		)`,
		s.scope.TenantID, s.scope.AgentID, s.scope.UserID,
	).Scan(&exists)
	if err != nil {
		return false, storage.Wrap("postgres: has embeddings", err)
	}
	return exists, nil
}

// SimilaritySearch ranks the scope's embedded records by cosine similarity.
// With pgvector the ranking runs in SQL using the <=> distance operator;
// otherwise rows are ranked in process.
func (s *SemanticStore) SimilaritySearch(ctx context.Context, vector []float32, limit int) ([]types.ScoredRecord, error) {
	if err := s.CheckOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []types.ScoredRecord{}, nil
	}
	if err := s.checkDimension(ctx, len(vector)); err != nil {
		return nil, err
	}

	if !s.pgvector {
		records, err := s.query(ctx, `
			SELECT `+semanticColumns+` FROM semantic_records
			WHERE tenant_id = $1 AND agent_id = $2 AND user_id = $3 AND embedding IS NOT NULL`,
			s.scope.TenantID, s.scope.AgentID, s.scope.UserID,
		)
		if err != nil {
			return nil, err
		}
		return storage.RankBySimilarity(vector, records, limit)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+semanticColumns+`, 1 - (embedding_vec <=> $4::vector) AS score
		FROM semantic_records
		WHERE tenant_id = $1 AND agent_id = $2 AND user_id = $3 AND embedding_vec IS NOT NULL
		ORDER BY embedding_vec <=> $4::vector, created_at DESC, id ASC
		LIMIT $5`,
		s.scope.TenantID, s.scope.AgentID, s.scope.UserID, pgvector.NewVector(vector), limit,
	)
	if err != nil {
		return nil, storage.Wrap("postgres: similarity search", err)
	}
	defer func() { _ = rows.Close() }()

	out := []types.ScoredRecord{}
	for rows.Next() {
		var score sql.NullFloat64
		rec, err := s.scan(rows, &score)
		if err != nil {
			return nil, err
		}
		out = append(out, types.ScoredRecord{Record: *rec, Score: score.Float64})
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("postgres: iterate similarity results", err)
	}
	return out, nil
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
		WHERE tenant_id = $1 AND agent_id = $2 AND user_id = $3
		ORDER BY created_at DESC, id ASC
		LIMIT $4`,
		s.scope.TenantID, s.scope.AgentID, s.scope.UserID, limit,
	)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// checkDimension fails when any stored embedding of the scope has a
// different length than the query vector.
func (s *SemanticStore) checkDimension(ctx context.Context, dimension int) error {
	var other int
	err := s.db.QueryRowContext(ctx, `
		SELECT dimension FROM semantic_records
		WHERE tenant_id = $1 AND agent_id = $2 AND user_id = $3
		  AND embedding IS NOT NULL AND dimension <> $4
		LIMIT 1`,
		s.scope.TenantID, s.scope.AgentID, s.scope.UserID, dimension,
	).Scan(&other)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return storage.Wrap("postgres: check dimension", err)
	}
	return fmt.Errorf("%w: query has %d dimensions, stored embedding has %d",
		storage.ErrEmbeddingDimensionMismatch, dimension, other)
}

func (s *SemanticStore) query(ctx context.Context, query string, args ...interface{}) ([]types.SemanticRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Wrap("postgres: query semantic records", err)
	}
	defer func() { _ = rows.Close() }()

	out := []types.SemanticRecord{}
	for rows.Next() {
		rec, err := s.scan(rows, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("postgres: iterate semantic records", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SemanticStore) scan(row rowScanner, score *sql.NullFloat64) (*types.SemanticRecord, error) {
	var (
		rec       types.SemanticRecord
		embedding pq.Float64Array
		metadata  []byte
	)
	dest := []interface{}{&rec.ID, &rec.SessionID, &rec.Content, &embedding, &metadata, &rec.CreatedAt}
	if score != nil {
		dest = append(dest, score)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storage.Wrap("postgres: scan semantic record", err)
	}

	if len(embedding) > 0 {
		rec.Embedding = make([]float32, len(embedding))
		for i, v := range embedding {
			rec.Embedding[i] = float32(v)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: record %s metadata: %w", rec.ID, err)
		}
	}

	rec.TenantID = s.scope.TenantID
	rec.AgentID = s.scope.AgentID
	rec.UserID = s.scope.UserID
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// toArray converts an embedding for the REAL[] column; nil maps to NULL.
func toArray(embedding []float32) interface{} {
	if len(embedding) == 0 {
		return nil
	}
	out := make(pq.Float64Array, len(embedding))
	for i, v := range embedding {
		out[i] = float64(v)
	}
	return out
}

// toVector converts an embedding for the pgvector column; nil maps to NULL.
func toVector(embedding []float32) interface{} {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}
