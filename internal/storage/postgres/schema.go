package postgres

// Schema creates the thread and semantic tables. Embeddings are always kept
// in a REAL[] column so the store works without the pgvector extension.
const Schema = `
CREATE TABLE IF NOT EXISTS thread_records (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    agent_id    TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    turn_index  BIGINT NOT NULL,
    key         TEXT NOT NULL,
    value       JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    UNIQUE (tenant_id, agent_id, session_id, turn_index)
);

CREATE TABLE IF NOT EXISTS semantic_records (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    agent_id    TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    session_id  TEXT NOT NULL DEFAULT '',
    content     TEXT NOT NULL,
    embedding   REAL[],
    dimension   INTEGER NOT NULL DEFAULT 0,
    metadata    JSONB,
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_semantic_scope_created
    ON semantic_records (tenant_id, agent_id, user_id, created_at DESC);
`

// MigrationPgvector adds the pgvector column. It is only applied when the
// vector extension is available and is safe to run repeatedly.
const MigrationPgvector = `
ALTER TABLE semantic_records ADD COLUMN IF NOT EXISTS embedding_vec vector;
`
