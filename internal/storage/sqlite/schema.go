package sqlite

// Schema creates the thread and semantic tables. Timestamps are stored as
// unix nanoseconds so ordering never depends on driver time formatting.
const Schema = `
CREATE TABLE IF NOT EXISTS thread_records (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	agent_id    TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	turn_index  INTEGER NOT NULL,
	key         TEXT NOT NULL,
	value       TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	UNIQUE (tenant_id, agent_id, session_id, turn_index)
);

CREATE TABLE IF NOT EXISTS semantic_records (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	agent_id    TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	embedding   BLOB,
	dimension   INTEGER NOT NULL DEFAULT 0,
	metadata    TEXT,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_semantic_scope_created
	ON semantic_records (tenant_id, agent_id, user_id, created_at DESC);
`
