package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// TruncateForTest removes all rows from both tables. It lives in a _test
// file so only tests in this directory can reach it.
func (b *Backend) TruncateForTest(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, "TRUNCATE TABLE thread_records, semantic_records")
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate: %w", err)
	}
	return nil
}

// DBForTest exposes the connection pool to tests in this directory.
func (b *Backend) DBForTest() *sql.DB { return b.db }
