// Package sqlite implements the thread and semantic storage backends on an
// embedded SQLite database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/pkg/types"
)

var (
	_ storage.ThreadBackend   = (*Backend)(nil)
	_ storage.SemanticBackend = (*Backend)(nil)
)

// Backend owns the shared SQLite connection. Scoped handles borrow it.
type Backend struct {
	db     *sql.DB
	logger *zap.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger used for recovery and maintenance messages.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New opens (or creates) the database at dsn with WAL self-healing.
// If the initial open fails due to stale WAL files left behind by a crashed
// process, it verifies no other process holds them and retries once after
// removing the stale -shm/-wal files.
func New(dsn string, opts ...Option) (*Backend, error) {
	b := &Backend{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}

	db, err := openDB(dsn)
	if err != nil {
		if !isRecoverableWALError(err) {
			return nil, err
		}
		dbPath := dbPathFromDSN(dsn)
		if dbPath == "" || !isWALStale(dbPath) {
			return nil, err
		}
		removeStaleWAL(dbPath, b.logger)

		var retryErr error
		db, retryErr = openDB(dsn)
		if retryErr != nil {
			return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
		}
		b.logger.Warn("sqlite: recovered from stale WAL files", zap.String("path", dbPath))
	}

	b.db = db
	return b, nil
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes, which also makes the append check-then-insert atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

// Name implements storage.ThreadBackend and storage.SemanticBackend.
func (b *Backend) Name() string { return "sqlite" }

// DB returns the underlying database connection.
func (b *Backend) DB() *sql.DB { return b.db }

// Close closes the database. Handles opened from this backend stop working.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// OpenThread returns a handle bound to the thread part of scope.
func (b *Backend) OpenThread(scope types.Scope) (storage.ThreadStore, error) {
	if err := storage.RequireSession(scope); err != nil {
		return nil, err
	}
	return &ThreadStore{db: b.db, scope: scope}, nil
}

// OpenSemantic returns a handle bound to the semantic part of scope.
func (b *Backend) OpenSemantic(scope types.Scope) (storage.SemanticStore, error) {
	if err := storage.RequireUser(scope); err != nil {
		return nil, err
	}
	return &SemanticStore{db: b.db, scope: scope}, nil
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN.
// Handles bare paths and file: URIs. Returns empty string for in-memory
// databases or unparseable DSNs.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError matches errors caused by stale WAL files left behind
// after a crash (SIGKILL, OOM).
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for dbPath and no other
// process holds them open. Returns false if lsof is unavailable.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	output, err := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath).Output()
	if err != nil {
		// lsof exits 1 when nothing has the files open.
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string, logger *zap.Logger) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("sqlite: failed to remove stale WAL file", zap.String("path", path), zap.Error(err))
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
