// Package audit implements the broker's write-only operator audit log
// (expansion, SPEC_FULL.md §3): one row per locally-terminated `shell`
// invocation, `rename-session` write-through, and slot create/destroy.
// It is never read back by the broker — the stateless-across-restarts
// invariant of spec.md §6.4 governs session/slot state only, not this
// out-of-band log. Grounded in the teacher's internal/store/sqlite.go
// (DSN, pragmas, connection pool, and its SQLITE_BUSY/locked retry check).
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Logger is the write-only audit sink. A nil *Logger is valid and every
// method on it is a no-op — the broker must keep working with no audit
// log at all (e.g. a read-only filesystem), per SPEC_FULL.md §3.
type Logger struct {
	db *sql.DB
}

// Open creates (or opens) the audit database at dbPath in WAL mode,
// the same pragmas as the teacher's store.NewSQLite. Failure is
// returned to the caller, who is expected to log and continue with a
// nil *Logger rather than fail broker startup. An empty dbPath disables
// the log: Open returns a nil *Logger and no error.
func Open(dbPath string) (*Logger, error) {
	if dbPath == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping audit log: %w", err)
	}

	l := &Logger{db: db}
	if err := l.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}
	return l, nil
}

func (l *Logger) initSchema() error {
	const schema = `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS shell_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slot_id TEXT NOT NULL,
		cwd TEXT NOT NULL,
		command TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS rename_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slot_id TEXT NOT NULL,
		title TEXT NOT NULL,
		ok INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS slot_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slot_id TEXT NOT NULL,
		cwd TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close releases the underlying database handle. Safe to call on a
// nil *Logger.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}

// LogShell records one `shell` RPC invocation, retrying once on a
// SQLITE_BUSY/locked error — the same retry idiom as the teacher's
// container/ttl.go — before giving up and logging the failure.
func (l *Logger) LogShell(slotID, cwd, command string, exitCode int, durationMs int64) {
	if l == nil {
		return
	}
	l.exec(`INSERT INTO shell_events (slot_id, cwd, command, exit_code, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		slotID, cwd, command, exitCode, durationMs, time.Now().Unix())
}

// LogRename records one rename-session write-through attempt.
func (l *Logger) LogRename(slotID, title string, ok bool) {
	if l == nil {
		return
	}
	l.exec(`INSERT INTO rename_events (slot_id, title, ok, created_at) VALUES (?, ?, ?, ?)`,
		slotID, title, ok, time.Now().Unix())
}

// LogSlotEvent records a slot create/destroy event. kind is typically
// "create" or "destroy".
func (l *Logger) LogSlotEvent(slotID, cwd, kind string) {
	if l == nil {
		return
	}
	l.exec(`INSERT INTO slot_events (slot_id, cwd, kind, created_at) VALUES (?, ?, ?, ?)`,
		slotID, cwd, kind, time.Now().Unix())
}

func (l *Logger) exec(query string, args ...any) {
	_, err := l.db.Exec(query, args...)
	if err == nil {
		return
	}
	if isSQLiteConflict(err) {
		time.Sleep(50 * time.Millisecond)
		if _, retryErr := l.db.Exec(query, args...); retryErr == nil {
			return
		}
	}
	slog.Debug("audit log write failed, continuing without it", "error", err)
}

// isSQLiteConflict reports whether err is a SQLITE_BUSY or "database is
// locked" error — the two concurrency errors modernc.org/sqlite surfaces
// when another connection holds the write lock, both worth one retry
// given the audit log's single-connection pool (db.SetMaxOpenConns(1)
// above already serializes this process's own writers).
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
