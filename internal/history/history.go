// Package history implements the SQLite audit log of finalized approvals.
// Uses modernc.org/sqlite (pure Go, no cgo) with WAL mode. The approval core
// never persists anything itself; the daemon appends here after each
// resolution or timeout.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/cmdward/cmdward/internal/approval"
)

// SchemaVersion is the current history schema version.
const SchemaVersion = 1

// DB wraps the SQLite connection for the approval history.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging history database: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var current int
	if err := db.conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := db.conn.Exec(m.up); err != nil {
			return fmt.Errorf("applying migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := db.conn.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
	}
	return nil
}

type migration struct {
	version int
	name    string
	up      string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial_schema",
		up: `
CREATE TABLE IF NOT EXISTS approvals (
  id TEXT NOT NULL,
  command TEXT NOT NULL,
  cwd TEXT,
  host TEXT,
  agent_id TEXT,
  resolved_path TEXT,
  session_key TEXT,
  decision TEXT,
  resolved_by TEXT,
  created_at_ms INTEGER NOT NULL,
  expires_at_ms INTEGER NOT NULL,
  resolved_at_ms INTEGER,
  PRIMARY KEY (id, created_at_ms)
);
CREATE INDEX IF NOT EXISTS idx_approvals_created ON approvals(created_at_ms);
CREATE INDEX IF NOT EXISTS idx_approvals_agent ON approvals(agent_id);
`,
	},
}

// Outcome is one finalized approval as stored in the audit log. Decision is
// empty for requests that expired without an explicit decision.
type Outcome struct {
	ID           string `json:"id"`
	Command      string `json:"command"`
	Cwd          string `json:"cwd,omitempty"`
	Host         string `json:"host,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
	ResolvedPath string `json:"resolvedPath,omitempty"`
	Decision     string `json:"decision,omitempty"`
	ResolvedBy   string `json:"resolvedBy,omitempty"`
	CreatedAtMs  int64  `json:"createdAtMs"`
	ExpiresAtMs  int64  `json:"expiresAtMs"`
	ResolvedAtMs int64  `json:"resolvedAtMs,omitempty"`
}

// TimedOut reports whether the request expired without an explicit decision.
func (o Outcome) TimedOut() bool {
	return o.Decision == ""
}

// Record appends a finalized approval record to the audit log.
func (db *DB) Record(rec *approval.Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var decision string
	if rec.Decision != nil {
		decision = string(*rec.Decision)
	}

	_, err := db.conn.Exec(`
		INSERT INTO approvals (
			id, command, cwd, host, agent_id, resolved_path, session_key,
			decision, resolved_by, created_at_ms, expires_at_ms, resolved_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.Request.Command,
		nullString(rec.Request.Cwd), nullString(rec.Request.Host),
		nullString(rec.Request.AgentID), nullString(rec.Request.ResolvedPath),
		nullString(rec.Request.SessionKey),
		nullString(decision), nullString(rec.ResolvedBy),
		rec.CreatedAtMs, rec.ExpiresAtMs, nullInt(rec.ResolvedAtMs),
	)
	if err != nil {
		return fmt.Errorf("recording approval outcome: %w", err)
	}
	return nil
}

// ListRecent returns the most recent outcomes, newest first.
func (db *DB) ListRecent(limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 50
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(`
		SELECT id, command, cwd, host, agent_id, resolved_path,
		       decision, resolved_by, created_at_ms, expires_at_ms, resolved_at_ms
		FROM approvals
		ORDER BY created_at_ms DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying approval history: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var cwd, host, agent, path, decision, by sql.NullString
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&o.ID, &o.Command, &cwd, &host, &agent, &path,
			&decision, &by, &o.CreatedAtMs, &o.ExpiresAtMs, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scanning approval outcome: %w", err)
		}
		o.Cwd = cwd.String
		o.Host = host.String
		o.AgentID = agent.String
		o.ResolvedPath = path.String
		o.Decision = decision.String
		o.ResolvedBy = by.String
		o.ResolvedAtMs = resolvedAt.Int64
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountByDecision returns outcome counts keyed by decision, with timeouts
// keyed under "timeout".
func (db *DB) CountByDecision() (map[string]int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(`
		SELECT COALESCE(decision, 'timeout'), COUNT(*)
		FROM approvals GROUP BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("counting outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var decision string
		var n int
		if err := rows.Scan(&decision, &n); err != nil {
			return nil, err
		}
		counts[decision] = n
	}
	return counts, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
