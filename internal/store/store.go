package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Event is the canonical record of a single tracer observation.
type Event struct {
	ID              int64           `json:"id"`
	RunID           string          `json:"run_id"`
	SessionKey      string          `json:"session_key,omitempty"`
	Seq             int64           `json:"seq"`
	Stream          string          `json:"stream"`
	TS              int64           `json:"ts"`
	Data            json.RawMessage `json:"data"`
	IsFork          bool            `json:"is_fork"`
	ForkedFromRunID string          `json:"forked_from_run_id,omitempty"`
	CreatedAtMs     int64           `json:"created_at"`
}

// Snapshot captures a file's content around a file-modifying observation.
type Snapshot struct {
	ID            int64   `json:"id"`
	RunID         string  `json:"run_id"`
	Seq           int64   `json:"seq"`
	ToolName      string  `json:"tool_name"`
	FilePath      string  `json:"file_path"`
	ContentBefore *string `json:"content_before"`
	ContentAfter  *string `json:"content_after"`
	ExistedBefore bool    `json:"existed_before"`
	ExistsAfter   *bool   `json:"exists_after"`
	CreatedAtMs   int64   `json:"created_at"`
}

// SessionRow is one aggregated row per run for the sessions listing.
type SessionRow struct {
	RunID           string `json:"run_id"`
	SessionKey      string `json:"session_key,omitempty"`
	StartTime       int64  `json:"start_time"`
	LastActivity    int64  `json:"last_activity"`
	EventCount      int64  `json:"event_count"`
	LLMInputCount   int64  `json:"llm_input_count"`
	LLMOutputCount  int64  `json:"llm_output_count"`
	IsFork          bool   `json:"is_fork"`
	ForkedFromRunID string `json:"forked_from_run_id,omitempty"`
}

// Store is the embedded relational store for events and file snapshots.
// The sqlite handle is safe for concurrent use; writes serialize on the
// database lock.
type Store struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    session_key TEXT,
    seq INTEGER NOT NULL,
    stream TEXT NOT NULL,
    ts INTEGER NOT NULL,
    data TEXT NOT NULL,
    is_fork INTEGER NOT NULL DEFAULT 0,
    forked_from_run_id TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_key);

CREATE TABLE IF NOT EXISTS file_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    tool_name TEXT NOT NULL,
    file_path TEXT NOT NULL,
    content_before TEXT,
    content_after TEXT,
    existed_before INTEGER NOT NULL DEFAULT 0,
    exists_after INTEGER,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_run_seq ON file_snapshots(run_id, seq);
`

// Open opens (creating if needed) the sqlite store at path with WAL
// journaling. The database file is restricted to the owning user.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("restrict store permissions: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertEvent appends one event and returns its row id.
func (s *Store) InsertEvent(event *Event) (int64, error) {
	if event.CreatedAtMs == 0 {
		event.CreatedAtMs = time.Now().UnixMilli()
	}
	res, err := s.db.Exec(`
		INSERT INTO events (run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullString(event.SessionKey), event.Seq, event.Stream, event.TS,
		string(event.Data), boolInt(event.IsFork), nullString(event.ForkedFromRunID), event.CreatedAtMs,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert event id: %w", err)
	}
	event.ID = id
	return id, nil
}

// InsertEventsAtomic appends a batch of events in a single transaction. Used
// for fork placeholder writes, which must be all-or-nothing.
func (s *Store) InsertEventsAtomic(events []*Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin placeholder tx: %w", err)
	}
	for _, event := range events {
		if event.CreatedAtMs == 0 {
			event.CreatedAtMs = time.Now().UnixMilli()
		}
		res, err := tx.Exec(`
			INSERT INTO events (run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.RunID, nullString(event.SessionKey), event.Seq, event.Stream, event.TS,
			string(event.Data), boolInt(event.IsFork), nullString(event.ForkedFromRunID), event.CreatedAtMs,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert placeholder event seq %d: %w", event.Seq, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			event.ID = id
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit placeholder tx: %w", err)
	}
	return nil
}

// MarkRunAsFork back-fills the lineage stamp on every existing row of runID.
func (s *Store) MarkRunAsFork(runID, forkedFromRunID string) error {
	_, err := s.db.Exec(
		`UPDATE events SET is_fork = 1, forked_from_run_id = ? WHERE run_id = ?`,
		forkedFromRunID, runID,
	)
	if err != nil {
		return fmt.Errorf("mark run %s as fork: %w", runID, err)
	}
	return nil
}

// EventCountForRun returns how many events are stored for runID.
func (s *Store) EventCountForRun(runID string) (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id = ?`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events for run %s: %w", runID, err)
	}
	return count, nil
}

// RunHasForkInfo reports whether runID carries a fork_info event.
func (s *Store) RunHasForkInfo(runID string) (bool, error) {
	var count int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE run_id = ? AND stream = 'fork_info'`, runID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check fork_info for run %s: %w", runID, err)
	}
	return count > 0, nil
}

// LatestSessionKey returns the most recent non-null session_key for runID,
// or "" when none is recorded.
func (s *Store) LatestSessionKey(runID string) (string, error) {
	var key sql.NullString
	err := s.db.QueryRow(`
		SELECT session_key FROM events
		WHERE run_id = ? AND session_key IS NOT NULL
		ORDER BY id DESC LIMIT 1`, runID,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest session key for run %s: %w", runID, err)
	}
	return key.String, nil
}

// MaxSeqForRun returns the highest seq stored for runID, or -1 when the run
// has no events.
func (s *Store) MaxSeqForRun(runID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(seq) FROM events WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq for run %s: %w", runID, err)
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// RunsCreatedAfter lists distinct run ids whose first stored event arrived at
// or after sinceMs. With a non-empty sessionKey the search is limited to that
// session.
func (s *Store) RunsCreatedAfter(sinceMs int64, sessionKey string) ([]string, error) {
	query := `
		SELECT run_id FROM events
		GROUP BY run_id
		HAVING MIN(created_at) >= ?
		ORDER BY MIN(created_at) ASC`
	args := []any{sinceMs}
	if sessionKey != "" {
		query = `
			SELECT run_id FROM events
			WHERE session_key = ?
			GROUP BY run_id
			HAVING MIN(created_at) >= ?
			ORDER BY MIN(created_at) ASC`
		args = []any{sessionKey, sinceMs}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs created after %d: %w", sinceMs, err)
	}
	defer func() { _ = rows.Close() }()

	var runIDs []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		runIDs = append(runIDs, runID)
	}
	return runIDs, rows.Err()
}

// DeleteOlderThan removes events and snapshots older than the given number of
// days and reports how many rows were removed.
func (s *Store) DeleteOlderThan(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()

	events, err := s.db.Exec(`DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	snapshots, err := s.db.Exec(`DELETE FROM file_snapshots WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old snapshots: %w", err)
	}

	total := int64(0)
	if n, err := events.RowsAffected(); err == nil {
		total += n
	}
	if n, err := snapshots.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
