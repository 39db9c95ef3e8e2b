package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ListSessions returns one aggregated row per run, newest activity first.
// The session key shown is the most recent non-null key recorded for the run.
func (s *Store) ListSessions() ([]SessionRow, error) {
	rows, err := s.db.Query(`
		SELECT
			e.run_id,
			(SELECT e2.session_key FROM events e2
			 WHERE e2.run_id = e.run_id AND e2.session_key IS NOT NULL
			 ORDER BY e2.id DESC LIMIT 1) AS session_key,
			MIN(e.ts) AS start_time,
			MAX(e.ts) AS last_activity,
			COUNT(*) AS event_count,
			SUM(CASE WHEN json_extract(e.data, '$.type') = 'llm_input' THEN 1 ELSE 0 END) AS llm_inputs,
			SUM(CASE WHEN json_extract(e.data, '$.type') = 'llm_output' THEN 1 ELSE 0 END) AS llm_outputs,
			MAX(e.is_fork) AS is_fork,
			MAX(COALESCE(e.forked_from_run_id, '')) AS forked_from
		FROM events e
		GROUP BY e.run_id
		ORDER BY last_activity DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []SessionRow
	for rows.Next() {
		var row SessionRow
		var sessionKey sql.NullString
		var isFork int
		if err := rows.Scan(
			&row.RunID, &sessionKey, &row.StartTime, &row.LastActivity,
			&row.EventCount, &row.LLMInputCount, &row.LLMOutputCount,
			&isFork, &row.ForkedFromRunID,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		row.SessionKey = sessionKey.String
		row.IsFork = isFork != 0
		sessions = append(sessions, row)
	}
	return sessions, rows.Err()
}

// ListTracesBySessionID resolves id as a session_key first (events from every
// run sharing the key), then as a run_id. Events come back ordered by
// (ts, seq).
func (s *Store) ListTracesBySessionID(id string) ([]Event, error) {
	events, err := s.queryEvents(`
		SELECT id, run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id, created_at
		FROM events WHERE session_key = ? ORDER BY ts ASC, seq ASC`, id)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		return events, nil
	}
	return s.queryEvents(`
		SELECT id, run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id, created_at
		FROM events WHERE run_id = ? ORDER BY ts ASC, seq ASC`, id)
}

// EventsForRun returns the run's events in (ts, seq) order.
func (s *Store) EventsForRun(runID string) ([]Event, error) {
	return s.queryEvents(`
		SELECT id, run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id, created_at
		FROM events WHERE run_id = ? ORDER BY ts ASC, seq ASC`, runID)
}

// EventsForRunBefore returns the run's events with seq strictly below maxSeq.
func (s *Store) EventsForRunBefore(runID string, maxSeq int64) ([]Event, error) {
	return s.queryEvents(`
		SELECT id, run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id, created_at
		FROM events WHERE run_id = ? AND seq < ? ORDER BY ts ASC, seq ASC`, runID, maxSeq)
}

// RecentLifecycleEventsForSession returns up to limit lifecycle events for the
// session, newest first. Used as the last resort of delivery hint derivation.
func (s *Store) RecentLifecycleEventsForSession(sessionKey string, limit int) ([]Event, error) {
	return s.queryEvents(`
		SELECT id, run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id, created_at
		FROM events WHERE session_key = ? AND stream = 'lifecycle'
		ORDER BY ts DESC, seq DESC LIMIT ?`, sessionKey, limit)
}

func (s *Store) queryEvents(query string, args ...any) ([]Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var event Event
		var sessionKey, forkedFrom sql.NullString
		var data string
		var isFork int
		if err := rows.Scan(
			&event.ID, &event.RunID, &sessionKey, &event.Seq, &event.Stream,
			&event.TS, &data, &isFork, &forkedFrom, &event.CreatedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.SessionKey = sessionKey.String
		event.ForkedFromRunID = forkedFrom.String
		event.Data = []byte(data)
		event.IsFork = isFork != 0
		events = append(events, event)
	}
	return events, rows.Err()
}

// ListSnapshotsBySessionID resolves id the same way ListTracesBySessionID
// does: session_key first, then run_id.
func (s *Store) ListSnapshotsBySessionID(id string) ([]Snapshot, error) {
	snapshots, err := s.querySnapshots(`
		SELECT id, run_id, seq, tool_name, file_path, content_before, content_after, existed_before, exists_after, created_at
		FROM file_snapshots
		WHERE run_id IN (SELECT DISTINCT run_id FROM events WHERE session_key = ?)
		ORDER BY run_id ASC, seq ASC, id ASC`, id)
	if err != nil {
		return nil, err
	}
	if len(snapshots) > 0 {
		return snapshots, nil
	}
	return s.querySnapshots(`
		SELECT id, run_id, seq, tool_name, file_path, content_before, content_after, existed_before, exists_after, created_at
		FROM file_snapshots WHERE run_id = ? ORDER BY seq ASC, id ASC`, id)
}

// SnapshotsUpTo returns the run's snapshots with seq <= targetSeq, seq
// ascending. The rewind engine picks the earliest snapshot per file from it.
func (s *Store) SnapshotsUpTo(runID string, targetSeq int64) ([]Snapshot, error) {
	return s.querySnapshots(`
		SELECT id, run_id, seq, tool_name, file_path, content_before, content_after, existed_before, exists_after, created_at
		FROM file_snapshots WHERE run_id = ? AND seq <= ? ORDER BY seq ASC, id ASC`, runID, targetSeq)
}

func (s *Store) querySnapshots(query string, args ...any) ([]Snapshot, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshots []Snapshot
	for rows.Next() {
		var snap Snapshot
		var before, after sql.NullString
		var existedBefore int
		var existsAfter sql.NullInt64
		if err := rows.Scan(
			&snap.ID, &snap.RunID, &snap.Seq, &snap.ToolName, &snap.FilePath,
			&before, &after, &existedBefore, &existsAfter, &snap.CreatedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if before.Valid {
			snap.ContentBefore = &before.String
		}
		if after.Valid {
			snap.ContentAfter = &after.String
		}
		snap.ExistedBefore = existedBefore != 0
		if existsAfter.Valid {
			exists := existsAfter.Int64 != 0
			snap.ExistsAfter = &exists
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// InsertSnapshotStart records the before image captured at tool start.
func (s *Store) InsertSnapshotStart(runID string, seq int64, toolName, filePath string, contentBefore *string, existedBefore bool) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO file_snapshots (run_id, seq, tool_name, file_path, content_before, existed_before, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, toolName, filePath, nullStringPtr(contentBefore), boolInt(existedBefore), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot start: %w", err)
	}
	return res.LastInsertId()
}

// UpdateSnapshotEnd fills the after image on the most recent open start row
// for (runID, filePath). Returns false when no open row exists.
func (s *Store) UpdateSnapshotEnd(runID, filePath string, contentAfter *string, existsAfter bool) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE file_snapshots SET content_after = ?, exists_after = ?
		WHERE id = (
			SELECT id FROM file_snapshots
			WHERE run_id = ? AND file_path = ? AND content_after IS NULL
			ORDER BY id DESC LIMIT 1
		)`,
		nullStringPtr(contentAfter), boolInt(existsAfter), runID, filePath,
	)
	if err != nil {
		return false, fmt.Errorf("update snapshot end: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update snapshot end: %w", err)
	}
	return affected > 0, nil
}

// InsertSnapshotWholeFile records a before and after image in one row, used
// for config and setup file change observations.
func (s *Store) InsertSnapshotWholeFile(runID string, seq int64, toolName, filePath string, contentBefore, contentAfter *string, existedBefore, existsAfter bool) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO file_snapshots (run_id, seq, tool_name, file_path, content_before, content_after, existed_before, exists_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, toolName, filePath, nullStringPtr(contentBefore), nullStringPtr(contentAfter),
		boolInt(existedBefore), boolInt(existsAfter), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert whole-file snapshot: %w", err)
	}
	return res.LastInsertId()
}

// LineageRow reconstructs one run's lineage facts from persisted events.
type LineageRow struct {
	RunID           string
	IsFork          bool
	ForkedFromRunID string
	SessionKey      string
	HasForkInfo     bool
}

// LineageRows rebuilds the in-memory lineage map from the events table.
func (s *Store) LineageRows() ([]LineageRow, error) {
	rows, err := s.db.Query(`
		SELECT
			e.run_id,
			MAX(e.is_fork),
			MAX(COALESCE(e.forked_from_run_id, '')),
			(SELECT e2.session_key FROM events e2
			 WHERE e2.run_id = e.run_id AND e2.session_key IS NOT NULL
			 ORDER BY e2.id DESC LIMIT 1),
			SUM(CASE WHEN e.stream = 'fork_info' THEN 1 ELSE 0 END)
		FROM events e
		GROUP BY e.run_id
		ORDER BY MIN(e.id) ASC`)
	if err != nil {
		return nil, fmt.Errorf("list lineage rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var lineage []LineageRow
	for rows.Next() {
		var row LineageRow
		var sessionKey sql.NullString
		var isFork int
		var forkInfoCount int64
		if err := rows.Scan(&row.RunID, &isFork, &row.ForkedFromRunID, &sessionKey, &forkInfoCount); err != nil {
			return nil, fmt.Errorf("scan lineage row: %w", err)
		}
		row.IsFork = isFork != 0
		row.SessionKey = sessionKey.String
		row.HasForkInfo = forkInfoCount > 0
		lineage = append(lineage, row)
	}
	return lineage, rows.Err()
}

func nullStringPtr(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
