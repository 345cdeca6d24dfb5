package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"moat/pkg/protocol"
	"moat/pkg/sanitize"
)

// Store manages open events, links, and transcript cursors. All multi-row
// operations run in a transaction; readers never see partial writes.
type Store struct {
	db  *sql.DB
	now func() int64
}

// NewStore creates a Store backed by the given SQLite database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() int64 { return time.Now().Unix() }}
}

// InsertOpenEvent records an INPUT event awaiting its OUTPUT and, when
// linkKey is non-empty, its pairing link, atomically.
func (s *Store) InsertOpenEvent(ctx context.Context, ev protocol.OpenEvent, linkKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &protocol.StateError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO open_events
		 (event_id, event_class, session_id, hook_name, input_content, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, string(ev.Class), ev.SessionID, ev.HookName,
		ev.InputContent, sanitize.JSONString(ev.Metadata), s.now(),
	)
	if err != nil {
		return &protocol.StateError{Op: "insert open_event", Err: err}
	}

	if linkKey != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO links (session_id, link_key, event_id, created_at)
			 VALUES (?, ?, ?, ?)`,
			ev.SessionID, linkKey, ev.EventID, s.now(),
		)
		if err != nil {
			return &protocol.StateError{Op: "insert link", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &protocol.StateError{Op: "commit", Err: err}
	}
	return nil
}

// GetOpenEvent returns the open event with the given id, or nil when none.
func (s *Store) GetOpenEvent(ctx context.Context, eventID string) (*protocol.OpenEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, event_class, session_id, hook_name, input_content, metadata_json, created_at
		 FROM open_events WHERE event_id = ?`, eventID)
	ev, err := scanOpenEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &protocol.StateError{Op: "get open_event", Err: err}
	}
	return ev, nil
}

// CloseOpenEvent removes an open event and every link pointing at it.
func (s *Store) CloseOpenEvent(ctx context.Context, eventID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &protocol.StateError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM open_events WHERE event_id = ?`, eventID); err != nil {
		return &protocol.StateError{Op: "delete open_event", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE event_id = ?`, eventID); err != nil {
		return &protocol.StateError{Op: "delete links", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &protocol.StateError{Op: "commit", Err: err}
	}
	return nil
}

// GetLink returns the event_id a (session, link_key) pair maps to, "" when
// the link is absent.
func (s *Store) GetLink(ctx context.Context, sessionID, linkKey string) (string, error) {
	var eventID string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id FROM links WHERE session_id = ? AND link_key = ?`,
		sessionID, linkKey).Scan(&eventID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &protocol.StateError{Op: "get link", Err: err}
	}
	return eventID, nil
}

// PopLink retrieves and deletes a link in one transaction.
func (s *Store) PopLink(ctx context.Context, sessionID, linkKey string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &protocol.StateError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	var eventID string
	err = tx.QueryRowContext(ctx,
		`SELECT event_id FROM links WHERE session_id = ? AND link_key = ?`,
		sessionID, linkKey).Scan(&eventID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &protocol.StateError{Op: "pop link", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM links WHERE session_id = ? AND link_key = ?`, sessionID, linkKey); err != nil {
		return "", &protocol.StateError{Op: "delete link", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", &protocol.StateError{Op: "commit", Err: err}
	}
	return eventID, nil
}

// DrainSession retrieves and deletes every open event and link for a session
// atomically. Used on block and on session end so no event is left open.
func (s *Store) DrainSession(ctx context.Context, sessionID string) ([]protocol.OpenEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &protocol.StateError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT event_id, event_class, session_id, hook_name, input_content, metadata_json, created_at
		 FROM open_events WHERE session_id = ? ORDER BY created_at, event_id`, sessionID)
	if err != nil {
		return nil, &protocol.StateError{Op: "drain select", Err: err}
	}
	var events []protocol.OpenEvent
	for rows.Next() {
		ev, err := scanOpenEvent(rows)
		if err != nil {
			rows.Close()
			return nil, &protocol.StateError{Op: "drain scan", Err: err}
		}
		events = append(events, *ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &protocol.StateError{Op: "drain iterate", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM open_events WHERE session_id = ?`, sessionID); err != nil {
		return nil, &protocol.StateError{Op: "drain delete events", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE session_id = ?`, sessionID); err != nil {
		return nil, &protocol.StateError{Op: "drain delete links", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &protocol.StateError{Op: "commit", Err: err}
	}
	return events, nil
}

// Cursor returns the last emitted turn index for (session, transcript path),
// -1 when no cursor exists yet.
func (s *Store) Cursor(ctx context.Context, sessionID, transcriptPath string) (int, error) {
	var idx int
	err := s.db.QueryRowContext(ctx,
		`SELECT last_turn_idx FROM transcript_cursors WHERE session_id = ? AND transcript_path = ?`,
		sessionID, transcriptPath).Scan(&idx)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, &protocol.StateError{Op: "get cursor", Err: err}
	}
	return idx, nil
}

// SetCursor records the last emitted turn index. Indices only move forward;
// a smaller index than the stored one is ignored.
func (s *Store) SetCursor(ctx context.Context, sessionID, transcriptPath string, idx int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript_cursors (session_id, transcript_path, last_turn_idx, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, transcript_path)
		 DO UPDATE SET last_turn_idx = MAX(last_turn_idx, excluded.last_turn_idx),
		               updated_at = excluded.updated_at`,
		sessionID, transcriptPath, idx, s.now(),
	)
	if err != nil {
		return &protocol.StateError{Op: "set cursor", Err: err}
	}
	return nil
}

// ClearCursors removes every transcript cursor for a session.
func (s *Store) ClearCursors(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM transcript_cursors WHERE session_id = ?`, sessionID); err != nil {
		return &protocol.StateError{Op: "clear cursors", Err: err}
	}
	return nil
}

// PruneStale removes open events (with their links) and cursors older than
// ttl. Invoked opportunistically on each invocation.
func (s *Store) PruneStale(ctx context.Context, ttl time.Duration) error {
	threshold := s.now() - int64(ttl.Seconds())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &protocol.StateError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM links WHERE event_id IN
		   (SELECT event_id FROM open_events WHERE created_at < ?)`, threshold); err != nil {
		return &protocol.StateError{Op: "prune links", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM open_events WHERE created_at < ?`, threshold); err != nil {
		return &protocol.StateError{Op: "prune open_events", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM transcript_cursors WHERE updated_at < ?`, threshold); err != nil {
		return &protocol.StateError{Op: "prune cursors", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &protocol.StateError{Op: "commit", Err: err}
	}
	return nil
}

// SessionCounts summarizes stored rows for one session, for inspection
// tooling.
type SessionCounts struct {
	SessionID  string
	OpenEvents int
	Links      int
	Cursors    int
}

// CountsBySession aggregates row counts per session across all three tables.
func (s *Store) CountsBySession(ctx context.Context) ([]SessionCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id,
		       SUM(open_events) AS open_events,
		       SUM(links) AS links,
		       SUM(cursors) AS cursors
		FROM (
			SELECT session_id, 1 AS open_events, 0 AS links, 0 AS cursors FROM open_events
			UNION ALL
			SELECT session_id, 0, 1, 0 FROM links
			UNION ALL
			SELECT session_id, 0, 0, 1 FROM transcript_cursors
		)
		GROUP BY session_id ORDER BY session_id`)
	if err != nil {
		return nil, &protocol.StateError{Op: "counts", Err: err}
	}
	defer rows.Close()

	var counts []SessionCounts
	for rows.Next() {
		var c SessionCounts
		if err := rows.Scan(&c.SessionID, &c.OpenEvents, &c.Links, &c.Cursors); err != nil {
			return nil, &protocol.StateError{Op: "counts scan", Err: err}
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &protocol.StateError{Op: "counts iterate", Err: err}
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOpenEvent(row rowScanner) (*protocol.OpenEvent, error) {
	var ev protocol.OpenEvent
	var class, metadataJSON string
	if err := row.Scan(&ev.EventID, &class, &ev.SessionID, &ev.HookName,
		&ev.InputContent, &metadataJSON, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Class = protocol.EventClass(class)
	if metadataJSON != "" {
		var metadata map[string]any
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err == nil {
			ev.Metadata = metadata
		}
	}
	if ev.Metadata == nil {
		ev.Metadata = map[string]any{}
	}
	return &ev, nil
}

// SetNowFunc overrides the store clock.
//
//moat:testonly
func (s *Store) SetNowFunc(now func() int64) {
	s.now = now
}
