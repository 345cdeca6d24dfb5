package protocol

// SchemaDDL defines the SQLite schema for the moat state database.
// Tables: open_events, links, transcript_cursors.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- INPUT events awaiting their OUTPUT, one row per unclosed event
CREATE TABLE IF NOT EXISTS open_events (
    event_id TEXT PRIMARY KEY,
    event_class TEXT NOT NULL,
    session_id TEXT NOT NULL,
    hook_name TEXT NOT NULL,
    input_content TEXT NOT NULL,
    metadata_json TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_open_events_session ON open_events(session_id);

-- Session-scoped pairing coordinates: (session, link_key) -> event_id
CREATE TABLE IF NOT EXISTS links (
    session_id TEXT NOT NULL,
    link_key TEXT NOT NULL,
    event_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, link_key)
);

CREATE INDEX IF NOT EXISTS idx_links_event ON links(event_id);

-- Last emitted transcript turn per (session, transcript file)
CREATE TABLE IF NOT EXISTS transcript_cursors (
    session_id TEXT NOT NULL,
    transcript_path TEXT NOT NULL,
    last_turn_idx INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, transcript_path)
);
`
