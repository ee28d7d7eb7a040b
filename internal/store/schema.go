package store

// schemaDDL is applied once at Store.New, mirroring the teacher's
// idempotent "CREATE TABLE IF NOT EXISTS" pattern in
// internal/queue/sqlite_queue.go. Table and index names follow spec.md §6
// exactly.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS raw_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    ts         INTEGER NOT NULL,
    producer   TEXT    NOT NULL,
    pid        INTEGER NOT NULL,
    pname      TEXT    NOT NULL DEFAULT '',
    event_type TEXT    NOT NULL,
    data_json  TEXT    NOT NULL,
    mcpTag     TEXT,
    created_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_raw_events_ts         ON raw_events (ts);
CREATE INDEX IF NOT EXISTS idx_raw_events_event_type ON raw_events (event_type);
CREATE INDEX IF NOT EXISTS idx_raw_events_mcptag     ON raw_events (mcpTag);

CREATE TABLE IF NOT EXISTS rpc_events (
    raw_event_id INTEGER NOT NULL REFERENCES raw_events(id) ON DELETE CASCADE,
    direction    TEXT    NOT NULL,
    method       TEXT,
    rpc_id       TEXT,
    params_json  TEXT,
    result_json  TEXT,
    error_json   TEXT
);
CREATE INDEX IF NOT EXISTS idx_rpc_events_direction ON rpc_events (direction);
CREATE INDEX IF NOT EXISTS idx_rpc_events_method    ON rpc_events (method);

CREATE TABLE IF NOT EXISTS file_events (
    raw_event_id INTEGER NOT NULL REFERENCES raw_events(id) ON DELETE CASCADE,
    operation    TEXT    NOT NULL,
    file_path    TEXT    NOT NULL,
    old_path     TEXT,
    new_path     TEXT,
    size         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_file_events_file_path ON file_events (file_path);

CREATE TABLE IF NOT EXISTS process_events (
    raw_event_id INTEGER NOT NULL REFERENCES raw_events(id) ON DELETE CASCADE,
    pid          INTEGER NOT NULL,
    operation    TEXT    NOT NULL,
    parent_pid   INTEGER,
    command_line TEXT,
    exit_code    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_process_events_pid ON process_events (pid);

CREATE TABLE IF NOT EXISTS engine_results (
    raw_event_id INTEGER NOT NULL REFERENCES raw_events(id) ON DELETE CASCADE,
    engine_name  TEXT    NOT NULL,
    serverName   TEXT,
    severity     TEXT,
    score        REAL,
    detail       TEXT
);
CREATE INDEX IF NOT EXISTS idx_engine_results_engine_name ON engine_results (engine_name);
CREATE INDEX IF NOT EXISTS idx_engine_results_server_name ON engine_results (serverName);

CREATE TABLE IF NOT EXISTS system_metadata (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
