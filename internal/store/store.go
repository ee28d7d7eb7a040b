// Package store implements the EventStore of spec.md §4.9: a relational sink
// with a fixed schema, durable append, and typed-child-table dispatch by
// event_type. Grounded on the teacher's internal/queue/sqlite_queue.go
// (modernc.org/sqlite, WAL journal mode, schema-in-a-Go-const).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/tripwire/observer/internal/envelope"
)

// Store is a WAL-mode SQLite-backed EventStore. Safe for concurrent use; all
// writes serialize through a single connection, as SQLite permits only one
// writer at a time.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode plus synchronous=NORMAL, and applies the schema. path may be
// ":memory:" for tests. If logger is nil, slog.Default() is used.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveEvent inserts e into raw_events and dispatches to at most one typed
// child table, all within a single transaction (§4.9). Per §7 ("Bug: log
// with stack, suppress"), a failure is logged and returns nil rather than
// propagating — the Collector must never abort on one bad envelope.
func (s *Store) SaveEvent(ctx context.Context, e envelope.Envelope) error {
	if err := s.saveEvent(ctx, e); err != nil {
		s.logger.Error("store: save event failed", slog.Any("error", err), slog.String("eventType", string(e.Type)))
	}
	return nil
}

func (s *Store) saveEvent(ctx context.Context, e envelope.Envelope) error {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("store: marshal data: %w", err)
	}

	mcpTag := mcpTagOf(e.Data)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO raw_events (ts, producer, pid, pname, event_type, data_json, mcpTag)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TS, string(e.Producer), e.PID, e.PName, string(e.Type), string(dataJSON), mcpTag,
	)
	if err != nil {
		return fmt.Errorf("store: insert raw_events: %w", err)
	}
	rawID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: raw_event_id: %w", err)
	}

	if err := dispatchTyped(ctx, tx, rawID, e); err != nil {
		return fmt.Errorf("store: insert typed child: %w", err)
	}

	return tx.Commit()
}

func mcpTagOf(data any) sql.NullString {
	switch d := data.(type) {
	case envelope.ProcessData:
		return nullableTag(d.McpTag)
	case envelope.FileData:
		return nullableTag(d.McpTag)
	case envelope.NetworkData:
		return nullableTag(d.McpTag)
	}
	return sql.NullString{}
}

func nullableTag(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func dispatchTyped(ctx context.Context, tx *sql.Tx, rawID int64, e envelope.Envelope) error {
	switch e.Type {
	case envelope.EventMCP:
		return insertRPCEvent(ctx, tx, rawID, e.Data.(envelope.MCPData))
	case envelope.EventFile:
		return insertFileEvent(ctx, tx, rawID, e.Data.(envelope.FileData))
	case envelope.EventProcess:
		return insertProcessEvent(ctx, tx, rawID, e.PID, e.Data.(envelope.ProcessData))
	default:
		// Unknown/Network/ProxyLog types are stored in raw_events only.
		return nil
	}
}

func insertRPCEvent(ctx context.Context, tx *sql.Tx, rawID int64, d envelope.MCPData) error {
	direction := "Response"
	if d.Task == envelope.TaskSend {
		direction = "Request"
	}

	var method, rpcID, params, result, errJSON sql.NullString
	if v, ok := d.Message["method"]; ok {
		if s, ok := v.(string); ok {
			method = sql.NullString{String: s, Valid: true}
		}
	}
	if v, ok := d.Message["id"]; ok {
		rpcID = sql.NullString{String: fmt.Sprint(v), Valid: true}
	}
	if v, ok := d.Message["params"]; ok {
		if b, err := json.Marshal(v); err == nil {
			params = sql.NullString{String: string(b), Valid: true}
		}
	}
	if v, ok := d.Message["result"]; ok {
		if b, err := json.Marshal(v); err == nil {
			result = sql.NullString{String: string(b), Valid: true}
		}
	}
	if v, ok := d.Message["error"]; ok {
		if b, err := json.Marshal(v); err == nil {
			errJSON = sql.NullString{String: string(b), Valid: true}
		}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO rpc_events (raw_event_id, direction, method, rpc_id, params_json, result_json, error_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rawID, direction, method, rpcID, params, result, errJSON,
	)
	return err
}

func insertFileEvent(ctx context.Context, tx *sql.Tx, rawID int64, d envelope.FileData) error {
	var oldPath, newPath sql.NullString
	var size sql.NullInt64
	if d.OldPath != "" {
		oldPath = sql.NullString{String: d.OldPath, Valid: true}
	}
	if d.NewPath != "" {
		newPath = sql.NullString{String: d.NewPath, Valid: true}
	}
	if d.Size != 0 {
		size = sql.NullInt64{Int64: d.Size, Valid: true}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO file_events (raw_event_id, operation, file_path, old_path, new_path, size)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rawID, string(d.Task), d.FilePath, oldPath, newPath, size,
	)
	return err
}

func insertProcessEvent(ctx context.Context, tx *sql.Tx, rawID int64, pid int, d envelope.ProcessData) error {
	var parentPID sql.NullInt64
	if d.Parent.PID != 0 {
		parentPID = sql.NullInt64{Int64: int64(d.Parent.PID), Valid: true}
	}
	var cmdline sql.NullString
	if d.CommandLine != "" {
		cmdline = sql.NullString{String: d.CommandLine, Valid: true}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO process_events (raw_event_id, pid, operation, parent_pid, command_line, exit_code)
		 VALUES (?, ?, ?, ?, ?, NULL)`,
		rawID, pid, string(d.Task), parentPID, cmdline,
	)
	return err
}

// SetMeta upserts a system_metadata key/value pair, used for
// observer_instance_id bookkeeping.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMeta reads a system_metadata value, if present.
func (s *Store) GetMeta(ctx context.Context, key string) (value string, ok bool) {
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_metadata WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}
