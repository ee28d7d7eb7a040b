package store

import (
	"context"
	"testing"

	"github.com/tripwire/observer/internal/envelope"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveEventProcessDispatchesTypedRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := envelope.NewProcess(envelope.ProducerAgentCore, 100, "node.exe", envelope.ProcessData{
		Task: envelope.TaskStart, PID: 100, PName: "node.exe",
		Parent: envelope.ParentRef{PID: 10, Name: "claude.exe"},
		CommandLine: "node server.js", McpTag: "Filesystem",
	})
	if err := s.SaveEvent(ctx, e); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	var rawCount, procCount int
	s.db.QueryRow(`SELECT COUNT(*) FROM raw_events`).Scan(&rawCount)
	s.db.QueryRow(`SELECT COUNT(*) FROM process_events`).Scan(&procCount)
	if rawCount != 1 {
		t.Fatalf("raw_events count = %d, want 1", rawCount)
	}
	if procCount != 1 {
		t.Fatalf("process_events count = %d, want 1", procCount)
	}

	var tag string
	s.db.QueryRow(`SELECT mcpTag FROM raw_events`).Scan(&tag)
	if tag != "Filesystem" {
		t.Fatalf("mcpTag = %q, want Filesystem", tag)
	}
}

func TestSaveEventMCPDispatchesRPCEventWithDirection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := envelope.NewMCP(envelope.ProducerProxy, 100, "node.exe", envelope.MCPData{
		Task: envelope.TaskSend, Transport: "stdio", Src: "client", Dst: "server",
		Message: map[string]any{"jsonrpc": "2.0", "id": float64(1), "method": "tools/list"},
	})
	if err := s.SaveEvent(ctx, e); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	var direction, method string
	s.db.QueryRow(`SELECT direction, method FROM rpc_events`).Scan(&direction, &method)
	if direction != "Request" {
		t.Fatalf("direction = %q, want Request", direction)
	}
	if method != "tools/list" {
		t.Fatalf("method = %q, want tools/list", method)
	}
}

func TestSaveEventFileDispatchesRenameFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := envelope.NewFile(envelope.ProducerAgentCore, 100, "node.exe", envelope.FileData{
		Task: envelope.TaskRename, PID: 100, FilePath: `C:\new.log`,
		OldPath: `C:\old.log`, NewPath: `C:\new.log`,
	})
	if err := s.SaveEvent(ctx, e); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	var oldPath, newPath string
	s.db.QueryRow(`SELECT old_path, new_path FROM file_events`).Scan(&oldPath, &newPath)
	if oldPath != `C:\old.log` || newPath != `C:\new.log` {
		t.Fatalf("got old=%q new=%q", oldPath, newPath)
	}
}

func TestSaveEventUnknownEventTypeStoredInRawOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := envelope.NewProxyLog(envelope.ProducerProxy, 100, "node.exe", envelope.ProxyLogData{
		Type: "proxy_exit", Message: "exit code 0",
	})
	if err := s.SaveEvent(ctx, e); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	var rawCount int
	s.db.QueryRow(`SELECT COUNT(*) FROM raw_events`).Scan(&rawCount)
	if rawCount != 1 {
		t.Fatalf("raw_events count = %d, want 1", rawCount)
	}
}

func TestEveryTypedRowHasRawEventRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveEvent(ctx, envelope.NewProcess(envelope.ProducerAgentCore, 1, "a", envelope.ProcessData{Task: envelope.TaskStart, PID: 1}))
	s.SaveEvent(ctx, envelope.NewFile(envelope.ProducerAgentCore, 1, "a", envelope.FileData{Task: envelope.TaskWrite, PID: 1, FilePath: "x"}))
	s.SaveEvent(ctx, envelope.NewMCP(envelope.ProducerProxy, 1, "a", envelope.MCPData{Task: envelope.TaskRecv, Message: map[string]any{}}))

	var orphans int
	s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM process_events WHERE raw_event_id NOT IN (SELECT id FROM raw_events)) +
			(SELECT COUNT(*) FROM file_events    WHERE raw_event_id NOT IN (SELECT id FROM raw_events)) +
			(SELECT COUNT(*) FROM rpc_events     WHERE raw_event_id NOT IN (SELECT id FROM raw_events))
	`).Scan(&orphans)
	if orphans != 0 {
		t.Fatalf("found %d typed rows without a raw_events parent", orphans)
	}
}

func TestSetMetaAndGetMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok := s.GetMeta(ctx, "schema_version"); ok {
		t.Fatal("expected no schema_version before SetMeta")
	}
	if err := s.SetMeta(ctx, "schema_version", "1"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	v, ok := s.GetMeta(ctx, "schema_version")
	if !ok || v != "1" {
		t.Fatalf("GetMeta = (%q, %v), want (1, true)", v, ok)
	}
	if err := s.SetMeta(ctx, "schema_version", "2"); err != nil {
		t.Fatalf("SetMeta upsert: %v", err)
	}
	v, _ = s.GetMeta(ctx, "schema_version")
	if v != "2" {
		t.Fatalf("GetMeta after upsert = %q, want 2", v)
	}
}
