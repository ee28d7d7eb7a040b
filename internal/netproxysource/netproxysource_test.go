package netproxysource

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/tripwire/observer/internal/envelope"
)

type recordingEmitter struct {
	mu   sync.Mutex
	envs []envelope.Envelope
}

func (r *recordingEmitter) Send(e envelope.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, e)
	return nil
}

func fakeResolver(pid int, pname string, ok bool) PIDResolver {
	return func(string, int) (int, string, bool) { return pid, pname, ok }
}

func TestRunEmitsResolvedMCPEnvelope(t *testing.T) {
	emitter := &recordingEmitter{}
	src := New(emitter, fakeResolver(42, "node.exe", true), nil)

	line := `{"localAddr":"127.0.0.1","localPort":51234,"task":"SEND","src":"client","dst":"server","message":{"method":"tools/call"}}` + "\n"
	if err := src.Run(context.Background(), strings.NewReader(line)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(emitter.envs) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(emitter.envs))
	}
	e := emitter.envs[0]
	if e.Producer != envelope.ProducerMitm {
		t.Fatalf("producer = %q, want mitm", e.Producer)
	}
	if e.PID != 42 || e.PName != "node.exe" {
		t.Fatalf("pid/pname = %d/%q, want 42/node.exe", e.PID, e.PName)
	}
	data := e.Data.(envelope.MCPData)
	if data.Transport != "tcp" || data.Task != envelope.TaskSend {
		t.Fatalf("data = %#v", data)
	}
}

func TestRunFallsBackToUnknownWhenResolveMisses(t *testing.T) {
	emitter := &recordingEmitter{}
	src := New(emitter, fakeResolver(0, "", false), nil)

	line := `{"localAddr":"127.0.0.1","localPort":1,"task":"RECV","src":"server","dst":"client","message":{}}` + "\n"
	if err := src.Run(context.Background(), strings.NewReader(line)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	e := emitter.envs[0]
	if e.PID != 0 || e.PName != "unknown" {
		t.Fatalf("pid/pname = %d/%q, want 0/unknown", e.PID, e.PName)
	}
}

func TestRunSkipsMalformedLineAndContinues(t *testing.T) {
	emitter := &recordingEmitter{}
	src := New(emitter, fakeResolver(1, "x", true), nil)

	input := "not json\n" + `{"localAddr":"127.0.0.1","localPort":1,"task":"SEND","src":"client","dst":"server","message":{}}` + "\n"
	if err := src.Run(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(emitter.envs) != 1 {
		t.Fatalf("got %d envelopes, want 1 (malformed line skipped)", len(emitter.envs))
	}
}
