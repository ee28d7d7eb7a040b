package kernelsource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/observer/internal/envelope"
	"github.com/tripwire/observer/internal/noisefilter"
	"github.com/tripwire/observer/internal/procgraph"
)

type fakeProvider struct {
	procCh chan ProcessEvent
	fileCh chan FileEvent
	netCh  chan NetworkEvent
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		procCh: make(chan ProcessEvent, 8),
		fileCh: make(chan FileEvent, 8),
		netCh:  make(chan NetworkEvent, 8),
	}
}

func (f *fakeProvider) Start() error                        { return nil }
func (f *fakeProvider) Stop()                                {}
func (f *fakeProvider) Processes() <-chan ProcessEvent       { return f.procCh }
func (f *fakeProvider) Files() <-chan FileEvent              { return f.fileCh }
func (f *fakeProvider) Networks() <-chan NetworkEvent        { return f.netCh }

// fakeResolver reports a fixed tag at a fixed priority. Tests that care about
// monotonic-upgrade behavior set priority explicitly rather than relying on a
// single always-wins stub, so a regression that drops priority tracking
// between Resolve and SetTag actually fails a test.
type fakeResolver struct {
	tag      string
	priority int
}

func (r *fakeResolver) Resolve(pid int, cmdline, path string) (string, int) {
	priority := r.priority
	if priority == 0 {
		priority = 10
	}
	return r.tag, priority
}

type fakeFilter struct{ allow bool }

func (f *fakeFilter) Admit(kind string, pid int, path string, now time.Time) (bool, int) {
	return f.allow, 0
}

func (f *fakeFilter) Flush(now time.Time) []noisefilter.FlushedDedup { return nil }

// fakeTags mirrors registry.Registry's priority-aware monotonicity so tests
// exercise the real downgrade-rejection behavior, not just a stub that always
// accepts whatever SetTag is last called.
type fakeTags struct {
	mu   sync.Mutex
	tags map[int]tagBindingStub
}

type tagBindingStub struct {
	name     string
	priority int
}

func newFakeTags() *fakeTags { return &fakeTags{tags: make(map[int]tagBindingStub)} }

func (t *fakeTags) SetTag(pid int, name string, priority int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.tags[pid]; ok && existing.priority < priority {
		return false
	}
	t.tags[pid] = tagBindingStub{name: name, priority: priority}
	return true
}
func (t *fakeTags) GetTag(pid int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.tags[pid]
	return b.name, ok
}
func (t *fakeTags) Remove(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tags, pid)
}

type fakeEmitter struct {
	mu   sync.Mutex
	envs []envelope.Envelope
}

func (e *fakeEmitter) Send(ev envelope.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.envs = append(e.envs, ev)
	return nil
}
func (e *fakeEmitter) snapshot() []envelope.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]envelope.Envelope, len(e.envs))
	copy(out, e.envs)
	return out
}

func runUntil(t *testing.T, src *Source, wantCount int, emitter *fakeEmitter) []envelope.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(emitter.snapshot()) >= wantCount {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	return emitter.snapshot()
}

func TestProcessStartUpdatesGraphTagsAndEmits(t *testing.T) {
	provider := newFakeProvider()
	graph := procgraph.New("target.exe")
	emitter := &fakeEmitter{}
	tags := newFakeTags()
	src := New(provider, graph, &fakeResolver{tag: "MyServer"}, &fakeFilter{allow: true}, tags, emitter, envelope.ProducerAgentCore, nil)

	provider.procCh <- ProcessEvent{Task: envelope.TaskStart, PID: 1, Image: `C:\bin\target.exe`, Cmdline: "target.exe", TS: 1}

	envs := runUntil(t, src, 1, emitter)
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(envs))
	}
	if !graph.IsTracked(1) {
		t.Fatal("graph should track pid 1 after Start")
	}
	if tag, ok := tags.GetTag(1); !ok || tag != "MyServer" {
		t.Fatalf("tag = %q/%v, want MyServer/true", tag, ok)
	}
	data := envs[0].Data.(envelope.ProcessData)
	if data.Task != envelope.TaskStart || data.McpTag != "MyServer" {
		t.Fatalf("data = %#v", data)
	}
}

func TestFileEventDoesNotDowngradeStrongerTagBinding(t *testing.T) {
	provider := newFakeProvider()
	graph := procgraph.New("target.exe")
	graph.OnStart(1, 0, `C:\bin\target.exe`, "target.exe", 1)
	emitter := &fakeEmitter{}
	tags := newFakeTags()
	tags.SetTag(1, "Filesystem", 1) // simulates an earlier rule-1 explicit-log-path binding
	src := New(provider, graph, &fakeResolver{tag: "Unrelated", priority: 9}, &fakeFilter{allow: true}, tags, emitter, envelope.ProducerAgentCore, nil)

	provider.fileCh <- FileEvent{Task: envelope.TaskWrite, PID: 1, Path: `C:\foo\bar.txt`, TS: 1}

	envs := runUntil(t, src, 1, emitter)
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(envs))
	}
	if tag, ok := tags.GetTag(1); !ok || tag != "Filesystem" {
		t.Fatalf("tag = %q/%v, want the stronger binding Filesystem to survive", tag, ok)
	}
	data := envs[0].Data.(envelope.FileData)
	if data.McpTag != "Filesystem" {
		t.Fatalf("emitted McpTag = %q, want Filesystem (weaker evidence must not downgrade the reported tag)", data.McpTag)
	}
}

func TestProcessStartRejectsUntrackedCausesNoEmission(t *testing.T) {
	provider := newFakeProvider()
	graph := procgraph.New("target.exe") // no match for "unrelated.exe" and no tracked parent
	emitter := &fakeEmitter{}
	src := New(provider, graph, &fakeResolver{}, &fakeFilter{allow: true}, newFakeTags(), emitter, envelope.ProducerAgentCore, nil)

	provider.procCh <- ProcessEvent{Task: envelope.TaskStart, PID: 99, Image: `C:\bin\unrelated.exe`, Cmdline: "unrelated.exe", TS: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = src.Run(ctx)

	if len(emitter.snapshot()) != 0 {
		t.Fatalf("expected no envelope for untracked process start, got %d", len(emitter.snapshot()))
	}
}

func TestProcessStopClearsTagAndEmits(t *testing.T) {
	provider := newFakeProvider()
	graph := procgraph.New("target.exe")
	graph.OnStart(1, 0, `C:\bin\target.exe`, "target.exe", 1)
	emitter := &fakeEmitter{}
	tags := newFakeTags()
	tags.SetTag(1, "MyServer", 5)
	src := New(provider, graph, &fakeResolver{}, &fakeFilter{allow: true}, tags, emitter, envelope.ProducerAgentCore, nil)

	provider.procCh <- ProcessEvent{Task: envelope.TaskStop, PID: 1, TS: 2}

	envs := runUntil(t, src, 1, emitter)
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(envs))
	}
	if graph.IsTracked(1) {
		t.Fatal("graph should no longer track pid 1 after Stop")
	}
	if _, ok := tags.GetTag(1); ok {
		t.Fatal("tag binding should be removed on Stop")
	}
	data := envs[0].Data.(envelope.ProcessData)
	if data.McpTag != "MyServer" {
		t.Fatalf("stop envelope should report the tag the process held, got %q", data.McpTag)
	}
}

func TestFileEventDroppedWhenPIDNotTracked(t *testing.T) {
	provider := newFakeProvider()
	graph := procgraph.New("target.exe")
	emitter := &fakeEmitter{}
	src := New(provider, graph, &fakeResolver{}, &fakeFilter{allow: true}, newFakeTags(), emitter, envelope.ProducerAgentCore, nil)

	provider.fileCh <- FileEvent{Task: envelope.TaskWrite, PID: 42, Path: `C:\foo\bar.txt`, TS: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = src.Run(ctx)

	if len(emitter.snapshot()) != 0 {
		t.Fatalf("expected file event for untracked pid to be dropped, got %d", len(emitter.snapshot()))
	}
}

func TestFileEventDroppedByNoiseFilter(t *testing.T) {
	provider := newFakeProvider()
	graph := procgraph.New("target.exe")
	graph.OnStart(1, 0, `C:\bin\target.exe`, "target.exe", 1)
	emitter := &fakeEmitter{}
	src := New(provider, graph, &fakeResolver{}, &fakeFilter{allow: false}, newFakeTags(), emitter, envelope.ProducerAgentCore, nil)

	provider.fileCh <- FileEvent{Task: envelope.TaskWrite, PID: 1, Path: `C:\foo\bar.txt`, TS: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = src.Run(ctx)

	if len(emitter.snapshot()) != 0 {
		t.Fatalf("expected noise-filtered file event to produce no envelope, got %d", len(emitter.snapshot()))
	}
}

func TestFileRenameCorrelatesFileKey(t *testing.T) {
	provider := newFakeProvider()
	graph := procgraph.New("target.exe")
	graph.OnStart(1, 0, `C:\bin\target.exe`, "target.exe", 1)
	emitter := &fakeEmitter{}
	src := New(provider, graph, &fakeResolver{}, &fakeFilter{allow: true}, newFakeTags(), emitter, envelope.ProducerAgentCore, nil)

	provider.fileCh <- FileEvent{Task: envelope.TaskRename, PID: 1, Path: `C:\foo\old.txt`, FileKey: "7", Completing: false, TS: 1}
	provider.fileCh <- FileEvent{Task: envelope.TaskRename, PID: 1, Path: `C:\foo\new.txt`, FileKey: "7", Completing: true, TS: 2}

	envs := runUntil(t, src, 1, emitter)
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes, want 1 (start half should not itself emit)", len(envs))
	}
	data := envs[0].Data.(envelope.FileData)
	if data.OldPath != `C:\foo\old.txt` || data.NewPath != `C:\foo\new.txt` {
		t.Fatalf("rename not correlated: %#v", data)
	}
}

func TestFileRenameFallsBackToUnknownOldWithoutFileKey(t *testing.T) {
	provider := newFakeProvider()
	graph := procgraph.New("target.exe")
	graph.OnStart(1, 0, `C:\bin\target.exe`, "target.exe", 1)
	emitter := &fakeEmitter{}
	src := New(provider, graph, &fakeResolver{}, &fakeFilter{allow: true}, newFakeTags(), emitter, envelope.ProducerAgentCore, nil)

	provider.fileCh <- FileEvent{Task: envelope.TaskRename, PID: 1, Path: `C:\foo\new.txt`, Completing: true, TS: 1}

	envs := runUntil(t, src, 1, emitter)
	data := envs[0].Data.(envelope.FileData)
	if data.OldPath != "(unknown_old)" {
		t.Fatalf("OldPath = %q, want (unknown_old)", data.OldPath)
	}
}

func TestNetworkEventDroppedWhenPIDNotTrackedAndEmittedOtherwise(t *testing.T) {
	provider := newFakeProvider()
	graph := procgraph.New("target.exe")
	graph.OnStart(1, 0, `C:\bin\target.exe`, "target.exe", 1)
	emitter := &fakeEmitter{}
	src := New(provider, graph, &fakeResolver{tag: "Server"}, &fakeFilter{allow: true}, newFakeTags(), emitter, envelope.ProducerAgentCore, nil)

	provider.netCh <- NetworkEvent{Task: envelope.TaskConnect, PID: 999, TS: 1}
	provider.netCh <- NetworkEvent{Task: envelope.TaskConnect, PID: 1, Src: "127.0.0.1", SPort: 1, Dst: "127.0.0.1", DPort: 2, TS: 2}

	envs := runUntil(t, src, 1, emitter)
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes, want 1 (untracked pid dropped)", len(envs))
	}
	data := envs[0].Data.(envelope.NetworkData)
	if data.PID != 1 || data.McpTag != "Server" {
		t.Fatalf("data = %#v", data)
	}
}
