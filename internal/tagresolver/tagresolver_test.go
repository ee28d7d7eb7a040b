package tagresolver

import "testing"

type fakeRegistry struct {
	match string
	ok    bool
}

func (f fakeRegistry) LookupByCmdline(cmdline string) (string, bool) {
	return f.match, f.ok
}

func newResolver(t *testing.T, reg RegistryView) *Resolver {
	t.Helper()
	r, err := New("ClaudeDesktop", `C:\Users\me\Claude Extensions`, reg, 128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRule1ExplicitLogPath(t *testing.T) {
	r := newResolver(t, fakeRegistry{})
	got, priority := r.Resolve(1, "node server.js", `C:\Users\me\logs\mcp-server-filesystem.log`)
	if got != "Filesystem" {
		t.Fatalf("got %q, want Filesystem", got)
	}
	if priority != 1 {
		t.Fatalf("priority = %d, want 1", priority)
	}
}

func TestRule2CacheHitAfterRule1(t *testing.T) {
	r := newResolver(t, fakeRegistry{})
	path := `C:\Users\me\logs\mcp-server-github.log`
	first, _ := r.Resolve(7, "node server.js", path)
	if first != "Github" {
		t.Fatalf("first resolve = %q, want Github", first)
	}
	// Second call with a path that shares only the basename and no longer
	// matches rule 1 should hit the cache from rule 1's write, and report
	// rule 1's priority, not rule 2's own position in the ladder.
	second, priority := r.Resolve(7, "node server.js", `C:\other\dir\mcp-server-github.log`)
	if second != "Github" {
		t.Fatalf("cached resolve = %q, want Github", second)
	}
	if priority != 1 {
		t.Fatalf("cached priority = %d, want 1 (the rule that originally produced it)", priority)
	}
}

func TestRule3MCPFlag(t *testing.T) {
	r := newResolver(t, fakeRegistry{})
	got, priority := r.Resolve(2, `node server.js --mcp=weather --verbose`, "")
	if got != "weather" {
		t.Fatalf("got %q, want weather", got)
	}
	if priority != 3 {
		t.Fatalf("priority = %d, want 3", priority)
	}
}

func TestRule4ModelContextProtocolPackage(t *testing.T) {
	r := newResolver(t, fakeRegistry{})
	got, priority := r.Resolve(3, `node node_modules/@modelcontextprotocol/server-filesystem/dist/index.js`, "")
	if got != "filesystem" {
		t.Fatalf("got %q, want filesystem", got)
	}
	if priority != 4 {
		t.Fatalf("priority = %d, want 4", priority)
	}
}

func TestRule5RegistryMatch(t *testing.T) {
	r := newResolver(t, fakeRegistry{match: "Weather", ok: true})
	got, priority := r.Resolve(4, "python weather_server.py --port=8080", "")
	if got != "Weather" {
		t.Fatalf("got %q, want Weather", got)
	}
	if priority != 5 {
		t.Fatalf("priority = %d, want 5", priority)
	}
}

func TestRule5SignificantTokenFallback(t *testing.T) {
	r := newResolver(t, fakeRegistry{})
	got, priority := r.Resolve(5, "run myserver.exe --quiet", "")
	if got != "myserver.exe" {
		t.Fatalf("got %q, want myserver.exe", got)
	}
	if priority != 5 {
		t.Fatalf("priority = %d, want 5", priority)
	}
}

func TestRule7HostInternalLogName(t *testing.T) {
	r := newResolver(t, fakeRegistry{})
	got, priority := r.Resolve(6, "claude", `C:\Users\me\logs\main.log`)
	if got != "ClaudeDesktop" {
		t.Fatalf("got %q, want ClaudeDesktop", got)
	}
	if priority != 7 {
		t.Fatalf("priority = %d, want 7", priority)
	}
}

func TestRule8RuntimeMarkers(t *testing.T) {
	r := newResolver(t, fakeRegistry{})
	if got, priority := r.Resolve(8, "claude --type=gpu", ""); got != "GPU" || priority != 8 {
		t.Fatalf("got (%q, %d), want (GPU, 8)", got, priority)
	}
	if got, priority := r.Resolve(9, "claude --type=renderer", ""); got != "Renderer" || priority != 8 {
		t.Fatalf("got (%q, %d), want (Renderer, 8)", got, priority)
	}
}

func TestRule9HeuristicFilename(t *testing.T) {
	r := newResolver(t, fakeRegistry{})
	got, priority := r.Resolve(10, "run wrapper.sh launch_tool.rb", "")
	if got != "Launch_tool" {
		t.Fatalf("got %q, want Launch_tool (last match)", got)
	}
	if priority != 9 {
		t.Fatalf("priority = %d, want 9", priority)
	}
}

func TestRule10DefaultToHostName(t *testing.T) {
	r := newResolver(t, fakeRegistry{})
	got, priority := r.Resolve(11, "totally unremarkable", "")
	if got != "ClaudeDesktop" {
		t.Fatalf("got %q, want ClaudeDesktop", got)
	}
	if priority != 10 {
		t.Fatalf("priority = %d, want 10", priority)
	}
}

func TestMonotonicUpgradeNotDowngraded(t *testing.T) {
	// Rule 5 caches a weak token match; a later call whose path now matches
	// rule 1 must be allowed to upgrade the cached name.
	r := newResolver(t, fakeRegistry{})
	weak, weakPriority := r.Resolve(20, "run myserver.exe", "")
	if weak != "myserver.exe" || weakPriority != 5 {
		t.Fatalf("weak resolve = (%q, %d), want (myserver.exe, 5)", weak, weakPriority)
	}
	strong, strongPriority := r.Resolve(20, "run myserver.exe", `C:\logs\mcp-server-myserver.log`)
	if strong != "Myserver" || strongPriority != 1 {
		t.Fatalf("strong resolve = (%q, %d), want (Myserver, 1) (upgrade)", strong, strongPriority)
	}
	// Subsequent cache-only lookup (rule 1 fails, rule 2 hits) must return
	// the upgraded name and its original (stronger) priority, not rule 2's.
	cached, cachedPriority := r.Resolve(20, "run myserver.exe", `C:\otherdir\mcp-server-myserver.log`)
	if cached != "Myserver" || cachedPriority != 1 {
		t.Fatalf("post-upgrade cached resolve = (%q, %d), want (Myserver, 1)", cached, cachedPriority)
	}
}
