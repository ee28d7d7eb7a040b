package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReloadLoadsHostConfigAndLooksUpByCmdline(t *testing.T) {
	dir := t.TempDir()
	hostConfig := filepath.Join(dir, "host-config.json")
	writeFile(t, hostConfig, hostConfigFile{
		McpServers: map[string]ServerSpec{
			"filesystem": {Command: "node", Args: []string{"server.js", "--root=/tmp"}},
		},
	})

	r := New(hostConfig, "")
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	name, ok := r.LookupByCmdline(`node server.js --root=/tmp extra args`)
	if !ok || name != "filesystem" {
		t.Fatalf("LookupByCmdline = (%q, %v), want (filesystem, true)", name, ok)
	}

	if _, ok := r.LookupByCmdline("totally unrelated"); ok {
		t.Fatal("expected no match for unrelated cmdline")
	}
}

func TestReloadLoadsExtensionManifests(t *testing.T) {
	dir := t.TempDir()
	extDir := filepath.Join(dir, "Claude Extensions")
	serverDir := filepath.Join(extDir, "github-ext")
	if err := os.MkdirAll(serverDir, 0o755); err != nil {
		t.Fatal(err)
	}

	type manifestServer struct {
		McpConfig ServerSpec `json:"mcp_config"`
	}
	type manifest struct {
		Name   string         `json:"name"`
		Server manifestServer `json:"server"`
	}
	writeFile(t, filepath.Join(serverDir, "manifest.json"), manifest{
		Name: "Github",
		Server: manifestServer{
			McpConfig: ServerSpec{Command: "${__dirname}/run.sh", Args: []string{"--flag"}},
		},
	})

	r := New("", extDir)
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	name, ok := r.LookupByCmdline(filepath.Join(serverDir, "run.sh") + " --flag")
	if !ok || name != "Github" {
		t.Fatalf("LookupByCmdline = (%q, %v), want (Github, true)", name, ok)
	}
}

func TestTagLifecycle(t *testing.T) {
	r := New("", "")

	if _, ok := r.GetTag(42); ok {
		t.Fatal("expected no tag before SetTag")
	}

	r.SetTag(42, "Filesystem", 5)
	name, ok := r.GetTag(42)
	if !ok || name != "Filesystem" {
		t.Fatalf("GetTag = (%q, %v), want (Filesystem, true)", name, ok)
	}

	r.Remove(42)
	if _, ok := r.GetTag(42); ok {
		t.Fatal("expected tag removed")
	}
}

func TestTagsReturnsSnapshot(t *testing.T) {
	r := New("", "")
	r.SetTag(1, "Filesystem", 5)
	r.SetTag(2, "Github", 5)

	tags := r.Tags()
	if len(tags) != 2 || tags[1] != "Filesystem" || tags[2] != "Github" {
		t.Fatalf("Tags() = %+v", tags)
	}

	tags[3] = "mutated"
	if _, ok := r.GetTag(3); ok {
		t.Fatal("mutating the returned snapshot must not affect the registry")
	}
}

func TestSetTagAppliesFirstBindingRegardlessOfPriority(t *testing.T) {
	r := New("", "")
	if ok := r.SetTag(1, "Weather", 9); !ok {
		t.Fatal("expected first binding for a pid to always apply")
	}
	name, _ := r.GetTag(1)
	if name != "Weather" {
		t.Fatalf("GetTag = %q, want Weather", name)
	}
}

func TestSetTagRejectsDowngradeFromStrongerPriority(t *testing.T) {
	r := New("", "")
	r.SetTag(1, "Filesystem", 1) // rule-1 explicit log path: strongest evidence

	if ok := r.SetTag(1, "Renderer", 9); ok {
		t.Fatal("expected weaker-priority SetTag to be rejected once a stronger binding exists")
	}
	name, _ := r.GetTag(1)
	if name != "Filesystem" {
		t.Fatalf("GetTag = %q, want Filesystem (downgrade must be rejected)", name)
	}
}

func TestSetTagAcceptsUpgradeToStrongerPriority(t *testing.T) {
	r := New("", "")
	r.SetTag(1, "myserver.exe", 9) // heuristic filename: weak evidence

	if ok := r.SetTag(1, "Myserver", 1); !ok {
		t.Fatal("expected stronger-priority SetTag to upgrade an existing weaker binding")
	}
	name, _ := r.GetTag(1)
	if name != "Myserver" {
		t.Fatalf("GetTag = %q, want Myserver", name)
	}
}

func TestSetTagAcceptsEqualPriorityOverwrite(t *testing.T) {
	r := New("", "")
	r.SetTag(1, "Weather", 5)

	if ok := r.SetTag(1, "Calendar", 5); !ok {
		t.Fatal("expected same-priority SetTag to be accepted (not a downgrade)")
	}
	name, _ := r.GetTag(1)
	if name != "Calendar" {
		t.Fatalf("GetTag = %q, want Calendar", name)
	}
}

// TestSetTagMonotonicityIsPerPIDAcrossDistinctCallers exercises the
// monotonicity invariant the way two independent call sites in
// kernelsource.Source actually hit it: a file-event resolution binds a pid
// strongly, and a later, unrelated network-event resolution on the same pid
// must not be able to downgrade it, even though neither caller knows about
// the other's resolution.
func TestSetTagMonotonicityIsPerPIDAcrossDistinctCallers(t *testing.T) {
	r := New("", "")

	// First caller: a file event whose path matched the explicit MCP log
	// path rule (priority 1).
	if ok := r.SetTag(7, "Filesystem", 1); !ok {
		t.Fatal("expected strong first binding to apply")
	}

	// Second caller: a network event for the same pid, which only has a
	// generic command line to go on and falls through to the default host
	// name (priority 10).
	if ok := r.SetTag(7, "ClaudeDesktop", 10); ok {
		t.Fatal("expected the weaker network-path resolution to be rejected")
	}

	// A third caller, later, re-observes the same strong evidence again
	// (priority 1); this must still be accepted since it is not a downgrade.
	if ok := r.SetTag(7, "Filesystem", 1); !ok {
		t.Fatal("expected re-applying the same priority to be accepted")
	}

	name, ok := r.GetTag(7)
	if !ok || name != "Filesystem" {
		t.Fatalf("GetTag = (%q, %v), want (Filesystem, true) across all three callers", name, ok)
	}
}

func TestResolveExecutableAbsolutePathUsedAsIs(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "myserver")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if got := ResolveExecutable(bin); got != bin {
		t.Fatalf("ResolveExecutable(%q) = %q, want unchanged", bin, got)
	}
}

func TestResolveExecutableMissingAbsolutePathFallsThrough(t *testing.T) {
	missing := "/no/such/binary/anywhere-xyz"
	if got := ResolveExecutable(missing); got != missing {
		t.Fatalf("ResolveExecutable(%q) = %q, want returned unchanged when unresolvable", missing, got)
	}
}

func TestMissingHostConfigIsDegradationNotPanic(t *testing.T) {
	r := New("/no/such/config.json", "")
	if err := r.Reload(); err == nil {
		t.Fatal("expected error for missing host config file")
	}
}
