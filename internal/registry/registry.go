// Package registry loads host MCP server configuration and per-extension
// manifests into canonical-name lookup tables, and holds the per-PID tag
// bindings set by the TagResolver (§3 ConfigEntry, TagBinding; §4.2).
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ServerSpec is one entry of a host config's mcpServers map, or of an
// extension manifest's server.mcp_config.
type ServerSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type hostConfigFile struct {
	McpServers map[string]ServerSpec `json:"mcpServers"`
}

type manifestFile struct {
	Name   string `json:"name"`
	Server struct {
		McpConfig ServerSpec `json:"mcp_config"`
	} `json:"server"`
}

// Registry holds the rendered command-line -> canonical-name table built from
// host config and extension manifests, plus the live per-PID tag bindings.
// Safe for concurrent use.
type Registry struct {
	hostConfigPath string
	extensionsDir  string

	mu      sync.RWMutex
	entries map[string]string      // rendered cmdline (lowercased) -> canonical name
	tags    map[int]tagBinding     // pid -> current binding
}

// tagBinding is a PID's current tag and the priority (tagresolver rule index,
// 1 strongest .. 10 weakest) of the evidence that produced it.
type tagBinding struct {
	name     string
	priority int
}

// New returns an empty Registry. hostConfigPath is the host config JSON file
// (mcpServers map); extensionsDir is the directory enumerated for
// "*/manifest.json" entries — pass "" to skip extension scanning.
func New(hostConfigPath, extensionsDir string) *Registry {
	return &Registry{
		hostConfigPath: hostConfigPath,
		extensionsDir:  extensionsDir,
		entries:        make(map[string]string),
		tags:           make(map[int]tagBinding),
	}
}

// Reload re-reads the host config file and, if extensionsDir exists, every
// Claude Extensions manifest, replacing the entries table in one step.
// Missing files are a Degradation condition (§7): logged by the caller via
// the returned error, not fatal.
func (r *Registry) Reload() error {
	entries := make(map[string]string)

	if r.hostConfigPath != "" {
		if err := loadHostConfig(r.hostConfigPath, entries); err != nil {
			return fmt.Errorf("registry: host config: %w", err)
		}
	}

	if r.extensionsDir != "" {
		if _, err := os.Stat(r.extensionsDir); err == nil {
			if err := loadManifests(r.extensionsDir, entries); err != nil {
				return fmt.Errorf("registry: manifests: %w", err)
			}
		}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// WatchAndReload starts a goroutine that reloads the registry whenever the
// host config file or the extensions directory changes, until ctx-like
// cancellation is requested via the returned stop function. Errors from the
// watcher or from Reload are delivered to onErr (may be nil).
func (r *Registry) WatchAndReload(onErr func(error)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registry: fsnotify: %w", err)
	}

	if r.hostConfigPath != "" {
		if err := watcher.Add(filepath.Dir(r.hostConfigPath)); err != nil && onErr != nil {
			onErr(fmt.Errorf("registry: watch host config dir: %w", err))
		}
	}
	if r.extensionsDir != "" {
		if err := watcher.Add(r.extensionsDir); err != nil && onErr != nil {
			onErr(fmt.Errorf("registry: watch extensions dir: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				if err := r.Reload(); err != nil && onErr != nil {
					onErr(err)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onErr != nil {
					onErr(werr)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

func loadHostConfig(path string, entries map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg hostConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	for name, spec := range cfg.McpServers {
		rendered := renderCommandLine(spec, "")
		entries[strings.ToLower(rendered)] = name
	}
	return nil
}

func loadManifests(dir string, entries map[string]string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*", "manifest.json"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var mf manifestFile
		if err := json.Unmarshal(data, &mf); err != nil {
			continue
		}
		if mf.Server.McpConfig.Command == "" {
			continue
		}
		rendered := renderCommandLine(mf.Server.McpConfig, filepath.Dir(m))
		entries[strings.ToLower(rendered)] = mf.Name
	}
	return nil
}

// renderCommandLine computes resolve_executable(command) + " " + join(args),
// expanding ${__dirname} to manifestDir and quoting tokens containing
// whitespace.
func renderCommandLine(spec ServerSpec, manifestDir string) string {
	cmd := strings.ReplaceAll(spec.Command, "${__dirname}", manifestDir)
	parts := []string{ResolveExecutable(cmd)}
	for _, a := range spec.Args {
		a = strings.ReplaceAll(a, "${__dirname}", manifestDir)
		if strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// pathExt lists the extensions searched, in order, when resolving a bare
// command name against PATH on Windows hosts. Other hosts try the bare name
// first, matching exec.LookPath's own platform behavior.
var pathExt = []string{".com", ".exe", ".bat", ".cmd"}

// shellScriptExt is the set of extensions that require wrapping with the
// system command interpreter rather than direct execution.
var shellScriptExt = map[string]bool{".cmd": true, ".bat": true}

// ResolveExecutable mirrors spec §4.2: absolute existing paths are used
// as-is; otherwise PATH (with PATHEXT on Windows) is searched; a resolved
// shell script is wrapped with the system interpreter.
func ResolveExecutable(cmd string) string {
	if cmd == "" {
		return cmd
	}

	if filepath.IsAbs(cmd) {
		if _, err := os.Stat(cmd); err == nil {
			return wrapIfShellScript(cmd)
		}
	}

	if resolved, err := exec.LookPath(cmd); err == nil {
		return wrapIfShellScript(resolved)
	}

	if runtime.GOOS == "windows" {
		for _, ext := range pathExt {
			if resolved, err := exec.LookPath(cmd + ext); err == nil {
				return wrapIfShellScript(resolved)
			}
		}
	}

	return cmd
}

func wrapIfShellScript(fullpath string) string {
	ext := strings.ToLower(filepath.Ext(fullpath))
	if !shellScriptExt[ext] {
		return fullpath
	}
	interpreter := "sh"
	if runtime.GOOS == "windows" {
		interpreter = os.Getenv("COMSPEC")
		if interpreter == "" {
			interpreter = "cmd.exe"
		}
	}
	return fmt.Sprintf(`%s /c "%s"`, interpreter, fullpath)
}

// LookupByCmdline returns the canonical name whose rendered command-line is a
// case-insensitive substring of cmdline, if any. Used by TagResolver rule 5.
func (r *Registry) LookupByCmdline(cmdline string) (name string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lower := strings.ToLower(cmdline)
	for entry, n := range r.entries {
		if strings.Contains(lower, entry) {
			return n, true
		}
	}
	return "", false
}

// SetTag binds pid to name, unless pid already holds a binding produced by a
// stronger (numerically lower) priority rule, in which case the call is
// rejected and the existing binding is left untouched. This is the
// TagBinding monotonicity invariant (§3): a binding is never silently
// overwritten by a weaker evidence source once a stronger one has set it.
// Returns whether the binding was applied.
func (r *Registry) SetTag(pid int, name string, priority int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tags[pid]; ok && existing.priority < priority {
		return false
	}
	r.tags[pid] = tagBinding{name: name, priority: priority}
	return true
}

// GetTag returns pid's current tag binding, if any.
func (r *Registry) GetTag(pid int) (name string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.tags[pid]
	return b.name, ok
}

// Remove destroys pid's tag binding, called on Process-Stop (§3 Process
// invariant: "removal of a PID also removes its tag binding").
func (r *Registry) Remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tags, pid)
}

// Tags returns a copy of every live pid -> canonical-name binding, for the
// /debug/tags introspection endpoint.
func (r *Registry) Tags() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]string, len(r.tags))
	for pid, b := range r.tags {
		out[pid] = b.name
	}
	return out
}
