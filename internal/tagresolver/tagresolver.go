// Package tagresolver implements the priority-ordered MCP classifier
// described in spec.md §4.3: a pure function over registry state, an evidence
// cache, and a fixed rule ladder, producing an mcpTag for any combination of
// (pid, cmdline, path).
package tagresolver

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RegistryView is the subset of *registry.Registry the resolver needs. It is
// satisfied by *registry.Registry directly; kept as an interface so tests can
// supply a fake registry.
type RegistryView interface {
	LookupByCmdline(cmdline string) (name string, ok bool)
}

var (
	mcpLogPathRe    = regexp.MustCompile(`(?i)\\logs\\mcp-server-([a-z0-9_-]+)\.log`)
	mcpFlagRe       = regexp.MustCompile(`--mcp=([^\s"]+)`)
	modelContextRe  = regexp.MustCompile(`@modelcontextprotocol[/\\]server-([A-Za-z0-9_-]+)`)
	runtimeMarkerRe = regexp.MustCompile(`--type=(utility|gpu|renderer)`)
	heuristicFileRe = regexp.MustCompile(`([A-Za-z0-9_-]+)\.(py|js|ts|mjs|exe|bin|wasm|sh|go|rb|jar|dll|pl)`)
	hostLogNameRe   = regexp.MustCompile(`(?i)\\logs\\(mcp|main|claude\.ai-web)\.log$`)
)

var runtimeMarkerNames = map[string]string{
	"utility":  "UtilityProcess",
	"gpu":      "GPU",
	"renderer": "Renderer",
}

type cacheKey struct {
	pid      int
	basename string
}

// tagEntry is what the evidence cache stores: not just the resolved name but
// the priority of the rule that produced it, so a later cache hit can still
// report how strong the evidence behind it was.
type tagEntry struct {
	name     string
	priority int
}

// Resolver is the pure evidence-ladder classifier. Construct with New; safe
// for concurrent use (the underlying cache is safe, and Resolve makes no
// other mutations).
type Resolver struct {
	hostName     string
	vendorExtDir string // e.g. ".../Claude Extensions", scanned for rule 6
	registry     RegistryView
	cache        *lru.Cache[cacheKey, tagEntry]
}

// New returns a Resolver. hostName is the default tag (rule 10) and the
// literal name substituted by rule 7. vendorExtDir is the directory whose
// vendor extension subfolders are matched by rule 6; pass "" to disable that
// rule. cacheSize bounds the (pid, basename) evidence cache.
func New(hostName, vendorExtDir string, registry RegistryView, cacheSize int) (*Resolver, error) {
	c, err := lru.New[cacheKey, tagEntry](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		hostName:     hostName,
		vendorExtDir: vendorExtDir,
		registry:     registry,
		cache:        c,
	}, nil
}

// Resolve implements the 10-rule priority ladder of spec.md §4.3. The first
// rule to yield a non-empty name wins. priority is that rule's position in
// the ladder (1 strongest .. 10 weakest); callers (registry.Registry.SetTag)
// use it to enforce TagBinding's monotonic-upgrade invariant — a binding is
// never silently overwritten by a weaker evidence source once a stronger one
// has set it.
func (r *Resolver) Resolve(pid int, cmdline, path string) (name string, priority int) {
	key := cacheKey{pid: pid, basename: strings.ToLower(basename(path))}

	// Rule 1: explicit MCP log path.
	if m := mcpLogPathRe.FindStringSubmatch(path); m != nil {
		name := capitalize(m[1])
		r.cache.Add(key, tagEntry{name, 1})
		return name, 1
	}

	// Rule 2: prior cache hit. Reports the priority of whichever rule
	// originally populated the cache entry, not rule 2's own position.
	if entry, ok := r.cache.Get(key); ok {
		return entry.name, entry.priority
	}

	// Rule 3: command-line flag --mcp=<name>.
	if m := mcpFlagRe.FindStringSubmatch(cmdline); m != nil {
		return m[1], 3
	}

	// Rule 4: registry regex on the @modelcontextprotocol package path.
	if m := modelContextRe.FindStringSubmatch(cmdline); m != nil {
		return m[1], 4
	}

	// Rule 5: registry cmdline match (substring) or significant-token match.
	if r.registry != nil {
		if name, ok := r.registry.LookupByCmdline(cmdline); ok {
			r.cache.Add(key, tagEntry{name, 5})
			return name, 5
		}
	}
	if tok := significantToken(cmdline); tok != "" {
		r.cache.Add(key, tagEntry{tok, 5})
		return tok, 5
	}

	// Rule 6: vendor extension path.
	if r.vendorExtDir != "" {
		if name := vendorExtensionMatch(r.vendorExtDir, path); name != "" {
			return name, 6
		}
	}

	// Rule 7: host-internal log names.
	if hostLogNameRe.MatchString(path) {
		return r.hostName, 7
	}

	// Rule 8: runtime-only markers.
	if m := runtimeMarkerRe.FindStringSubmatch(cmdline); m != nil {
		return runtimeMarkerNames[m[1]], 8
	}

	// Rule 9: heuristic filename, last match across cmdline+path.
	if name := heuristicFilename(cmdline + " " + path); name != "" {
		return name, 9
	}

	// Rule 10: default to the host target name.
	return r.hostName, 10
}

// significantToken returns the first cmdline token of length >= 5 that is
// not a flag and contains ".exe", ".py", ".js", or the literal "server"
// (case-insensitive), or "" if none qualifies.
func significantToken(cmdline string) string {
	for _, tok := range strings.Fields(cmdline) {
		if len(tok) < 5 || strings.HasPrefix(tok, "-") {
			continue
		}
		lower := strings.ToLower(tok)
		if strings.Contains(lower, ".exe") || strings.Contains(lower, ".py") ||
			strings.Contains(lower, ".js") || strings.Contains(lower, "server") {
			return tok
		}
	}
	return ""
}

// vendorExtensionMatch looks for "<dir>/<anything>anthropic.<name>/" within
// path, matching spec rule 6.
func vendorExtensionMatch(dir, path string) string {
	re := regexp.MustCompile(regexp.QuoteMeta(dir) + `[/\\][^/\\]*anthropic\.([a-z0-9_-]+)[/\\]`)
	m := re.FindStringSubmatch(path)
	if m == nil {
		return ""
	}
	return m[1]
}

// heuristicFilename returns the last regex match of a recognized source
// filename in s, capitalized.
func heuristicFilename(s string) string {
	matches := heuristicFileRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return ""
	}
	last := matches[len(matches)-1]
	return capitalize(last[1])
}

// basename extracts the final path component, splitting on either '/' or
// '\\' regardless of the build platform's native separator, since the paths
// observed here originate on the traced host, not necessarily this process's
// own OS.
func basename(path string) string {
	i := strings.LastIndexAny(path, `/\`)
	if i < 0 {
		return path
	}
	return path[i+1:]
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
