// Package noisefilter implements the two-stage per-event suppression
// described in spec.md §4.4/§3 DedupCell: a path-noise classifier and a
// (kind, pid, path) dedup window. Both stages must pass for an event to
// emit.
package noisefilter

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Window is the dedup suppression interval (§3 DedupCell).
const Window = 500 * time.Millisecond

// keepSubstrings are always kept regardless of the noisy-extension/path
// checks below.
var keepSubstrings = []string{
	"\\logs\\",
	"\\crashpad\\",
	"\\preferences",
	"\\hosts",
}

var noisyExtRe = regexp.MustCompile(`(?i)\.(pf|ldb|bdic|pyc|pyo|pyd|json|lock|cfg|ni\.dll\.aux)$`)

var noisyPathSubstrings = []string{
	"cache",
	"prefetch",
	"shadercache",
	"gpucache",
	"dawnwebgpucache",
	"code cache",
	"local storage",
	"shared dictionary",
	"temp",
	"spool drivers",
	"site-packages",
	"__pycache__",
	"pyvenv.cfg",
	".venv",
}

var noisyReadKinds = map[string]bool{
	"CLOSE":   true,
	"READ":    true,
	"DIRENUM": true,
}

// Filter holds the per-source dedup cell table. A Filter is not safe to
// share across sources — each KernelSource instance owns its own (§5:
// "DedupCell map is per-source, not shared").
type Filter struct {
	hostConfigNames []string // extra keep-list substrings, e.g. the configured host config file name

	mu    sync.Mutex
	cells map[cellKey]*cell
}

type cellKey struct {
	kind string
	pid  int
	path string
}

type cell struct {
	lastTS      time.Time
	repeatCount int
}

// FlushedDedup reports a dedup cell whose window has elapsed with no further
// activity on that (kind, pid, path) key to trigger an inline flush. Callers
// that poll Flush on an interval shorter than Window (e.g. KernelSource's
// Run loop) are what makes a burst that never repeats again still get
// reported.
type FlushedDedup struct {
	Kind        string
	PID         int
	Path        string
	RepeatCount int
}

// New returns an empty Filter. hostConfigNames are additional lowercase
// substrings (e.g. the configured host config file's basename) treated as
// always-kept, on top of the fixed keep-list.
func New(hostConfigNames ...string) *Filter {
	return &Filter{hostConfigNames: hostConfigNames, cells: make(map[cellKey]*cell)}
}

// Admit runs both filter stages for one (kind, pid, path) event at time now.
// emit is false if the event is noise or is being held as part of an
// in-progress dedup window; when emit is true, repeatCount reports how many
// prior occurrences this burst absorbed before it closed (0 if none).
func (f *Filter) Admit(kind string, pid int, path string, now time.Time) (emit bool, repeatCount int) {
	if f.isPathNoise(path, kind) {
		return false, 0
	}
	return f.dedup(kind, pid, path, now)
}

func (f *Filter) isPathNoise(path, kind string) bool {
	lower := strings.ToLower(path)

	for _, keep := range keepSubstrings {
		if strings.Contains(lower, keep) {
			return false
		}
	}
	for _, keep := range f.hostConfigNames {
		if keep != "" && strings.Contains(lower, strings.ToLower(keep)) {
			return false
		}
	}

	if noisyExtRe.MatchString(lower) {
		return true
	}
	for _, substr := range noisyPathSubstrings {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	if noisyReadKinds[kind] && basename(lower) == "" {
		return true
	}
	return false
}

// dedup holds the first event of a new (kind, pid, path) burst rather than
// emitting it, so the envelope eventually reported for the burst carries the
// burst's own repeatCount instead of a premature 0 (the Dedup law: a burst of
// N events within Window yields exactly one emission with repeatCount N-1).
// The burst closes out — emitting — either here, when a later event for the
// same key arrives after Window has elapsed, or via Flush, for a burst that
// is never followed by another event on that key at all.
func (f *Filter) dedup(kind string, pid int, path string, now time.Time) (emit bool, repeatCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := cellKey{kind: kind, pid: pid, path: path}
	c, ok := f.cells[key]
	if !ok {
		f.cells[key] = &cell{lastTS: now}
		return false, 0
	}

	if now.Sub(c.lastTS) < Window {
		c.repeatCount++
		return false, 0
	}

	repeatCount = c.repeatCount
	f.cells[key] = &cell{lastTS: now}
	return true, repeatCount
}

// Flush reports and clears every dedup cell whose window has elapsed as of
// now. It is the counterpart to the inline flush in dedup: a cell only
// reaches dedup's elapsed-window branch when another event arrives on its
// exact key, so a key that is never repeated would otherwise sit pending
// forever. Callers should poll Flush on an interval shorter than Window.
func (f *Filter) Flush(now time.Time) []FlushedDedup {
	f.mu.Lock()
	defer f.mu.Unlock()

	var flushed []FlushedDedup
	for key, c := range f.cells {
		if now.Sub(c.lastTS) >= Window {
			flushed = append(flushed, FlushedDedup{
				Kind:        key.kind,
				PID:         key.pid,
				Path:        key.path,
				RepeatCount: c.repeatCount,
			})
			delete(f.cells, key)
		}
	}
	return flushed
}

func basename(path string) string {
	i := strings.LastIndexAny(path, `/\`)
	if i < 0 {
		return path
	}
	return path[i+1:]
}
