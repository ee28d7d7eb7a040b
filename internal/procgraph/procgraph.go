// Package procgraph tracks the live forest of processes descending from a
// tracked host target. A Process exists in the graph iff it is the root or a
// descendant of a tracked root (§3); KernelSource is the sole writer, every
// other component reads through Graph's RLock-guarded accessors.
package procgraph

import (
	"strings"
	"sync"
)

// Process is one live node in the tracked forest.
type Process struct {
	PID           int
	ParentPID     int
	ImageFilename string
	CommandLine   string
	ProcessName   string
	StartTS       int64
}

// Graph is a single-writer, many-reader process forest. The zero value is not
// usable; construct with New.
type Graph struct {
	mu      sync.RWMutex
	procs   map[int]*Process
	rootPID int
	target  string
}

// New returns an empty Graph that will treat any image_filename ending in
// target as a root candidate for OnStart.
func New(target string) *Graph {
	return &Graph{
		procs:  make(map[int]*Process),
		target: target,
	}
}

// OnStart inserts pid if its image matches the tracked target or its parent
// is already tracked. Duplicate inserts are silently ignored (idempotent).
// Returns true if the process was inserted.
func (g *Graph) OnStart(pid, parentPID int, image, cmdline string, ts int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.procs[pid]; exists {
		return false
	}

	_, parentTracked := g.procs[parentPID]
	matchesTarget := g.target != "" && strings.HasSuffix(image, g.target)

	if !matchesTarget && !parentTracked {
		return false
	}

	g.procs[pid] = &Process{
		PID:           pid,
		ParentPID:     parentPID,
		ImageFilename: image,
		CommandLine:   cmdline,
		ProcessName:   baseName(image),
		StartTS:       ts,
	}

	if matchesTarget && g.rootPID == 0 {
		g.rootPID = pid
	}

	return true
}

// OnStop removes pid and returns the removed record. ok is false if pid was
// not tracked.
func (g *Graph) OnStop(pid int) (proc Process, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, exists := g.procs[pid]
	if !exists {
		return Process{}, false
	}
	delete(g.procs, pid)
	if pid == g.rootPID {
		g.rootPID = 0
	}
	return *p, true
}

// IsTracked reports whether pid is currently live in the graph.
func (g *Graph) IsTracked(pid int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.procs[pid]
	return ok
}

// Get returns a copy of pid's record, if tracked.
func (g *Graph) Get(pid int) (proc Process, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, exists := g.procs[pid]
	if !exists {
		return Process{}, false
	}
	return *p, true
}

// Ancestors walks parent links from pid up to the root, returning PIDs from
// closest to farthest. Returns nil if pid is unknown.
func (g *Graph) Ancestors(pid int) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.procs[pid]; !ok {
		return nil
	}

	var out []int
	seen := map[int]bool{pid: true}
	cur := pid
	for {
		p, ok := g.procs[cur]
		if !ok {
			break
		}
		parent := p.ParentPID
		if parent == 0 || seen[parent] {
			break
		}
		if _, ok := g.procs[parent]; !ok {
			break
		}
		out = append(out, parent)
		seen[parent] = true
		cur = parent
	}
	return out
}

// IndentDepth returns the number of tracked ancestors of pid; 0 if pid is
// unknown or a root.
func (g *Graph) IndentDepth(pid int) int {
	return len(g.Ancestors(pid))
}

// ParentName returns the process name of pid's parent, or "<unknown>" if the
// parent is absent from the graph.
func (g *Graph) ParentName(pid int) string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p, ok := g.procs[pid]
	if !ok {
		return "<unknown>"
	}
	parent, ok := g.procs[p.ParentPID]
	if !ok {
		return "<unknown>"
	}
	return parent.ProcessName
}

// RootPID returns the PID of the first process whose image matched the
// tracked target, or 0 if no root has been observed (or it has since exited).
func (g *Graph) RootPID() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rootPID
}

// Snapshot returns a copy of every currently tracked process, for read-only
// consumers such as the control-plane GetProcessTree RPC.
func (g *Graph) Snapshot() []Process {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Process, 0, len(g.procs))
	for _, p := range g.procs {
		out = append(out, *p)
	}
	return out
}

func baseName(path string) string {
	i := strings.LastIndexAny(path, `/\`)
	if i < 0 {
		return path
	}
	return path[i+1:]
}
