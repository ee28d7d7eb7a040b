// Package kernelsource implements KernelSource (spec.md §4.5): it subscribes
// to a kernel trace facility for Process start/stop, File I/O, and Network
// TCP/IP events, and normalizes each into a tagged EventEnvelope handed to a
// Transport. The trace facility itself is an opaque, swappable capability
// behind the TraceProvider interface — Source never touches the OS directly.
package kernelsource

import (
	"github.com/tripwire/observer/internal/envelope"
)

// ProcessEvent is a raw Process start/stop observed by a TraceProvider.
type ProcessEvent struct {
	Task      envelope.Task // TaskStart or TaskStop
	PID       int
	ParentPID int
	Image     string
	Cmdline   string
	TS        int64
}

// FileEvent is a raw File I/O event observed by a TraceProvider.
//
// RENAME is reported as two correlated halves sharing FileKey: the first,
// with Completing=false, carries the old path in Path; the second, with
// Completing=true, carries the new path in Path. A provider that cannot
// correlate the two (no kernel-level cookie available) reports only the
// completing half with FileKey="", and Source falls back to the
// "(unknown_old)" old path per spec.md §4.5.
type FileEvent struct {
	Task       envelope.Task // CREATE, WRITE, READ, DELETE, CLOSE, DIRENUM, RENAME
	PID        int
	Path       string
	FileKey    string
	Completing bool
	Size       int64
	TS         int64
}

// NetworkEvent is a raw Network TCP/IP event observed by a TraceProvider.
type NetworkEvent struct {
	Task  envelope.Task // SEND, RECV, CONNECT
	PID   int
	Src   string
	SPort int
	Dst   string
	DPort int
	Bytes int64
	TS    int64
}

// TraceProvider is the opaque kernel trace facility capability (§1). A
// provider is free to be lossy: Source swallows per-event problems with a
// warning rather than treating them as fatal, matching the kernel traces'
// "lossy by design" failure semantics.
type TraceProvider interface {
	// Start begins emitting events on the three channels below. It must
	// return promptly; event delivery happens in background goroutines
	// owned by the provider.
	Start() error
	Processes() <-chan ProcessEvent
	Files() <-chan FileEvent
	Networks() <-chan NetworkEvent
	// Stop shuts the provider down and closes its event channels.
	Stop()
}
