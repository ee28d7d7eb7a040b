package kernelsource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/observer/internal/envelope"
	"github.com/tripwire/observer/internal/noisefilter"
	"github.com/tripwire/observer/internal/procgraph"
)

// flushInterval is how often Run polls Filter.Flush for dedup cells whose
// window elapsed with no further event on that key to close them out
// inline. It must be shorter than noisefilter.Window.
const flushInterval = 100 * time.Millisecond

// GraphView is the subset of *procgraph.Graph Source needs. Process events
// are the sole writer path (OnStart/OnStop); File/Network events only read.
type GraphView interface {
	IsTracked(pid int) bool
	OnStart(pid, parentPID int, image, cmdline string, ts int64) bool
	OnStop(pid int) (procgraph.Process, bool)
	Get(pid int) (procgraph.Process, bool)
	ParentName(pid int) string
}

// Resolver is the subset of *tagresolver.Resolver Source needs. priority is
// the resolving rule's position in the evidence ladder (1 strongest .. 10
// weakest); Source passes it through to TagRegistry.SetTag so a later,
// weaker-evidence call cannot downgrade an existing binding.
type Resolver interface {
	Resolve(pid int, cmdline, path string) (name string, priority int)
}

// Filter is the subset of *noisefilter.Filter Source needs.
type Filter interface {
	Admit(kind string, pid int, path string, now time.Time) (emit bool, repeatCount int)
	Flush(now time.Time) []noisefilter.FlushedDedup
}

// TagRegistry is the subset of *registry.Registry Source needs to maintain
// the per-PID tag binding lifecycle (set on Process-Start, cleared on
// Process-Stop).
type TagRegistry interface {
	SetTag(pid int, name string, priority int) bool
	GetTag(pid int) (name string, ok bool)
	Remove(pid int)
}

// Emitter is the subset of *collector.Client Source needs.
type Emitter interface {
	Send(e envelope.Envelope) error
}

// Source implements the KernelSource pipeline of spec.md §4.5: it drains a
// TraceProvider's three event channels, applies the graph/tag/noise
// normalization rules, and hands well-formed envelopes to an Emitter.
type Source struct {
	provider TraceProvider
	graph    GraphView
	resolver Resolver
	filter   Filter
	tags     TagRegistry
	emitter  Emitter
	producer envelope.Producer
	logger   *slog.Logger

	renameMu      sync.Mutex
	pendingRename map[string]string // fileKey -> old path
}

// New returns a Source wiring the given collaborators. If logger is nil,
// slog.Default() is used.
func New(provider TraceProvider, graph GraphView, resolver Resolver, filter Filter, tags TagRegistry, emitter Emitter, producer envelope.Producer, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		provider:      provider,
		graph:         graph,
		resolver:      resolver,
		filter:        filter,
		tags:          tags,
		emitter:       emitter,
		producer:      producer,
		logger:        logger,
		pendingRename: make(map[string]string),
	}
}

// Run starts the provider and drains its channels until ctx is cancelled or
// all three channels close. Per-event problems are logged and swallowed —
// kernel traces are lossy by design (§4.5's stated failure semantics).
func (s *Source) Run(ctx context.Context) error {
	if err := s.provider.Start(); err != nil {
		return err
	}
	defer s.provider.Stop()

	procCh := s.provider.Processes()
	fileCh := s.provider.Files()
	netCh := s.provider.Networks()

	flushTicker := time.NewTicker(flushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-flushTicker.C:
			s.handleFlush(now)
			continue
		case pe, ok := <-procCh:
			if !ok {
				procCh = nil
				continue
			}
			s.handleProcess(pe)
		case fe, ok := <-fileCh:
			if !ok {
				fileCh = nil
				continue
			}
			s.handleFile(fe)
		case ne, ok := <-netCh:
			if !ok {
				netCh = nil
				continue
			}
			s.handleNetwork(ne)
		}
		if procCh == nil && fileCh == nil && netCh == nil {
			return nil
		}
	}
}

// handleFlush reports dedup cells that closed out with no follow-up event on
// their exact key (a burst that never repeated past Filter's window), so
// they are not stranded indefinitely. Cells belonging to a PID no longer
// tracked are dropped rather than reported.
func (s *Source) handleFlush(now time.Time) {
	for _, fd := range s.filter.Flush(now) {
		if !s.graph.IsTracked(fd.PID) {
			continue
		}
		proc, _ := s.graph.Get(fd.PID)
		tag, _ := s.tags.GetTag(fd.PID)
		s.emit(envelope.NewFile(s.producer, fd.PID, proc.ProcessName, envelope.FileData{
			Task:        envelope.Task(fd.Kind),
			PID:         fd.PID,
			FilePath:    fd.Path,
			McpTag:      tag,
			RepeatCount: fd.RepeatCount,
		}))
	}
}

func (s *Source) handleProcess(pe ProcessEvent) {
	switch pe.Task {
	case envelope.TaskStart:
		if !s.graph.OnStart(pe.PID, pe.ParentPID, pe.Image, pe.Cmdline, pe.TS) {
			return // not the tracked target and not a descendant of one
		}
		tag, priority := s.resolver.Resolve(pe.PID, pe.Cmdline, pe.Image)
		s.tags.SetTag(pe.PID, tag, priority)
		reportedTag, _ := s.tags.GetTag(pe.PID)

		proc, _ := s.graph.Get(pe.PID)
		s.emit(envelope.NewProcess(s.producer, pe.PID, proc.ProcessName, envelope.ProcessData{
			Task:          envelope.TaskStart,
			PID:           pe.PID,
			PName:         proc.ProcessName,
			Parent:        envelope.ParentRef{PID: pe.ParentPID, Name: s.graph.ParentName(pe.PID)},
			ImageFilename: pe.Image,
			CommandLine:   pe.Cmdline,
			McpTag:        reportedTag,
		}))

	case envelope.TaskStop:
		tag, _ := s.tags.GetTag(pe.PID)
		proc, ok := s.graph.OnStop(pe.PID)
		if !ok {
			return // wasn't tracked; nothing to report
		}
		s.tags.Remove(pe.PID)

		s.emit(envelope.NewProcess(s.producer, pe.PID, proc.ProcessName, envelope.ProcessData{
			Task:          envelope.TaskStop,
			PID:           pe.PID,
			PName:         proc.ProcessName,
			Parent:        envelope.ParentRef{PID: proc.ParentPID, Name: ""},
			ImageFilename: proc.ImageFilename,
			CommandLine:   proc.CommandLine,
			McpTag:        tag,
		}))
	}
}

func (s *Source) handleFile(fe FileEvent) {
	if !s.graph.IsTracked(fe.PID) {
		return
	}

	if fe.Task == envelope.TaskRename && !fe.Completing {
		if fe.FileKey != "" {
			s.renameMu.Lock()
			s.pendingRename[fe.FileKey] = fe.Path
			s.renameMu.Unlock()
		}
		return // the start half is not itself emitted
	}

	oldPath := ""
	if fe.Task == envelope.TaskRename {
		oldPath = "(unknown_old)"
		if fe.FileKey != "" {
			s.renameMu.Lock()
			if v, ok := s.pendingRename[fe.FileKey]; ok {
				oldPath = v
				delete(s.pendingRename, fe.FileKey)
			}
			s.renameMu.Unlock()
		}
	}

	kind := string(fe.Task)
	emit, repeatCount := s.filter.Admit(kind, fe.PID, fe.Path, time.Unix(0, fe.TS))
	if !emit {
		return
	}

	proc, _ := s.graph.Get(fe.PID)
	tag, priority := s.resolver.Resolve(fe.PID, proc.CommandLine, fe.Path)
	s.tags.SetTag(fe.PID, tag, priority)
	reportedTag, _ := s.tags.GetTag(fe.PID)

	data := envelope.FileData{
		Task:        fe.Task,
		PID:         fe.PID,
		FilePath:    fe.Path,
		McpTag:      reportedTag,
		RepeatCount: repeatCount,
		Size:        fe.Size,
	}
	if fe.Task == envelope.TaskRename {
		data.OldPath = oldPath
		data.NewPath = fe.Path
	}

	s.emit(envelope.NewFile(s.producer, fe.PID, proc.ProcessName, data))
}

func (s *Source) handleNetwork(ne NetworkEvent) {
	if !s.graph.IsTracked(ne.PID) {
		return
	}

	proc, _ := s.graph.Get(ne.PID)
	tag, priority := s.resolver.Resolve(ne.PID, proc.CommandLine, "")
	s.tags.SetTag(ne.PID, tag, priority)
	reportedTag, _ := s.tags.GetTag(ne.PID)

	s.emit(envelope.NewNetwork(s.producer, ne.PID, proc.ProcessName, envelope.NetworkData{
		Task:      ne.Task,
		PID:       ne.PID,
		PName:     proc.ProcessName,
		McpTag:    reportedTag,
		TransPort: "tcp",
		Src:       ne.Src,
		SPort:     ne.SPort,
		Dst:       ne.Dst,
		DPort:     ne.DPort,
		Bytes:     ne.Bytes,
	}))
}

func (s *Source) emit(e envelope.Envelope) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.Send(e); err != nil {
		s.logger.Warn("kernelsource: emit failed", slog.Any("error", err))
	}
}
