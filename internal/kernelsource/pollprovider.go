package kernelsource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/tripwire/observer/internal/envelope"
)

// PollProvider is the cross-platform TraceProvider: process starts/stops and
// new TCP connections are detected by diffing gopsutil snapshots on a timer,
// and file events come from fsnotify watches over a fixed set of paths.
// Grounded on the teacher's darwin poll-based process watcher
// (process_watcher_darwin.go) and its /proc-table poll-diff idiom
// (network_watcher.go), generalized to gopsutil for portability.
//
// Limitation: unlike a kernel-level facility, fsnotify carries no PID with
// each event. File events are attributed to rootPID() (the tracked target's
// own PID), matching the "watch the tracked tree's own working directories"
// use case; file activity by other tracked descendants is not observable
// through this provider.
type PollProvider struct {
	procInterval time.Duration
	connInterval time.Duration
	watchPaths   []string
	rootPID      func() int
	logger       *slog.Logger

	procCh chan ProcessEvent
	fileCh chan FileEvent
	netCh  chan NetworkEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPollProvider returns a PollProvider. watchPaths lists directories or
// files to watch with fsnotify; rootPID supplies the PID attributed to any
// file event observed (pass a func returning 0 to have file events dropped —
// the fsnotify watch still runs, but events addressed to PID 0 are dropped by
// Source). If logger is
// nil, slog.Default() is used.
func NewPollProvider(procInterval, connInterval time.Duration, watchPaths []string, rootPID func() int, logger *slog.Logger) *PollProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if rootPID == nil {
		rootPID = func() int { return 0 }
	}
	return &PollProvider{
		procInterval: procInterval,
		connInterval: connInterval,
		watchPaths:   watchPaths,
		rootPID:      rootPID,
		logger:       logger,
		procCh:       make(chan ProcessEvent, 256),
		fileCh:       make(chan FileEvent, 256),
		netCh:        make(chan NetworkEvent, 256),
	}
}

func (p *PollProvider) Processes() <-chan ProcessEvent { return p.procCh }
func (p *PollProvider) Files() <-chan FileEvent        { return p.fileCh }
func (p *PollProvider) Networks() <-chan NetworkEvent  { return p.netCh }

// Start begins the poll loops and, if watchPaths is non-empty, the fsnotify
// watch loop. Returns an error only if the fsnotify watcher cannot be
// created; a watcher setup failure for an individual path is logged and
// skipped (kernel traces are lossy by design, §4.5).
func (p *PollProvider) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	var watcher *fsnotify.Watcher
	if len(p.watchPaths) > 0 {
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return err
		}
		for _, path := range p.watchPaths {
			if err := watcher.Add(path); err != nil {
				p.logger.Warn("kernelsource: poll provider: watch path failed",
					slog.String("path", path), slog.Any("error", err))
			}
		}
	}

	p.wg.Add(2)
	go func() { defer p.wg.Done(); p.processLoop(ctx) }()
	go func() { defer p.wg.Done(); p.connLoop(ctx) }()

	if watcher != nil {
		p.wg.Add(1)
		go func() { defer p.wg.Done(); p.fileLoop(ctx, watcher) }()
	}

	return nil
}

// Stop cancels every loop, waits for them to exit, and closes the event
// channels.
func (p *PollProvider) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	close(p.procCh)
	close(p.fileCh)
	close(p.netCh)
}

func (p *PollProvider) processLoop(ctx context.Context) {
	ticker := time.NewTicker(p.procInterval)
	defer ticker.Stop()

	known := make(map[int32]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pids, err := gopsprocess.Pids()
		if err != nil {
			p.logger.Warn("kernelsource: poll provider: list processes failed", slog.Any("error", err))
			continue
		}

		seen := make(map[int32]bool, len(pids))
		for _, pid := range pids {
			seen[pid] = true
			if known[pid] {
				continue
			}
			known[pid] = true

			proc, err := gopsprocess.NewProcess(pid)
			if err != nil {
				continue
			}
			ppid, _ := proc.Ppid()
			exe, _ := proc.Exe()
			cmdline, _ := proc.Cmdline()

			p.send(ProcessEvent{
				Task: envelope.TaskStart, PID: int(pid), ParentPID: int(ppid),
				Image: exe, Cmdline: cmdline, TS: envelope.Now(),
			})
		}

		for pid := range known {
			if seen[pid] {
				continue
			}
			delete(known, pid)
			p.send(ProcessEvent{Task: envelope.TaskStop, PID: int(pid), TS: envelope.Now()})
		}
	}
}

func (p *PollProvider) connLoop(ctx context.Context) {
	ticker := time.NewTicker(p.connInterval)
	defer ticker.Stop()

	known := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		conns, err := gopsnet.Connections("tcp")
		if err != nil {
			p.logger.Warn("kernelsource: poll provider: list connections failed", slog.Any("error", err))
			continue
		}

		seen := make(map[string]bool, len(conns))
		for _, c := range conns {
			if c.Status != "ESTABLISHED" || c.Pid == 0 {
				continue
			}
			key := connKey(c)
			seen[key] = true
			if known[key] {
				continue
			}
			known[key] = true

			p.send2(NetworkEvent{
				Task: envelope.TaskConnect, PID: int(c.Pid),
				Src: c.Laddr.IP, SPort: int(c.Laddr.Port),
				Dst: c.Raddr.IP, DPort: int(c.Raddr.Port),
				TS: envelope.Now(),
			})
		}
		for key := range known {
			if !seen[key] {
				delete(known, key)
			}
		}
	}
}

func connKey(c gopsnet.ConnectionStat) string {
	return c.Laddr.IP + ":" + itoa(c.Laddr.Port) + "-" + c.Raddr.IP + ":" + itoa(c.Raddr.Port)
}

func itoa(u uint32) string {
	if u == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}

func (p *PollProvider) fileLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			p.handleFsEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("kernelsource: poll provider: fsnotify error", slog.Any("error", err))
		}
	}
}

func (p *PollProvider) handleFsEvent(event fsnotify.Event) {
	var task envelope.Task
	switch {
	case event.Op&fsnotify.Create != 0:
		task = envelope.TaskCreate
	case event.Op&fsnotify.Write != 0:
		task = envelope.TaskWrite
	case event.Op&fsnotify.Remove != 0:
		task = envelope.TaskDelete
	case event.Op&fsnotify.Rename != 0:
		// fsnotify exposes no rename-pair correlation token at this API
		// level; report the completing half only and let Source fall back
		// to "(unknown_old)".
		task = envelope.TaskRename
	default:
		return
	}

	p.send3(FileEvent{
		Task: task, PID: p.rootPID(), Path: event.Name, Completing: true, TS: envelope.Now(),
	})
}

func (p *PollProvider) send(e ProcessEvent) {
	select {
	case p.procCh <- e:
	default:
		p.logger.Warn("kernelsource: poll provider: process event channel full, dropping")
	}
}

func (p *PollProvider) send2(e NetworkEvent) {
	select {
	case p.netCh <- e:
	default:
		p.logger.Warn("kernelsource: poll provider: network event channel full, dropping")
	}
}

func (p *PollProvider) send3(e FileEvent) {
	select {
	case p.fileCh <- e:
	default:
		p.logger.Warn("kernelsource: poll provider: file event channel full, dropping")
	}
}
