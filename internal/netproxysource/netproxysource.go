// Package netproxysource implements NetProxySource (spec.md §4.7): it
// consumes newline-framed MCP events emitted by a transparent local HTTP(S)
// interceptor addon, resolves each event's local 5-tuple to an owning PID via
// the host's TCP connection table, and re-emits an MCP envelope tagged
// producer="mitm", transport="tcp". Grounded on the teacher's
// network_watcher.go connection-table-lookup idiom, generalized from
// /proc/net/tcp parsing to gopsutil/v3/net for cross-platform lookup.
package netproxysource

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	gopsproc "github.com/shirou/gopsutil/v3/process"

	"github.com/tripwire/observer/internal/envelope"
)

// Emitter is the subset of collector.Client used to forward envelopes.
type Emitter interface {
	Send(e envelope.Envelope) error
}

// addonEvent is the newline-delimited JSON shape the mitm addon writes, one
// object per line: the local half of the connection the event was observed
// on, plus the already-classified MCP payload fields.
type addonEvent struct {
	LocalAddr string         `json:"localAddr"`
	LocalPort int            `json:"localPort"`
	Task      string         `json:"task"`
	Src       string         `json:"src"`
	Dst       string         `json:"dst"`
	Message   map[string]any `json:"message"`
}

// PIDResolver maps a local ip:port to the owning PID and process name by
// querying the host's TCP connection table. Returns ok=false if no owning
// process could be found.
type PIDResolver func(localAddr string, localPort int) (pid int, pname string, ok bool)

// Source consumes addon events from an io.Reader and emits MCP envelopes.
type Source struct {
	emitter  Emitter
	resolver PIDResolver
	logger   *slog.Logger
}

// New returns a Source. If resolver is nil, ResolveViaConnTable (gopsutil
// based) is used. If logger is nil, slog.Default() is used.
func New(emitter Emitter, resolver PIDResolver, logger *slog.Logger) *Source {
	if resolver == nil {
		resolver = ResolveViaConnTable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{emitter: emitter, resolver: resolver, logger: logger}
}

// Run reads newline-delimited addon events from r until EOF or ctx is
// cancelled, emitting one MCP envelope per well-formed line. Malformed lines
// are logged and skipped (§7: Bug — payload parse failures are suppressed).
func (s *Source) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var ev addonEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			s.logger.Error("netproxysource: malformed addon event", slog.Any("error", err))
			continue
		}
		s.handle(ev)
	}
	return scanner.Err()
}

func (s *Source) handle(ev addonEvent) {
	pid, pname, ok := s.resolver(ev.LocalAddr, ev.LocalPort)
	if !ok {
		pid, pname = 0, "unknown"
	}

	e := envelope.NewMCP(envelope.ProducerMitm, pid, pname, envelope.MCPData{
		Task:      envelope.Task(ev.Task),
		Transport: "tcp",
		Src:       ev.Src,
		Dst:       ev.Dst,
		Message:   ev.Message,
	})

	if s.emitter == nil {
		return
	}
	if err := s.emitter.Send(e); err != nil {
		s.logger.Warn("netproxysource: emit failed", slog.Any("error", err))
	}
}

// ResolveViaConnTable is the default PIDResolver: it scans the host's TCP
// connection table (gopsutil/v3/net) for a socket whose local address:port
// matches, then resolves the owning PID's process name.
func ResolveViaConnTable(localAddr string, localPort int) (pid int, pname string, ok bool) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return 0, "", false
	}

	target := fmt.Sprintf("%s:%d", localAddr, localPort)
	for _, c := range conns {
		if c.Pid == 0 {
			continue
		}
		if fmt.Sprintf("%s:%d", c.Laddr.IP, c.Laddr.Port) == target {
			name := processName(c.Pid)
			return int(c.Pid), name, true
		}
	}
	return 0, "", false
}

func processName(pid int32) string {
	p, err := gopsproc.NewProcess(pid)
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}
