package kernelsource

import (
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/tripwire/observer/internal/envelope"
)

func testConn(lip string, lport uint32, rip string, rport uint32) gopsnet.ConnectionStat {
	return gopsnet.ConnectionStat{
		Laddr: gopsnet.Addr{IP: lip, Port: lport},
		Raddr: gopsnet.Addr{IP: rip, Port: rport},
	}
}

func TestHandleFsEventTranslatesOpsAndAttributesRootPID(t *testing.T) {
	p := NewPollProvider(time.Second, time.Second, nil, func() int { return 7 }, nil)

	cases := []struct {
		op   fsnotify.Op
		want envelope.Task
	}{
		{fsnotify.Create, envelope.TaskCreate},
		{fsnotify.Write, envelope.TaskWrite},
		{fsnotify.Remove, envelope.TaskDelete},
		{fsnotify.Rename, envelope.TaskRename},
	}

	for _, c := range cases {
		p.handleFsEvent(fsnotify.Event{Name: `C:\foo\bar.txt`, Op: c.op})
		select {
		case fe := <-p.fileCh:
			if fe.Task != c.want {
				t.Fatalf("op %v: task = %v, want %v", c.op, fe.Task, c.want)
			}
			if fe.PID != 7 {
				t.Fatalf("op %v: pid = %d, want 7 (from rootPID)", c.op, fe.PID)
			}
		default:
			t.Fatalf("op %v: expected a file event, got none", c.op)
		}
	}
}

func TestHandleFsEventIgnoresChmod(t *testing.T) {
	p := NewPollProvider(time.Second, time.Second, nil, nil, nil)
	p.handleFsEvent(fsnotify.Event{Name: `C:\foo\bar.txt`, Op: fsnotify.Chmod})
	select {
	case fe := <-p.fileCh:
		t.Fatalf("expected no event for Chmod, got %#v", fe)
	default:
	}
}

func TestNewPollProviderDefaultsRootPIDToZero(t *testing.T) {
	p := NewPollProvider(time.Second, time.Second, nil, nil, nil)
	if got := p.rootPID(); got != 0 {
		t.Fatalf("default rootPID() = %d, want 0", got)
	}
}

func TestConnKeyIsStableForSameTuple(t *testing.T) {
	a := connKey(testConn("10.0.0.1", 80, "10.0.0.2", 443))
	b := connKey(testConn("10.0.0.1", 80, "10.0.0.2", 443))
	if a != b {
		t.Fatalf("connKey not stable: %q vs %q", a, b)
	}
	c := connKey(testConn("10.0.0.1", 81, "10.0.0.2", 443))
	if a == c {
		t.Fatalf("connKey collided across different local ports")
	}
}
