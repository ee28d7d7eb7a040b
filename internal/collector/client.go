package collector

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/tripwire/observer/internal/envelope"
)

const (
	defaultMaxBackoff = 30 * time.Second
	initialBackoff    = 500 * time.Millisecond
)

// Client is a producer-side dialer for the Collector's local socket. It
// redials with exponential ±25% jitter backoff on disconnect, adapted from
// the teacher's GRPCClient reconnect loop (internal/transport/grpc_client.go)
// but carrying the spec's own length-prefixed frames instead of a gRPC
// stream. Per §5's backpressure rule, Send drops silently when no connection
// is currently established rather than blocking the caller.
type Client struct {
	addr       string
	logger     *slog.Logger
	maxBackoff time.Duration

	mu   sync.Mutex
	conn net.Conn

	dropped   int64
	connected int64
}

// NewClient returns a Client that will dial addr lazily; call Start to begin
// the connection loop in the background.
func NewClient(addr string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{addr: addr, logger: logger, maxBackoff: defaultMaxBackoff}
}

// Start runs the dial/reconnect loop until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	backoff := initialBackoff
	first := true

	for {
		select {
		case <-ctx.Done():
			c.closeConn()
			return
		default:
		}

		if !first {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				c.closeConn()
				return
			}
		}
		first = false

		conn, err := net.Dial("tcp", c.addr)
		if err != nil {
			c.logger.Warn("collector client: dial failed", slog.String("addr", c.addr), slog.Any("error", err))
			backoff = nextBackoff(backoff, c.maxBackoff)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.connected = 1
		backoff = initialBackoff

		// Hold the connection until ctx ends or a failed Send drops it, then redial.
		for alive := true; alive; {
			select {
			case <-ctx.Done():
				c.closeConn()
				return
			case <-time.After(initialBackoff):
			}
			c.mu.Lock()
			alive = c.conn == conn
			c.mu.Unlock()
		}
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = 0
}

// Send frames e as "<length>\n<json>\n" and writes it to the active
// connection. If no connection is currently established the envelope is
// dropped silently (§5: "producers drop silently if the Collector is
// unreachable").
func (c *Client) Send(e envelope.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.dropped++
		return nil
	}

	body, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("collector client: marshal envelope: %w", err)
	}

	frame := fmt.Sprintf("%d\n%s\n", len(body), body)
	if _, err := conn.Write([]byte(frame)); err != nil {
		c.closeConn()
		c.dropped++
		return nil
	}
	return nil
}

// Dropped returns the number of envelopes dropped because no connection was
// established at the time of Send or the write to it failed.
func (c *Client) Dropped() int64 { return c.dropped }

// nextBackoff doubles current, jitters by ±25%, and clamps to
// [initialBackoff, maxBackoff].
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	jitter := 0.75 + rand.Float64()*0.5
	next = time.Duration(float64(next) * jitter)
	if next < initialBackoff {
		next = initialBackoff
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}
