//go:build !linux

package kernelsource

import (
	"log/slog"
	"time"
)

// NewDefaultProvider returns the best TraceProvider available on this
// platform. Everywhere but Linux that is PollProvider; watchPaths are
// fsnotify-watched directories (pass nil to disable file events), rootPID
// supplies the PID attributed to file events.
func NewDefaultProvider(watchPaths []string, rootPID func() int, logger *slog.Logger) (TraceProvider, error) {
	return NewPollProvider(2*time.Second, 2*time.Second, watchPaths, rootPID, logger), nil
}
