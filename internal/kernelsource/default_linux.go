//go:build linux

package kernelsource

import (
	"log/slog"
	"time"
)

// NewDefaultProvider returns the best TraceProvider available on this
// platform: on Linux, the real kernel-backed NetlinkProvider rather than the
// poll-diff fallback.
func NewDefaultProvider(watchPaths []string, rootPID func() int, logger *slog.Logger) (TraceProvider, error) {
	return NewNetlinkProvider(watchPaths, rootPID, 2*time.Second, logger)
}
