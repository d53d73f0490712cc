// Stub signal bridge for platforms without pipe/poll support. Setup with an
// empty signal list still succeeds so callers can share code paths.

//go:build !unix

package sigbridge

import (
	"log/slog"
	"os"
	"syscall"
)

// Bridge is unavailable on this platform.
type Bridge struct{}

// Install always fails with [ErrUnsupported].
func Install(_ []os.Signal, _ *slog.Logger) (*Bridge, error) {
	return nil, ErrUnsupported
}

// Fd returns -1.
func (b *Bridge) Fd() int { return -1 }

// DrainOne always fails with [ErrUnsupported].
func (b *Bridge) DrainOne() (syscall.Signal, error) { return 0, ErrUnsupported }

// Close is a no-op.
func (b *Bridge) Close() error { return nil }
