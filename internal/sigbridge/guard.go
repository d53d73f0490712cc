// Package sigbridge converts asynchronous OS signal delivery into readability
// of a pipe, and scopes the process-wide signal registration to the lifetime
// of one event loop.
package sigbridge

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
)

// ///////////////////////////////////////////////
// Errors
// ///////////////////////////////////////////////

// ErrGuardActive is returned by [Setup] while another setup has not been
// torn down yet. Signal registration is process-wide, so guards never nest.
var ErrGuardActive = errors.New("sigbridge: signal guard already active")

// ErrUnsupported is returned on platforms without a self-pipe implementation.
var ErrUnsupported = errors.New("sigbridge: signal bridge not supported on this platform")

// active is set between a successful Setup and its Teardown.
var active atomic.Bool

// Active reports whether a guard currently owns the process signal routing.
func Active() bool {
	return active.Load()
}

// ///////////////////////////////////////////////
// Snapshot
// ///////////////////////////////////////////////

// Snapshot records the disposition of every signal a [Setup] call installed,
// so [Teardown] can put back exactly what was there before.
type Snapshot struct {
	// installed lists the signals registered by Setup, in configured order.
	installed []os.Signal
	// ignored holds the signals that were ignored before Setup.
	ignored map[os.Signal]bool
	// bridge is nil when no signals were requested.
	bridge *Bridge
	// owner is true when this snapshot holds the process-wide guard.
	owner bool
	// released is set once Teardown ran.
	released atomic.Bool
}

// Installed returns the signals covered by the snapshot.
func (s *Snapshot) Installed() []os.Signal {
	out := make([]os.Signal, len(s.installed))
	copy(out, s.installed)
	return out
}

// WasIgnored reports whether sig was ignored before setup.
func (s *Snapshot) WasIgnored(sig os.Signal) bool {
	return s.ignored[sig]
}

// ///////////////////////////////////////////////
// Setup / Teardown
// ///////////////////////////////////////////////

// Setup captures the current disposition of sigs and installs a [Bridge] for
// them. With no signals it returns an empty snapshot and a nil bridge, and
// touches no process state. Duplicates are collapsed keeping first-seen order.
//
// Every successful Setup must be paired with exactly one [Teardown].
func Setup(sigs []os.Signal, log *slog.Logger) (*Snapshot, *Bridge, error) {
	sigs = dedupe(sigs)
	if len(sigs) == 0 {
		return &Snapshot{}, nil, nil
	}
	if !active.CompareAndSwap(false, true) {
		return nil, nil, ErrGuardActive
	}

	snap := &Snapshot{
		installed: sigs,
		ignored:   make(map[os.Signal]bool, len(sigs)),
		owner:     true,
	}
	for _, sig := range sigs {
		if signal.Ignored(sig) {
			snap.ignored[sig] = true
		}
	}

	b, err := Install(sigs, log)
	if err != nil {
		// Install registers nothing on failure, so only the guard is released.
		active.Store(false)
		return nil, nil, err
	}
	snap.bridge = b
	return snap, b, nil
}

// Teardown closes the bridge and restores the disposition captured by Setup
// for exactly the installed signals. A second call is a no-op.
func Teardown(snap *Snapshot) error {
	if snap == nil || !snap.released.CompareAndSwap(false, true) {
		return nil
	}
	if !snap.owner {
		return nil
	}
	defer active.Store(false)

	var err error
	if snap.bridge != nil {
		err = snap.bridge.Close()
	}
	for _, sig := range snap.installed {
		if snap.ignored[sig] {
			signal.Ignore(sig)
		}
	}
	return err
}

// dedupe drops nil and repeated signals.
func dedupe(sigs []os.Signal) []os.Signal {
	if len(sigs) == 0 {
		return nil
	}
	seen := make(map[os.Signal]bool, len(sigs))
	out := make([]os.Signal, 0, len(sigs))
	for _, s := range sigs {
		if s == nil || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
