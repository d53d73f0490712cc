package eventloop

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"time"

	"tools.zach/dev/pgnotify/internal/logger"
	"tools.zach/dev/pgnotify/internal/sigbridge"
)

// ErrUnsupported is returned on platforms without poll(2).
var ErrUnsupported = errors.New("eventloop: not supported on this platform")

// ///////////////////////////////////////////////
// Collaborators
// ///////////////////////////////////////////////

// Conn is the live notification connection the loop waits on. The loop owns
// it exclusively while running.
type Conn interface {
	// Fd returns a descriptor that polls readable when the server sent data.
	Fd() int
	// Buffered reports notifications already received but not drained yet.
	// The loop treats a buffered connection as readable without waiting.
	Buffered() bool
	// Refresh reads whatever the server has sent without blocking and
	// queues the notifications found.
	Refresh(ctx context.Context) error
	// Drain removes and returns every queued notification in arrival order.
	Drain() []Notification
}

// ///////////////////////////////////////////////
// Config
// ///////////////////////////////////////////////

// Config controls one loop invocation and is not mutated while it runs.
type Config struct {
	// Timeout bounds each wait. Zero makes every wait a non-blocking poll.
	Timeout time.Duration
	// TimeoutFunc, when set, replaces Timeout and is called before every
	// wait. Negative results are treated as zero.
	TimeoutFunc func() time.Duration
	// YieldOnTimeout emits a KindTimeout event when a wait expires idle.
	YieldOnTimeout bool
	// Signals are routed into the stream as KindSignal events for the
	// duration of the loop. Empty means no bridge is installed.
	Signals []os.Signal
	// Batch delivers each drain as one KindBatch event instead of one
	// KindNotification per message.
	Batch bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// waitTimeout returns this iteration's deadline, never negative.
func (c Config) waitTimeout() time.Duration {
	d := c.Timeout
	if c.TimeoutFunc != nil {
		d = c.TimeoutFunc()
	}
	return max(d, 0)
}

// ///////////////////////////////////////////////
// Loop
// ///////////////////////////////////////////////

// loop is the state of one running stream.
type loop struct {
	conn   Conn
	bridge *sigbridge.Bridge
	cfg    Config
	log    *slog.Logger
}

// wakeup is the classified result of one wait.
type wakeup struct {
	// idle is set when nothing became readable before the deadline.
	idle bool
	// signal is set when the bridge pipe holds at least one byte.
	signal bool
	// conn is set when the connection has data or buffered notifications.
	conn bool
}

// Run returns the event stream for conn. Nothing happens until the first
// pull: the signal bridge is installed then, and removed again however the
// range ends (break, fatal error, or ctx cancellation). A fatal error is
// yielded once with a zero Event and ends the stream.
//
// The stream is not resumable. Calling Run again builds a fresh loop.
func Run(ctx context.Context, conn Conn, cfg Config) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		log := cfg.logger()

		snap, bridge, err := sigbridge.Setup(cfg.Signals, log)
		if err != nil {
			yield(Event{}, fmt.Errorf("install signal handlers: %w", err))
			return
		}
		defer func() {
			if err := sigbridge.Teardown(snap); err != nil {
				log.Warn("restoring signal handlers failed", "error", err)
			}
		}()

		l := &loop{conn: conn, bridge: bridge, cfg: cfg, log: log}
		for {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			w, err := l.wait(cfg.waitTimeout())
			if err != nil {
				yield(Event{}, fmt.Errorf("wait for events: %w", err))
				return
			}
			if !l.dispatch(ctx, w, yield) {
				return
			}
		}
	}
}

// dispatch turns one wakeup into events. It returns false once the stream
// must end, either because the consumer stopped or an error was yielded.
func (l *loop) dispatch(ctx context.Context, w wakeup, yield func(Event, error) bool) bool {
	if w.idle {
		logger.Trace(l.log, "idle timeout on wait, carrying on")
		if l.cfg.YieldOnTimeout {
			return yield(Event{Kind: KindTimeout}, nil)
		}
		return true
	}

	if w.signal {
		sig, err := l.bridge.DrainOne()
		if err != nil {
			yield(Event{}, err)
			return false
		}
		logger.Trace(l.log, "signal received", "signal", sigbridge.Name(sig))
		if !yield(Event{Kind: KindSignal, Signal: sig}, nil) {
			return false
		}
	}

	if w.conn {
		if err := l.conn.Refresh(ctx); err != nil {
			yield(Event{}, fmt.Errorf("refresh notifications: %w", err))
			return false
		}
		pending := l.conn.Drain()
		for _, n := range pending {
			l.log.Debug("notification", "pid", n.PID, "channel", n.Channel, "payload", n.Payload)
		}
		if len(pending) == 0 {
			return true
		}
		if l.cfg.Batch {
			return yield(Event{Kind: KindBatch, Batch: pending}, nil)
		}
		for _, n := range pending {
			if !yield(Event{Kind: KindNotification, Notification: n}, nil) {
				return false
			}
		}
	}
	return true
}
