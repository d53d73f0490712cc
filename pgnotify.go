// Package pgnotify consumes PostgreSQL LISTEN/NOTIFY messages, idle timeout
// ticks and OS signals as one interruptible stream.
//
// A [Listener] owns one dedicated session subscribed to a set of channels.
// [Listener.Events] returns a range-over-func iterator; the loop behind it
// waits on the session socket and, when signals are configured, on a pipe fed
// by signal delivery, so a Ctrl+C arrives as an ordinary [Event] instead of
// killing the process mid-read:
//
//	l, err := pgnotify.Open(ctx, pgnotify.DSN("postgres:///example"), pgnotify.Config{
//		Channels:       []string{"hello", "hello2"},
//		Timeout:        time.Second,
//		YieldOnTimeout: true,
//		Signals:        []os.Signal{os.Interrupt},
//	})
//	if err != nil {
//		return err
//	}
//	defer l.Close(ctx)
//
//	for ev, err := range l.Events(ctx) {
//		if err != nil {
//			return err
//		}
//		switch {
//		case ev.IsSignal(os.Interrupt):
//			return nil
//		case ev.IsTimeout():
//			continue
//		default:
//			fmt.Println(ev.Notification.PID, ev.Notification.Channel, ev.Notification.Payload)
//		}
//	}
//
// Signal routing is process-wide and only one stream with signals may run at
// a time; the previous dispositions come back when the range ends.
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tools.zach/dev/pgnotify/internal/eventloop"
	"tools.zach/dev/pgnotify/internal/pgsource"
	"tools.zach/dev/pgnotify/internal/sigbridge"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

type (
	// Notification is one message received on a channel.
	Notification = eventloop.Notification
	// Event is one item of a listener stream.
	Event = eventloop.Event
	// Kind says which field of an Event is set.
	Kind = eventloop.Kind
	// Source names the database to listen on or publish to.
	Source = pgsource.Source
)

const (
	KindNotification = eventloop.KindNotification
	KindBatch        = eventloop.KindBatch
	KindTimeout      = eventloop.KindTimeout
	KindSignal       = eventloop.KindSignal
)

var (
	// ErrGuardActive is yielded when another stream already routes signals.
	ErrGuardActive = sigbridge.ErrGuardActive
	// ErrInTransaction is returned by Open for a session inside a transaction.
	ErrInTransaction = pgsource.ErrInTransaction
	// ErrClosed is returned or yielded once the listener was closed.
	ErrClosed = pgsource.ErrClosed
	// ErrUnsupported is yielded on platforms without poll(2).
	ErrUnsupported = eventloop.ErrUnsupported
	// ErrBusy is yielded by Events while another stream of the same listener
	// is still running.
	ErrBusy = errors.New("pgnotify: listener already streaming")
)

// DefaultTimeout bounds each wait when Config.Timeout is left zero by
// [DefaultConfig].
const DefaultTimeout = 3 * time.Second

// DSN returns a source that connects with a PostgreSQL connection string or URL.
func DSN(dsn string) Source { return pgsource.DSN(dsn) }

// Pool returns a source that takes a connection out of p. A listener's
// connection is removed from the pool for good.
func Pool(p *pgxpool.Pool) Source { return pgsource.Pool(p) }

// Existing returns a source for an open connection. The listener never closes
// it; Close only removes its subscriptions.
func Existing(c *pgx.Conn) Source { return pgsource.Existing(c) }

// ///////////////////////////////////////////////
// Config
// ///////////////////////////////////////////////

// Config controls a listener.
type Config struct {
	// Channels to LISTEN on. Names are used verbatim, case included.
	Channels []string
	// Timeout bounds each wait. Zero polls without blocking.
	Timeout time.Duration
	// TimeoutFunc, when set, is called before every wait and wins over
	// Timeout. Negative results count as zero.
	TimeoutFunc func() time.Duration
	// YieldOnTimeout emits a KindTimeout event when a wait expires idle.
	YieldOnTimeout bool
	// Signals are delivered as KindSignal events while a stream runs.
	Signals []os.Signal
	// Batch emits every wakeup's notifications as one KindBatch event.
	Batch bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a config listening on channels with a 3 second wait
// and no ticks or signals.
func DefaultConfig(channels ...string) Config {
	return Config{
		Channels: channels,
		Timeout:  DefaultTimeout,
	}
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) loop() eventloop.Config {
	return eventloop.Config{
		Timeout:        c.Timeout,
		TimeoutFunc:    c.TimeoutFunc,
		YieldOnTimeout: c.YieldOnTimeout,
		Signals:        c.Signals,
		Batch:          c.Batch,
		Logger:         c.Logger,
	}
}

// ///////////////////////////////////////////////
// Listener
// ///////////////////////////////////////////////

// Listener is a subscribed session. It supports one running stream at a time.
type Listener struct {
	conn *pgsource.Conn
	cfg  Config
	log  *slog.Logger
	// busy is held while a stream runs.
	busy atomic.Bool
	// closed is set by Close.
	closed atomic.Bool
}

// Open canonicalizes src into a dedicated session and subscribes it to
// cfg.Channels. Connection and LISTEN failures are returned here, before any
// stream exists.
func Open(ctx context.Context, src Source, cfg Config) (*Listener, error) {
	log := cfg.logger()
	conn, err := src.Canonicalize(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src, err)
	}
	if err := pgsource.Subscribe(ctx, conn, cfg.Channels); err != nil {
		return nil, errors.Join(err, conn.Close(context.WithoutCancel(ctx)))
	}
	log.Debug("listening", "source", src.String(), "channels", cfg.Channels, "backend_pid", conn.PID())
	return &Listener{conn: conn, cfg: cfg, log: log}, nil
}

// Channels returns the subscribed channel names.
func (l *Listener) Channels() []string {
	out := make([]string, len(l.cfg.Channels))
	copy(out, l.cfg.Channels)
	return out
}

// Events returns the listener's stream. The stream is lazy: signal handlers
// are installed on the first pull and restored when the range ends. It never
// ends on its own except with an error; stop it by breaking out of the range
// or cancelling ctx. Notifications drained in a wakeup but not yet handed out
// when the range stops are lost.
//
// A stopped stream cannot be resumed, but Events may be called again on the
// same listener to start a new one.
func (l *Listener) Events(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if l.closed.Load() {
			yield(Event{}, ErrClosed)
			return
		}
		if !l.busy.CompareAndSwap(false, true) {
			yield(Event{}, ErrBusy)
			return
		}
		defer l.busy.Store(false)

		for ev, err := range eventloop.Run(ctx, l.conn, l.cfg.loop()) {
			if !yield(ev, err) {
				return
			}
		}
	}
}

// Close ends the session. Closing a listener while one of its streams is
// running is not allowed; stop the stream first.
func (l *Listener) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.busy.Load() {
		l.log.Warn("closing a listener with a running stream")
	}
	return l.conn.Close(ctx)
}

// ///////////////////////////////////////////////
// One-shot helpers
// ///////////////////////////////////////////////

// Listen opens a listener on src and streams its events, closing the session
// when the range ends. Setup failures are yielded as the only item.
func Listen(ctx context.Context, src Source, cfg Config) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		l, err := Open(ctx, src, cfg)
		if err != nil {
			yield(Event{}, err)
			return
		}
		defer func() {
			if err := l.Close(context.WithoutCancel(ctx)); err != nil {
				l.log.Warn("closing listener failed", "error", err)
			}
		}()
		for ev, err := range l.Events(ctx) {
			if !yield(ev, err) {
				return
			}
		}
	}
}

// Notify publishes payload on channel through src. Parameters are bound, so
// the payload needs no escaping.
func Notify(ctx context.Context, src Source, channel, payload string) error {
	return pgsource.Publish(ctx, src, channel, payload)
}
