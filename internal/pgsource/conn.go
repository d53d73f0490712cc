package pgsource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tools.zach/dev/pgnotify/internal/eventloop"
)

// drainWindow is how long Refresh keeps reading once the socket runs dry.
// It is a short future deadline rather than an expired one: the Go netpoller
// fails reads against a past deadline without looking at the socket.
const drainWindow = 2 * time.Millisecond

// maxUnwrap bounds how many wrapping net.Conn layers are peeled to find the
// socket.
const maxUnwrap = 4

// ///////////////////////////////////////////////
// Conn
// ///////////////////////////////////////////////

// Conn is one dedicated session used for listening. It satisfies
// [eventloop.Conn] and must only be used from the goroutine driving the loop.
type Conn struct {
	// pg is the driver connection.
	pg *pgx.Conn
	// fd is the socket descriptor polled by the loop.
	fd int
	// owned connections are closed by Close; borrowed ones are only unlistened.
	owned bool
	// queue holds notifications read off the wire, oldest first.
	queue []eventloop.Notification
	// closed is set by Close.
	closed bool
}

// wrap validates pg and extracts its socket. An owned pg is closed when
// validation fails.
func wrap(ctx context.Context, pg *pgx.Conn, owned bool) (*Conn, error) {
	if pg == nil {
		return nil, errors.New("pgsource: nil connection")
	}
	fail := func(err error) (*Conn, error) {
		if owned {
			pg.Close(context.WithoutCancel(ctx))
		}
		return nil, err
	}

	if pg.IsClosed() {
		return fail(ErrClosed)
	}
	if st := pg.PgConn().TxStatus(); st != 'I' {
		return fail(fmt.Errorf("%w (status %q)", ErrInTransaction, st))
	}
	fd, err := socketFd(pg.PgConn().Conn())
	if err != nil {
		return fail(err)
	}
	return &Conn{pg: pg, fd: fd, owned: owned}, nil
}

// socketFd digs the OS descriptor out of nc, looking through TLS and other
// wrappers that expose the connection they wrap.
func socketFd(nc net.Conn) (int, error) {
	for range maxUnwrap {
		w, ok := nc.(interface{ NetConn() net.Conn })
		if !ok {
			break
		}
		nc = w.NetConn()
	}
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("pgsource: %T exposes no socket descriptor", nc)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("raw socket: %w", err)
	}
	fd := -1
	if err := raw.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return -1, fmt.Errorf("raw socket control: %w", err)
	}
	return fd, nil
}

// Fd returns the socket descriptor. It stays valid until Close.
func (c *Conn) Fd() int {
	return c.fd
}

// PID returns the backend process ID serving this session.
func (c *Conn) PID() uint32 {
	return c.pg.PgConn().PID()
}

// Buffered reports whether notifications are queued and not yet drained.
func (c *Conn) Buffered() bool {
	return len(c.queue) > 0
}

// Refresh reads every notification the server has sent so far and appends
// it to the queue. It returns once the socket has been quiet for
// drainWindow, so it never waits for new traffic.
func (c *Conn) Refresh(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	nc := c.pg.PgConn().Conn()
	if err := nc.SetReadDeadline(time.Now().Add(drainWindow)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	defer nc.SetReadDeadline(time.Time{})

	for {
		// A background context keeps pgx from sending a cancel request on
		// expiry; the read deadline alone bounds the call.
		n, err := c.pg.WaitForNotification(context.Background())
		if err != nil {
			if pgconn.Timeout(err) || errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("read notifications: %w", err)
		}
		c.queue = append(c.queue, eventloop.Notification{
			PID:     n.PID,
			Channel: n.Channel,
			Payload: n.Payload,
		})
	}
}

// Drain removes and returns every queued notification, oldest first.
func (c *Conn) Drain() []eventloop.Notification {
	out := c.queue
	c.queue = nil
	return out
}

// Close releases the session. Owned connections are closed; a borrowed
// connection is left open with its subscriptions removed. Notifications still
// queued are discarded. Safe to call more than once.
func (c *Conn) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.queue = nil
	if c.owned {
		return c.pg.Close(ctx)
	}
	if _, err := c.pg.PgConn().Exec(ctx, "UNLISTEN *").ReadAll(); err != nil {
		return fmt.Errorf("unlisten: %w", err)
	}
	return nil
}
