//go:build unix

package eventloop

import (
	"context"
	"errors"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

// fakeConn stands in for a database connection. Publishing queues a
// notification on the "server side" and writes one byte to a pipe, so the
// read end polls readable exactly like a socket with unread data.
type fakeConn struct {
	t *testing.T
	r int
	w int

	mu        sync.Mutex
	inFlight  []Notification
	queue     []Notification
	refreshes int
	failWith  error
}

func newFakeConn(t *testing.T) *fakeConn {
	t.Helper()
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("set non-blocking: %v", err)
		}
	}
	c := &fakeConn{t: t, r: p[0], w: p[1]}
	t.Cleanup(func() {
		unix.Close(c.r)
		unix.Close(c.w)
	})
	return c
}

// publish makes ns visible to the next Refresh.
func (c *fakeConn) publish(ns ...Notification) {
	c.mu.Lock()
	c.inFlight = append(c.inFlight, ns...)
	c.mu.Unlock()
	if _, err := unix.Write(c.w, []byte{'n'}); err != nil {
		c.t.Errorf("fake publish write: %v", err)
	}
}

// fail makes the next Refresh return err and wakes the loop.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.failWith = err
	c.mu.Unlock()
	unix.Write(c.w, []byte{'x'})
}

func (c *fakeConn) Fd() int { return c.r }

func (c *fakeConn) Buffered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0
}

func (c *fakeConn) Refresh(context.Context) error {
	var buf [64]byte
	for {
		_, err := unix.Read(c.r, buf[:])
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		if err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	if c.failWith != nil {
		return c.failWith
	}
	c.queue = append(c.queue, c.inFlight...)
	c.inFlight = nil
	return nil
}

func (c *fakeConn) Drain() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}
