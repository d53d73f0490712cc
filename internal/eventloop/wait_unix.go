//go:build unix

package eventloop

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sys/unix"

	"tools.zach/dev/pgnotify/internal/logger"
)

// ///////////////////////////////////////////////
// Wait
// ///////////////////////////////////////////////

// connReady are the poll results that make the connection worth refreshing.
// Hang-up and error are included so Refresh can surface the failure.
const connReady = unix.POLLIN | unix.POLLHUP | unix.POLLERR

// wait blocks in poll(2) on the connection and, when installed, the signal
// pipe. EINTR restarts the wait against the same absolute deadline; any
// other failure is returned.
func (l *loop) wait(timeout time.Duration) (wakeup, error) {
	buffered := l.conn.Buffered()
	if buffered {
		timeout = 0
	}

	fds := make([]unix.PollFd, 1, 2)
	fds[0] = unix.PollFd{Fd: int32(l.conn.Fd()), Events: unix.POLLIN}
	if l.bridge != nil {
		fds = append(fds, unix.PollFd{Fd: int32(l.bridge.Fd()), Events: unix.POLLIN})
	}

	deadline := time.Now().Add(timeout)
	remaining := timeout
	for {
		n, err := unix.Poll(fds, pollMillis(remaining))
		if errors.Is(err, unix.EINTR) {
			logger.Trace(l.log, "wait interrupted, retrying")
			remaining = max(time.Until(deadline), 0)
			continue
		}
		if err != nil {
			return wakeup{}, err
		}
		logger.Trace(l.log, "wait returned", "ready", n, "buffered", buffered)

		if fds[0].Revents&unix.POLLNVAL != 0 {
			return wakeup{}, fmt.Errorf("connection descriptor %d is not open", fds[0].Fd)
		}
		w := wakeup{conn: buffered || fds[0].Revents&connReady != 0}
		if len(fds) > 1 {
			if fds[1].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
				return wakeup{}, fmt.Errorf("signal pipe failed (revents %#x)", fds[1].Revents)
			}
			w.signal = fds[1].Revents&unix.POLLIN != 0
		}
		w.idle = !w.conn && !w.signal
		return w, nil
	}
}

// pollMillis converts d to poll(2) milliseconds, rounding up so a short
// positive timeout never turns into a busy non-blocking poll.
func pollMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
