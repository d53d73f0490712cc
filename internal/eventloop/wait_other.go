//go:build !unix

package eventloop

import "time"

func (l *loop) wait(time.Duration) (wakeup, error) {
	return wakeup{}, ErrUnsupported
}
