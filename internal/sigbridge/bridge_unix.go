// Unix self-pipe implementation of the signal bridge.
//
// The bridge is the self-pipe trick expressed with [os/signal]: the runtime
// delivers each registered signal to a buffered channel, and a single
// forwarding goroutine writes one byte per occurrence into the non-blocking
// write end of a pipe. The read end is what the event loop polls.

//go:build unix

package sigbridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ///////////////////////////////////////////////
// Bridge
// ///////////////////////////////////////////////

// deliveryBuffer is the capacity of the channel handed to [signal.Notify].
// The runtime drops signals when the channel is full, so it is sized for
// bursts larger than any realistic consumer lag.
const deliveryBuffer = 32

// Bridge owns a pipe whose read end becomes readable once per delivered
// signal. Exactly one Bridge should be active per process; see [Setup].
type Bridge struct {
	// r is the non-blocking read end polled by the event loop.
	r int
	// w is the non-blocking write end fed by the forwarding goroutine.
	w int
	// ch receives signals from the runtime.
	ch chan os.Signal
	// done is closed by [Bridge.Close] to stop the forwarder.
	done chan struct{}
	// wg tracks the forwarder so Close can wait for it to exit.
	wg sync.WaitGroup
	// once makes Close idempotent.
	once sync.Once
	// log receives dropped-signal warnings.
	log *slog.Logger
}

// Install creates the pipe, registers sigs with the runtime and starts the
// forwarder. On error nothing stays registered and no descriptors leak.
func Install(sigs []os.Signal, log *slog.Logger) (*Bridge, error) {
	if log == nil {
		log = slog.Default()
	}
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("create signal pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("set signal pipe non-blocking: %w", err)
		}
	}

	b := &Bridge{
		r:    p[0],
		w:    p[1],
		ch:   make(chan os.Signal, deliveryBuffer),
		done: make(chan struct{}),
		log:  log,
	}
	signal.Notify(b.ch, sigs...)

	b.wg.Add(1)
	go b.forward()
	return b, nil
}

// Fd returns the read end of the pipe.
func (b *Bridge) Fd() int {
	return b.r
}

// forward moves signals from the runtime channel into the pipe until Close.
func (b *Bridge) forward() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case sig := <-b.ch:
			b.notifyOccurred(sig)
		}
	}
}

// notifyOccurred writes the single byte that represents sig. It does no
// other work. A full pipe means the loop is far behind; the occurrence is
// dropped rather than blocking signal delivery.
func (b *Bridge) notifyOccurred(sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok || s <= 0 || s > 0xff {
		return
	}
	buf := [1]byte{byte(s)}
	for {
		_, err := unix.Write(b.w, buf[:])
		switch {
		case err == nil:
			return
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			b.log.Warn("signal pipe full, dropping signal", "signal", Name(s))
			return
		default:
			b.log.Warn("signal pipe write failed", "signal", Name(s), "error", err)
			return
		}
	}
}

// DrainOne reads exactly one byte from the pipe and returns the signal it
// encodes. It must only be called after the read end polled readable.
func (b *Bridge) DrainOne() (syscall.Signal, error) {
	var buf [1]byte
	for {
		n, err := unix.Read(b.r, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read signal pipe: %w", err)
		}
		if n == 0 {
			return 0, fmt.Errorf("read signal pipe: %w", io.ErrUnexpectedEOF)
		}
		return syscall.Signal(buf[0]), nil
	}
}

// Close unregisters the bridge from signal delivery, waits for the forwarder
// to exit and closes both pipe ends. Safe to call more than once.
func (b *Bridge) Close() error {
	var err error
	b.once.Do(func() {
		signal.Stop(b.ch)
		close(b.done)
		b.wg.Wait()
		err = errors.Join(closeFd(b.r), closeFd(b.w))
	})
	return err
}

func closeFd(fd int) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close signal pipe fd %d: %w", fd, err)
	}
	return nil
}
