//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// interruptContext is cancelled by SIGINT or SIGTERM. Commands that do not
// run the event loop use it so a Ctrl+C aborts a pending connect.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
