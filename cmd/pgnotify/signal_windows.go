//go:build windows

package main

import (
	"context"
	"os"
	"os/signal"
)

// interruptContext is cancelled by Ctrl+C. The runtime maps console close and
// CTRL_BREAK_EVENT to os.Interrupt too.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}
