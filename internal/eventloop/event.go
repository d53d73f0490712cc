// Package eventloop multiplexes a notification connection, a signal pipe and
// an idle timeout into one ordered stream of events.
//
// The loop blocks in exactly one place, a poll(2) over the connection's
// socket and the signal bridge's pipe. Every wakeup is classified in a fixed
// priority order (timeout, then signal, then notifications) and turned into
// zero or more [Event] values handed to the consumer through a range-over-func
// iterator. Breaking out of the range stops the loop and restores the
// process signal routing.
package eventloop

import (
	"fmt"
	"os"
	"strings"
)

// ///////////////////////////////////////////////
// Notification
// ///////////////////////////////////////////////

// Notification is one message published on a channel with NOTIFY or
// pg_notify. Values are copied out of the driver and never mutated.
type Notification struct {
	// PID is the backend process ID of the publishing session.
	PID uint32
	// Channel is the channel name the message was published on.
	Channel string
	// Payload is the message body, possibly empty.
	Payload string
}

// ///////////////////////////////////////////////
// Event
// ///////////////////////////////////////////////

// Kind identifies which field of an [Event] is meaningful.
type Kind int

const (
	// KindNotification carries a single [Notification].
	KindNotification Kind = iota + 1
	// KindBatch carries every notification drained in one wakeup.
	KindBatch
	// KindTimeout reports that nothing arrived before the deadline.
	KindTimeout
	// KindSignal carries one delivered OS signal.
	KindSignal
)

// String returns a lower-case label for k.
func (k Kind) String() string {
	switch k {
	case KindNotification:
		return "notification"
	case KindBatch:
		return "batch"
	case KindTimeout:
		return "timeout"
	case KindSignal:
		return "signal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one item of the stream.
type Event struct {
	Kind Kind
	// Notification is set for KindNotification.
	Notification Notification
	// Batch is set for KindBatch and is never empty.
	Batch []Notification
	// Signal is set for KindSignal.
	Signal os.Signal
}

// IsTimeout reports whether e is an idle tick.
func (e Event) IsTimeout() bool { return e.Kind == KindTimeout }

// IsSignal reports whether e carries sig.
func (e Event) IsSignal(sig os.Signal) bool {
	return e.Kind == KindSignal && e.Signal == sig
}

// Notifications returns the notifications carried by e as a slice, whatever
// the delivery mode.
func (e Event) Notifications() []Notification {
	switch e.Kind {
	case KindNotification:
		return []Notification{e.Notification}
	case KindBatch:
		return e.Batch
	default:
		return nil
	}
}

func (e Event) String() string {
	switch e.Kind {
	case KindNotification:
		return fmt.Sprintf("notification(%d, %q, %q)", e.Notification.PID, e.Notification.Channel, e.Notification.Payload)
	case KindBatch:
		parts := make([]string, len(e.Batch))
		for i, n := range e.Batch {
			parts[i] = fmt.Sprintf("%s:%q", n.Channel, n.Payload)
		}
		return "batch[" + strings.Join(parts, " ") + "]"
	case KindTimeout:
		return "timeout"
	case KindSignal:
		return fmt.Sprintf("signal(%v)", e.Signal)
	default:
		return e.Kind.String()
	}
}
