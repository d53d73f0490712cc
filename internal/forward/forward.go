// Package forward POSTs received notifications to webhooks.
//
// Each target pairs a set of channel glob patterns with a URL. A notification
// on a matching channel is sent as one JSON object:
//
//	{"pid": 4242, "channel": "orders.created", "payload": "..."}
//
// Delivery runs on a background worker so a slow endpoint never stalls the
// listener; a full queue drops notifications with a warning.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-retryablehttp"

	"tools.zach/dev/pgnotify/internal/eventloop"
)

// QueueSize is the number of notifications buffered for delivery.
const QueueSize = 256

// requestTimeout bounds one HTTP attempt.
const requestTimeout = 10 * time.Second

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("forward: closed")

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Target is one webhook.
type Target struct {
	// Patterns are doublestar globs matched against the channel name.
	Patterns []string
	// URL receives the POST.
	URL string
	// MaxRetries bounds retries after the first attempt.
	MaxRetries int
}

// Message is the JSON body sent for each notification.
type Message struct {
	PID     uint32 `json:"pid"`
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

type target struct {
	Target
	client *retryablehttp.Client
}

// Forwarder delivers notifications to the targets whose patterns match.
type Forwarder struct {
	targets []target
	log     *slog.Logger

	queue chan eventloop.Notification
	// mu guards closed against concurrent Enqueue and Close.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New validates targets and builds one retrying client per target. The
// forwarder does nothing until Start is called.
func New(targets []Target, log *slog.Logger) (*Forwarder, error) {
	if log == nil {
		log = slog.Default()
	}
	f := &Forwarder{
		log:   log,
		queue: make(chan eventloop.Notification, QueueSize),
	}
	for i, t := range targets {
		if len(t.Patterns) == 0 {
			return nil, fmt.Errorf("target %d (%s): no channel patterns", i, t.URL)
		}
		for _, p := range t.Patterns {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("target %d (%s): invalid pattern %q", i, t.URL, p)
			}
		}
		f.targets = append(f.targets, target{Target: t, client: newClient(t.MaxRetries, log)})
	}
	return f, nil
}

// newClient mirrors retryablehttp's defaults but logs through slog, which
// satisfies retryablehttp.LeveledLogger.
func newClient(retries int, log *slog.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.HTTPClient.Timeout = requestTimeout
	c.Logger = log.With("component", "forward")
	return c
}

// Len returns the number of targets.
func (f *Forwarder) Len() int { return len(f.targets) }

// Matches reports whether any target wants channel.
func (f *Forwarder) Matches(channel string) bool {
	for _, t := range f.targets {
		if t.matches(channel) {
			return true
		}
	}
	return false
}

func (t target) matches(channel string) bool {
	for _, p := range t.Patterns {
		if ok, _ := doublestar.Match(p, channel); ok {
			return true
		}
	}
	return false
}

// ///////////////////////////////////////////////
// Delivery
// ///////////////////////////////////////////////

// Deliver sends n to every matching target and waits for the results.
// Failures of individual targets are joined.
func (f *Forwarder) Deliver(ctx context.Context, n eventloop.Notification) error {
	var body []byte
	var errs []error
	for _, t := range f.targets {
		if !t.matches(n.Channel) {
			continue
		}
		if body == nil {
			var err error
			body, err = json.Marshal(Message{PID: n.PID, Channel: n.Channel, Payload: n.Payload})
			if err != nil {
				return fmt.Errorf("encode notification: %w", err)
			}
		}
		if err := t.post(ctx, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t target) post(ctx context.Context, body []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST %s: %w", t.URL, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", t.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST %s: status %d", t.URL, resp.StatusCode)
	}
	return nil
}

// ///////////////////////////////////////////////
// Worker
// ///////////////////////////////////////////////

// Start launches the delivery worker. Cancelling ctx abandons retries in
// flight; Close drains the queue first.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for n := range f.queue {
			if err := f.Deliver(ctx, n); err != nil {
				f.log.Warn("forward failed", "channel", n.Channel, "error", err)
			}
		}
	}()
}

// Enqueue hands n to the worker without blocking. Notifications on channels
// no target wants are skipped. It returns false when the queue is full.
func (f *Forwarder) Enqueue(n eventloop.Notification) (bool, error) {
	if !f.Matches(n.Channel) {
		return true, nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false, ErrClosed
	}
	select {
	case f.queue <- n:
		return true, nil
	default:
		f.log.Warn("forward queue full, dropping notification", "channel", n.Channel, "pid", n.PID)
		return false, nil
	}
}

// Close stops accepting notifications and waits until the worker has sent
// the queued ones, or until ctx is done, in which case pending retries are
// abandoned.
func (f *Forwarder) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()

	if f.cancel == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		f.cancel()
		return nil
	case <-ctx.Done():
		f.cancel()
		<-done
		return ctx.Err()
	}
}
