package forward

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tools.zach/dev/pgnotify/internal/eventloop"
	"tools.zach/dev/pgnotify/internal/logger"
)

// recorder is a webhook endpoint that keeps every decoded body.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
	// fail makes the first n requests return 503.
	fail atomic.Int32
	srv  *httptest.Server
}

func newRecorder(t *testing.T) *recorder {
	t.Helper()
	r := &recorder{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost || req.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.fail.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var m Message
		if err := json.NewDecoder(req.Body).Decode(&m); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.msgs = append(r.msgs, m)
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *recorder) received() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func fastRetries(f *Forwarder) {
	for i := range f.targets {
		f.targets[i].client.RetryWaitMin = time.Millisecond
		f.targets[i].client.RetryWaitMax = 5 * time.Millisecond
	}
}

// ///////////////////////////////////////////////
// Construction
// ///////////////////////////////////////////////

func TestNewRejectsBadTargets(t *testing.T) {
	tests := []struct {
		name   string
		target Target
	}{
		{"no patterns", Target{URL: "http://x"}},
		{"bad pattern", Target{URL: "http://x", Patterns: []string{"[x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New([]Target{tt.target}, logger.Discard()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMatches(t *testing.T) {
	f, err := New([]Target{
		{URL: "http://a", Patterns: []string{"orders.*"}},
		{URL: "http://b", Patterns: []string{"audit", "jobs/**"}},
	}, logger.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tests := []struct {
		channel string
		want    bool
	}{
		{"orders.created", true},
		{"orders", false},
		{"audit", true},
		{"Audit", false},
		{"jobs/eu/retry", true},
		{"hello", false},
	}
	for _, tt := range tests {
		if got := f.Matches(tt.channel); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}
}

// ///////////////////////////////////////////////
// Deliver
// ///////////////////////////////////////////////

func TestDeliverPostsJSON(t *testing.T) {
	rec := newRecorder(t)
	f, err := New([]Target{{URL: rec.srv.URL, Patterns: []string{"hello"}}}, logger.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n := eventloop.Notification{PID: 4242, Channel: "hello", Payload: `{"id": 1}`}
	if err := f.Deliver(context.Background(), n); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	got := rec.received()
	if len(got) != 1 || got[0] != (Message{PID: 4242, Channel: "hello", Payload: `{"id": 1}`}) {
		t.Fatalf("received %+v", got)
	}
}

func TestDeliverSkipsUnmatched(t *testing.T) {
	rec := newRecorder(t)
	f, _ := New([]Target{{URL: rec.srv.URL, Patterns: []string{"hello"}}}, logger.Discard())

	if err := f.Deliver(context.Background(), eventloop.Notification{Channel: "other"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := rec.received(); len(got) != 0 {
		t.Fatalf("received %+v, want nothing", got)
	}
}

func TestDeliverRetries(t *testing.T) {
	rec := newRecorder(t)
	rec.fail.Store(2)
	f, _ := New([]Target{{URL: rec.srv.URL, Patterns: []string{"*"}, MaxRetries: 3}}, logger.Discard())
	fastRetries(f)

	if err := f.Deliver(context.Background(), eventloop.Notification{Channel: "hello", Payload: "hi"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := rec.received(); len(got) != 1 {
		t.Fatalf("received %d messages, want 1", len(got))
	}
}

func TestDeliverJoinsFailures(t *testing.T) {
	rec := newRecorder(t)
	rec.fail.Store(100)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bad.Close()

	f, _ := New([]Target{
		{URL: rec.srv.URL, Patterns: []string{"*"}},
		{URL: bad.URL, Patterns: []string{"*"}},
	}, logger.Discard())
	fastRetries(f)

	err := f.Deliver(context.Background(), eventloop.Notification{Channel: "hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), rec.srv.URL) || !strings.Contains(err.Error(), "status 403") {
		t.Errorf("error %q should name both failures", err)
	}
}

// ///////////////////////////////////////////////
// Worker
// ///////////////////////////////////////////////

func TestWorkerDeliversInOrder(t *testing.T) {
	rec := newRecorder(t)
	f, _ := New([]Target{{URL: rec.srv.URL, Patterns: []string{"hello"}}}, logger.Discard())
	f.Start(context.Background())

	for _, p := range []string{"1", "2", "3"} {
		if ok, err := f.Enqueue(eventloop.Notification{Channel: "hello", Payload: p}); !ok || err != nil {
			t.Fatalf("Enqueue(%s) = %v, %v", p, ok, err)
		}
	}
	if ok, err := f.Enqueue(eventloop.Notification{Channel: "ignored"}); !ok || err != nil {
		t.Fatalf("Enqueue(unmatched) = %v, %v", ok, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := rec.received()
	if len(got) != 3 {
		t.Fatalf("received %d messages, want 3", len(got))
	}
	for i, want := range []string{"1", "2", "3"} {
		if got[i].Payload != want {
			t.Errorf("message %d payload = %q, want %q", i, got[i].Payload, want)
		}
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	f, _ := New([]Target{{URL: "http://127.0.0.1:9", Patterns: []string{"*"}}}, logger.Discard())
	if err := f.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := f.Enqueue(eventloop.Notification{Channel: "x"}); err != ErrClosed {
		t.Fatalf("Enqueue after Close = %v, want ErrClosed", err)
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	f, _ := New([]Target{{URL: "http://127.0.0.1:9", Patterns: []string{"*"}}}, logger.Discard())
	// No worker: the queue only fills.
	for i := range QueueSize {
		if ok, _ := f.Enqueue(eventloop.Notification{Channel: "x", PID: uint32(i)}); !ok {
			t.Fatalf("Enqueue %d dropped early", i)
		}
	}
	if ok, err := f.Enqueue(eventloop.Notification{Channel: "x"}); ok || err != nil {
		t.Fatalf("Enqueue on full queue = %v, %v; want false, nil", ok, err)
	}
}
