package pgnotify

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"tools.zach/dev/pgnotify/internal/config"
	"tools.zach/dev/pgnotify/internal/logger"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("a", "b")
	if len(cfg.Channels) != 2 || cfg.Timeout != DefaultTimeout {
		t.Fatalf("DefaultConfig = %+v", cfg)
	}
	if cfg.YieldOnTimeout || cfg.Batch || len(cfg.Signals) != 0 {
		t.Errorf("DefaultConfig enables optional features: %+v", cfg)
	}
}

func TestConfigLoop(t *testing.T) {
	fn := func() time.Duration { return time.Millisecond }
	log := logger.Discard()
	cfg := Config{
		Channels:       []string{"x"},
		Timeout:        time.Second,
		TimeoutFunc:    fn,
		YieldOnTimeout: true,
		Signals:        []os.Signal{os.Interrupt},
		Batch:          true,
		Logger:         log,
	}
	lc := cfg.loop()
	if lc.Timeout != time.Second || lc.TimeoutFunc == nil || !lc.YieldOnTimeout || !lc.Batch || lc.Logger != log {
		t.Errorf("loop config = %+v", lc)
	}
	if len(lc.Signals) != 1 || lc.Signals[0] != os.Interrupt {
		t.Errorf("loop signals = %v", lc.Signals)
	}
}

func TestEmbeddedConfigParses(t *testing.T) {
	cfg, err := config.Parse(DefaultConfigTOML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(cfg.Listen.Channels) != 1 || cfg.Listen.Channels[0] != "hello" {
		t.Errorf("channels = %q", cfg.Listen.Channels)
	}
}

// ///////////////////////////////////////////////
// Stream guards
// ///////////////////////////////////////////////

func collect(seq func(func(Event, error) bool)) ([]Event, []error) {
	var evs []Event
	var errs []error
	for ev, err := range seq {
		evs = append(evs, ev)
		errs = append(errs, err)
	}
	return evs, errs
}

func TestEventsOnClosedListener(t *testing.T) {
	l := &Listener{log: logger.Discard()}
	l.closed.Store(true)

	_, errs := collect(l.Events(context.Background()))
	if len(errs) != 1 || !errors.Is(errs[0], ErrClosed) {
		t.Fatalf("errors = %v, want one ErrClosed", errs)
	}
	if err := l.Close(context.Background()); err != nil {
		t.Errorf("Close on closed listener = %v", err)
	}
}

func TestEventsWhileBusy(t *testing.T) {
	l := &Listener{log: logger.Discard()}
	l.busy.Store(true)

	_, errs := collect(l.Events(context.Background()))
	if len(errs) != 1 || !errors.Is(errs[0], ErrBusy) {
		t.Fatalf("errors = %v, want one ErrBusy", errs)
	}
	if !l.busy.Load() {
		t.Error("rejected stream released the other stream's claim")
	}
}

func TestListenSetupFailureIsOnlyItem(t *testing.T) {
	cfg := DefaultConfig("hello")
	cfg.Logger = logger.Discard()
	_, errs := collect(Listen(context.Background(), DSN("postgres://%zz"), cfg))
	if len(errs) != 1 || errs[0] == nil {
		t.Fatalf("errors = %v, want exactly one setup error", errs)
	}
}

// ///////////////////////////////////////////////
// PostgreSQL
// ///////////////////////////////////////////////

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PGNOTIFY_TEST_DSN")
	if dsn == "" {
		t.Skip("PGNOTIFY_TEST_DSN not set")
	}
	return dsn
}

func TestHelloHi(t *testing.T) {
	dsn := testDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := Config{
		Channels:       []string{"hello"},
		Timeout:        10 * time.Millisecond,
		YieldOnTimeout: true,
		Logger:         logger.Discard(),
	}
	published := false
	for ev, err := range Listen(ctx, DSN(dsn), cfg) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		if ev.IsTimeout() {
			if !published {
				if err := Notify(ctx, DSN(dsn), "hello", "hi"); err != nil {
					t.Fatalf("Notify: %v", err)
				}
				published = true
			}
			continue
		}
		if ev.Kind != KindNotification || ev.Notification.Channel != "hello" || ev.Notification.Payload != "hi" {
			t.Fatalf("event = %v, want notification hello/hi", ev)
		}
		return
	}
	t.Fatal("stream ended without a notification")
}

func TestListenerRestartable(t *testing.T) {
	dsn := testDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := Open(ctx, DSN(dsn), Config{
		Channels:       []string{"restart"},
		Timeout:        10 * time.Millisecond,
		YieldOnTimeout: true,
		Logger:         logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close(ctx)

	for range 2 {
		for ev, err := range l.Events(ctx) {
			if err != nil {
				t.Fatalf("stream error: %v", err)
			}
			if !ev.IsTimeout() {
				t.Fatalf("unexpected event %v", ev)
			}
			break
		}
	}

	if err := Notify(ctx, DSN(dsn), "restart", "again"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	for ev, err := range l.Events(ctx) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		if ev.IsTimeout() {
			continue
		}
		if ev.Notification.Payload != "again" {
			t.Fatalf("event = %v", ev)
		}
		break
	}

	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, errs := collect(l.Events(ctx))
	if len(errs) != 1 || !errors.Is(errs[0], ErrClosed) {
		t.Fatalf("Events after Close = %v", errs)
	}
}
