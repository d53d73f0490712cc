// Package reload notices edits to the pgnotify config file so a running
// listener can pick them up.
package reload

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the stat interval used when fsnotify is unavailable.
const DefaultPollInterval = 2 * time.Second

// ///////////////////////////////////////////////
// Watcher
// ///////////////////////////////////////////////

// Watcher reports changes to one file. It watches the parent directory, so
// editors and atomic writers that replace the file by rename are seen too.
type Watcher struct {
	// path is the absolute path of the watched file.
	path string
	// events is buffered to 1 so back-to-back writes coalesce.
	events chan struct{}
	// done is closed by [Watcher.Close].
	done chan struct{}
	once sync.Once

	mu sync.Mutex
	// fsw is nil once the watcher has fallen back to polling.
	fsw *fsnotify.Watcher

	polling      atomic.Bool
	pollInterval time.Duration
	log          *slog.Logger
}

// New starts watching path. It falls back to polling when fsnotify cannot
// watch the parent directory; the file itself need not exist yet.
func New(path string, log *slog.Logger) (*Watcher, error) {
	return newWatcher(path, log, DefaultPollInterval)
}

func newWatcher(path string, log *slog.Logger, interval time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{
		path:         abs,
		events:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		pollInterval: interval,
		log:          log,
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Info("fsnotify unavailable, falling back to polling", "error", err)
		w.startPolling()
		return w, nil
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		w.log.Info("cannot watch config directory, falling back to polling", "path", filepath.Dir(abs), "error", err)
		fsw.Close()
		w.startPolling()
		return w, nil
	}

	w.fsw = fsw
	go w.watch(fsw)
	return w, nil
}

// Polling reports whether the watcher is using polling instead of fsnotify.
func (w *Watcher) Polling() bool {
	return w.polling.Load()
}

// Events receives a value each time the file changes.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.fsw != nil {
			if closeErr := w.fsw.Close(); closeErr != nil {
				err = fmt.Errorf("closing fsnotify watcher: %w", closeErr)
			}
			w.fsw = nil
		}
	})
	return err
}

// ///////////////////////////////////////////////
// fsnotify
// ///////////////////////////////////////////////

func (w *Watcher) watch(fsw *fsnotify.Watcher) {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.notify()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Info("fsnotify error, switching to polling", "error", err)
			w.mu.Lock()
			if w.fsw != nil {
				w.fsw.Close()
				w.fsw = nil
			}
			w.mu.Unlock()
			w.startPolling()
			return
		}
	}
}

// ///////////////////////////////////////////////
// Polling
// ///////////////////////////////////////////////

// stamp identifies one version of the file. Size is included because coarse
// filesystem clocks can give two quick writes the same modification time.
type stamp struct {
	mod  time.Time
	size int64
	ok   bool
}

func (w *Watcher) stat() stamp {
	info, err := os.Stat(w.path)
	if err != nil {
		return stamp{}
	}
	return stamp{mod: info.ModTime(), size: info.Size(), ok: true}
}

func (w *Watcher) startPolling() {
	w.polling.Store(true)
	go w.poll(w.stat())
}

func (w *Watcher) poll(last stamp) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			cur := w.stat()
			if !cur.ok {
				last = cur
				continue
			}
			if cur != last {
				last = cur
				w.notify()
			}
		}
	}
}

// notify queues one event; a pending event absorbs further changes.
func (w *Watcher) notify() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}
