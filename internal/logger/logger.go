// Package logger provides structured logging with custom levels and a compact
// line format for pgnotify.
//
// Log output format:
//
//	2006-01-02T15:04:05.000Z [LEVEL] message | key=value, key2="two words"
//
// Custom levels beyond the standard slog set:
//   - LevelTrace (-8): per-wakeup loop tracing
//   - LevelFail  (12): unrecoverable errors
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ///////////////////////////////////////////////
// Custom Levels
// ///////////////////////////////////////////////

const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = slog.LevelDebug // -4
	LevelInfo  slog.Level = slog.LevelInfo  // 0
	LevelWarn  slog.Level = slog.LevelWarn  // 4
	LevelError slog.Level = slog.LevelError // 8
	LevelFail  slog.Level = 12
)

// levelNames maps the display name of each level, lowest first.
var levelNames = []struct {
	level slog.Level
	name  string
}{
	{LevelTrace, "TRACE"},
	{LevelDebug, "DEBUG"},
	{LevelInfo, "INFO"},
	{LevelWarn, "WARN"},
	{LevelError, "ERROR"},
}

// levelName returns the display name for a log level. Levels between two
// named ones take the name of the higher.
func levelName(l slog.Level) string {
	for _, n := range levelNames {
		if l <= n.level {
			return n.name
		}
	}
	return "FAIL"
}

// ParseLevel converts a level string to slog.Level, case-insensitively.
// Unrecognized strings return an error along with LevelInfo.
func ParseLevel(s string) (slog.Level, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, n := range levelNames {
		if n.name == name {
			return n.level, nil
		}
	}
	if name == "FAIL" {
		return LevelFail, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ///////////////////////////////////////////////
// Handler
// ///////////////////////////////////////////////

// lineEnding is CRLF on Windows, LF elsewhere.
var lineEnding = "\n"

func init() {
	if runtime.GOOS == "windows" {
		lineEnding = "\r\n"
	}
}

// Handler is a slog.Handler that writes one line per record:
//
//	2006-01-02T15:04:05.000Z [LEVEL] message | key=value, ...
//
// Values that contain spaces, separators or quotes are written quoted, so a
// notification payload never breaks the line apart.
type Handler struct {
	// w receives formatted lines.
	w io.Writer
	// mu is shared by every handler derived from the same root so lines from
	// WithAttrs/WithGroup children never interleave.
	mu *sync.Mutex
	// level is the minimum severity emitted.
	level slog.Leveler
	// prefix holds attributes pre-rendered by WithAttrs.
	prefix []string
	// group is the dotted key prefix set by WithGroup.
	group string
}

// NewHandler creates a Handler that writes to w, filtering records below level.
// Passing a *slog.LevelVar lets the level change while the handler is in use.
func NewHandler(w io.Writer, level slog.Leveler) *Handler {
	return &Handler{w: w, level: level, mu: &sync.Mutex{}}
}

// Enabled reports whether the handler handles records at the given level.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats and writes a log record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteString(" [")
	b.WriteString(levelName(r.Level))
	b.WriteString("] ")
	b.WriteString(r.Message)

	fields := make([]string, 0, len(h.prefix)+r.NumAttrs())
	fields = append(fields, h.prefix...)
	r.Attrs(func(a slog.Attr) bool {
		fields = appendAttr(fields, h.group, a)
		return true
	})
	if len(fields) > 0 {
		b.WriteString(" | ")
		b.WriteString(strings.Join(fields, ", "))
	}
	b.WriteString(lineEnding)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs returns a Handler with attrs rendered once and prepended to every
// record.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := make([]string, len(h.prefix), len(h.prefix)+len(attrs))
	copy(prefix, h.prefix)
	for _, a := range attrs {
		prefix = appendAttr(prefix, h.group, a)
	}
	return &Handler{w: h.w, mu: h.mu, level: h.level, prefix: prefix, group: h.group}
}

// WithGroup returns a Handler whose later attribute keys are prefixed with
// name (e.g. "group.key").
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{w: h.w, mu: h.mu, level: h.level, prefix: h.prefix, group: joinKey(h.group, name)}
}

// appendAttr renders a into key=value fields, flattening nested groups.
func appendAttr(fields []string, group string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return fields
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := joinKey(group, a.Key)
		for _, ga := range a.Value.Group() {
			fields = appendAttr(fields, sub, ga)
		}
		return fields
	}
	return append(fields, joinKey(group, a.Key)+"="+formatValue(a.Value))
}

func joinKey(group, key string) string {
	if group == "" {
		return key
	}
	if key == "" {
		return group
	}
	return group + "." + key
}

// formatValue renders v, quoting strings that would be ambiguous bare.
func formatValue(v slog.Value) string {
	s := v.String()
	if v.Kind() == slog.KindAny {
		if err, ok := v.Any().(error); ok {
			s = err.Error()
		}
	}
	if needsQuote(s) {
		return strconv.Quote(s)
	}
	return s
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	return strings.ContainsAny(s, " ,=|\"\t\r\n") || !strconv.CanBackquote(s)
}

// ///////////////////////////////////////////////
// Logger Constructor
// ///////////////////////////////////////////////

// Options selects where a logger writes.
type Options struct {
	// Path is the log file. Empty writes to Stderr instead.
	Path string
	// Level is the minimum level emitted.
	Level slog.Leveler
	// MaxSizeMB is the file size that triggers rotation.
	MaxSizeMB int
	// Stderr receives output when Path is empty, and a copy of every line
	// when Tee is set. Defaults to os.Stderr.
	Stderr io.Writer
	// Tee also writes file output to Stderr.
	Tee bool
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates a slog.Logger from opts. The returned io.Closer must be closed
// to release the log file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	level := opts.Level
	if level == nil {
		level = LevelInfo
	}
	if opts.Path == "" {
		return slog.New(NewHandler(stderr, level)), nopCloser{}, nil
	}
	if opts.MaxSizeMB < 0 {
		return nil, nil, errors.New("logger: negative max size")
	}

	lj := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: 3,
		MaxAge:     28,
	}
	var w io.Writer = lj
	if opts.Tee {
		w = io.MultiWriter(lj, stderr)
	}
	return slog.New(NewHandler(w, level)), lj, nil
}

// ///////////////////////////////////////////////
// Helper Functions
// ///////////////////////////////////////////////

// Trace logs a message at LevelTrace.
func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Fail logs a message at LevelFail.
func Fail(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelFail, msg, args...)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
