package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	rootpkg "tools.zach/dev/pgnotify"
	"tools.zach/dev/pgnotify/internal/config"
	"tools.zach/dev/pgnotify/internal/forward"
	"tools.zach/dev/pgnotify/internal/logger"
	"tools.zach/dev/pgnotify/internal/reload"
	"tools.zach/dev/pgnotify/internal/sigbridge"
)

// forwardDrainTimeout bounds how long queued webhooks may take when a stream
// ends.
const forwardDrainTimeout = 5 * time.Second

// minListenTimeout is the shortest wait the listen command accepts. The
// command always asks for idle ticks, so a zero timeout would spin.
const minListenTimeout = 10 * time.Millisecond

// overrides are command-line values that win over the config file.
type overrides struct {
	dsn      string
	channels []string
}

func (o overrides) apply(cfg *config.Config) error {
	if o.dsn != "" {
		cfg.Database.DSN = o.dsn
	}
	if len(o.channels) > 0 {
		cfg.Listen.Channels = config.ChannelList(o.channels)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Timeout() < minListenTimeout {
		return fmt.Errorf("listen.timeout_seconds must be at least %g for the listen command, got %g",
			minListenTimeout.Seconds(), cfg.Listen.TimeoutSeconds)
	}
	return nil
}

// ///////////////////////////////////////////////
// listen
// ///////////////////////////////////////////////

func cmdListen(args []string, stdout, stderr io.Writer) int {
	fs, dataDir := newFlagSet("listen", stderr)
	dsn := fs.String("dsn", "", "connection string; overrides "+config.DSNEnv+" and the config file")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	ov := overrides{dsn: *dsn, channels: fs.Args()}

	dp := DataPaths{Root: *dataDir}
	if err := dp.Ensure(); err != nil {
		fmt.Fprintf(stderr, "fatal: create data dir: %v\n", err)
		return 1
	}
	if _, err := os.Stat(dp.Config()); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(dp.Config(), rootpkg.DefaultConfigTOML, 0o644); err != nil {
			fmt.Fprintf(stderr, "warning: failed to write default config: %v\n", err)
		}
	}

	cfg, err := loadConfig(dp, ov)
	if err != nil {
		fmt.Fprintf(stderr, "fatal: %v\n", err)
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(cfg.LogLevel())
	log, logCloser, err := logger.New(logOptions(cfg, dp, level, stderr))
	if err != nil {
		fmt.Fprintf(stderr, "fatal: init logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	pid, err := acquirePID(dp)
	if err != nil {
		fmt.Fprintf(stderr, "pgnotify: %v\n", err)
		return 1
	}
	defer pid.Release()

	log.Info("pgnotify starting", "version", resolveVersion(), "data_dir", dp.Root)

	watcher, err := reload.New(dp.Config(), log)
	if err != nil {
		log.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
		if watcher.Polling() {
			log.Info("using polling mode for config changes")
		}
	}

	ctx := context.Background()
	for {
		res, err := serve(ctx, cfg, changes(watcher), stdout, log)
		if err != nil {
			logger.Fail(log, "listener stopped", "error", err)
			fmt.Fprintf(stderr, "pgnotify: %v\n", err)
			return 1
		}
		if res == resultStop {
			log.Info("pgnotify stopped")
			return 0
		}

		next, err := loadConfig(dp, ov)
		if err != nil {
			log.Warn("config reload failed, keeping current config", "error", err)
			continue
		}
		cfg = next
		level.Set(cfg.LogLevel())
		log.Info("config reloaded", "channels", []string(cfg.Listen.Channels))
	}
}

func loadConfig(dp DataPaths, ov overrides) (*config.Config, error) {
	cfg, err := config.Load(dp.Root)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := ov.apply(cfg); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return cfg, nil
}

// logOptions maps the [log] section onto logger options. The log file is
// fixed at startup; reloads only change the level.
func logOptions(cfg *config.Config, dp DataPaths, level slog.Leveler, stderr io.Writer) logger.Options {
	opts := logger.Options{Level: level, MaxSizeMB: cfg.Log.MaxSizeMB, Stderr: stderr}
	switch cfg.Log.File {
	case "-":
	case "":
		opts.Path = dp.Log()
	default:
		opts.Path = cfg.Log.File
	}
	return opts
}

func changes(w *reload.Watcher) <-chan struct{} {
	if w == nil {
		return nil
	}
	return w.Events()
}

// ///////////////////////////////////////////////
// Stream
// ///////////////////////////////////////////////

type result int

const (
	resultStop result = iota
	resultReload
)

// signalAction says what the CLI does with a delivered signal.
func signalAction(sig os.Signal) (result, bool) {
	switch sig {
	case os.Interrupt, syscall.SIGTERM:
		return resultStop, true
	case syscall.SIGHUP:
		return resultReload, true
	}
	return 0, false
}

// serve runs one listener built from cfg until a stop signal, a reload
// request or an error. The stream always yields idle ticks so a changed
// config file is noticed within one timeout; ticks are printed only when
// listen.yield_on_timeout is set.
func serve(ctx context.Context, cfg *config.Config, changed <-chan struct{}, out io.Writer, log *slog.Logger) (result, error) {
	sigs, err := cfg.SignalSet()
	if err != nil {
		return resultStop, err
	}

	fwd, err := newForwarder(ctx, cfg, log)
	if err != nil {
		return resultStop, err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forwardDrainTimeout)
		defer cancel()
		if err := fwd.Close(drainCtx); err != nil {
			log.Warn("forward queue not drained", "error", err)
		}
	}()

	l, err := rootpkg.Open(ctx, rootpkg.DSN(cfg.Database.DSN), rootpkg.Config{
		Channels:       cfg.Listen.Channels,
		Timeout:        cfg.Timeout(),
		YieldOnTimeout: true,
		Signals:        sigs,
		Batch:          cfg.Listen.Batch,
		Logger:         log,
	})
	if err != nil {
		return resultStop, err
	}
	defer func() {
		if err := l.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("close listener", "error", err)
		}
	}()
	log.Info("listening", "channels", l.Channels(), "timeout", cfg.Timeout(), "signals", cfg.Listen.Signals)

	for ev, err := range l.Events(ctx) {
		if err != nil {
			return resultStop, err
		}
		switch ev.Kind {
		case rootpkg.KindTimeout:
			if cfg.Listen.YieldOnTimeout {
				fmt.Fprintln(out, "timeout")
			}
		case rootpkg.KindSignal:
			name := sigbridge.Name(ev.Signal)
			res, ok := signalAction(ev.Signal)
			if !ok {
				log.Info("signal received", "signal", name)
				break
			}
			log.Info("signal received", "signal", name, "action", actionName(res))
			return res, nil
		default:
			printNotifications(out, ev.Notifications())
			for _, n := range ev.Notifications() {
				if _, err := fwd.Enqueue(n); err != nil {
					log.Warn("forward", "channel", n.Channel, "error", err)
				}
			}
		}

		select {
		case <-changed:
			log.Info("config file changed")
			return resultReload, nil
		default:
		}
	}
	return resultStop, nil
}

func actionName(r result) string {
	if r == resultReload {
		return "reload"
	}
	return "stop"
}

func newForwarder(ctx context.Context, cfg *config.Config, log *slog.Logger) (*forward.Forwarder, error) {
	targets := make([]forward.Target, len(cfg.Forward))
	for i, f := range cfg.Forward {
		targets[i] = forward.Target{Patterns: f.Channels, URL: f.URL, MaxRetries: f.MaxRetries}
	}
	fwd, err := forward.New(targets, log)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	fwd.Start(ctx)
	return fwd, nil
}

// printNotifications writes one "pid channel payload" line per notification.
// Newlines in the payload are escaped so each notification stays one line.
func printNotifications(out io.Writer, ns []rootpkg.Notification) {
	for _, n := range ns {
		fmt.Fprintf(out, "%d %s %s\n", n.PID, n.Channel, lineEscaper.Replace(n.Payload))
	}
}

var lineEscaper = strings.NewReplacer("\\", `\\`, "\n", `\n`, "\r", `\r`)
