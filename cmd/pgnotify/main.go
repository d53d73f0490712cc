// Package main implements the pgnotify command, which listens for PostgreSQL
// notifications and prints or forwards them, and publishes one-off
// notifications.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	rootpkg "tools.zach/dev/pgnotify"
	"tools.zach/dev/pgnotify/internal/config"
	"tools.zach/dev/pgnotify/internal/logger"
	"tools.zach/dev/pgnotify/internal/paths"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time with -ldflags "-X main.version=1.2.3". Bare
// builds fall back to the VCS revision embedded by the toolchain.
var version = "dev"

func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// Commands
// ///////////////////////////////////////////////

const usage = `usage: pgnotify <command> [flags]

commands:
  listen [-data-dir D] [-dsn S] [CHANNEL ...]   print notifications until stopped
  notify [-data-dir D] [-dsn S] CHANNEL [PAYLOAD]  publish one notification
  status [-data-dir D]                           report whether a listener runs
  logs   [-data-dir D] [-n N]                    print the end of the log file
  version                                        print the version
`

type command func(args []string, stdout, stderr io.Writer) int

var commands = map[string]command{
	"listen":  cmdListen,
	"notify":  cmdNotify,
	"status":  cmdStatus,
	"logs":    cmdLogs,
	"version": cmdVersion,
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches to a subcommand and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	switch args[0] {
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "pgnotify: unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	return cmd(args[1:], stdout, stderr)
}

// newFlagSet returns a flag set with the flags every command shares.
func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir := fs.String("data-dir", paths.Default().Root, "data directory for config, logs and the PID file")
	return fs, dataDir
}

// parseFlags parses args, mapping -h to exit code 0 and other errors to 2.
func parseFlags(fs *flag.FlagSet, args []string) (code int, ok bool) {
	err := fs.Parse(args)
	switch {
	case err == nil:
		return 0, true
	case errors.Is(err, flag.ErrHelp):
		return 0, false
	default:
		return 2, false
	}
}

func cmdVersion(_ []string, stdout, _ io.Writer) int {
	fmt.Fprintf(stdout, "%s %s\n", paths.BinaryName, resolveVersion())
	return 0
}

// ///////////////////////////////////////////////
// notify
// ///////////////////////////////////////////////

func cmdNotify(args []string, stdout, stderr io.Writer) int {
	fs, dataDir := newFlagSet("notify", stderr)
	dsn := fs.String("dsn", "", "connection string; overrides "+config.DSNEnv+" and the config file")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprintln(stderr, "usage: pgnotify notify [-dsn S] CHANNEL [PAYLOAD]")
		return 2
	}
	channel, payload := fs.Arg(0), fs.Arg(1)
	if err := config.ValidateChannel(channel); err != nil {
		fmt.Fprintf(stderr, "pgnotify: %v\n", err)
		return 2
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "pgnotify: load config: %v\n", err)
		return 1
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	ctx, stop := interruptContext(context.Background())
	defer stop()
	if err := rootpkg.Notify(ctx, rootpkg.DSN(cfg.Database.DSN), channel, payload); err != nil {
		fmt.Fprintf(stderr, "pgnotify: %v\n", err)
		return 1
	}
	return 0
}

// ///////////////////////////////////////////////
// status
// ///////////////////////////////////////////////

func cmdStatus(args []string, stdout, stderr io.Writer) int {
	fs, dataDir := newFlagSet("status", stderr)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	alive, pid := probePID(DataPaths{Root: *dataDir})
	switch {
	case alive && pid > 0:
		fmt.Fprintf(stdout, "listening (pid %d)\n", pid)
	case alive:
		fmt.Fprintln(stdout, "listening")
	default:
		fmt.Fprintln(stdout, "not running")
		return 1
	}
	return 0
}

// ///////////////////////////////////////////////
// logs
// ///////////////////////////////////////////////

func cmdLogs(args []string, stdout, stderr io.Writer) int {
	fs, dataDir := newFlagSet("logs", stderr)
	n := fs.Int("n", 50, "number of lines")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	dp := DataPaths{Root: *dataDir}
	path := dp.Log()
	if cfg, err := config.Load(dp.Root); err == nil {
		switch cfg.Log.File {
		case "-":
			fmt.Fprintln(stderr, "pgnotify: logging to stderr, no log file")
			return 1
		case "":
		default:
			path = cfg.Log.File
		}
	}

	tail, err := logger.ReadTail(path, *n)
	if err != nil {
		fmt.Fprintf(stderr, "pgnotify: %v\n", err)
		return 1
	}
	if tail != "" {
		fmt.Fprintln(stdout, strings.TrimRight(tail, "\n"))
	}
	return 0
}
