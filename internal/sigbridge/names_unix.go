//go:build unix

package sigbridge

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Parse resolves a signal from configuration. Accepted forms are "SIGINT",
// "INT", "sigint" and the decimal number "2".
func Parse(name string) (os.Signal, error) {
	s := strings.ToUpper(strings.TrimSpace(name))
	if s == "" {
		return nil, fmt.Errorf("empty signal name")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || n > 0xff || unix.SignalName(syscall.Signal(n)) == "" {
			return nil, fmt.Errorf("unknown signal number %d", n)
		}
		return syscall.Signal(n), nil
	}
	if !strings.HasPrefix(s, "SIG") {
		s = "SIG" + s
	}
	sig := unix.SignalNum(s)
	if sig == 0 {
		return nil, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// Name returns the conventional upper-case name ("SIGTERM"), falling back to
// the runtime's description for signals without one.
func Name(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		if n := unix.SignalName(s); n != "" {
			return n
		}
	}
	return sig.String()
}
