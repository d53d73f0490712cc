//go:build !unix

package sigbridge

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

// Parse accepts only the interrupt, hang-up and terminate signals here.
func Parse(name string) (os.Signal, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "SIGINT", "INT", "INTERRUPT", "2":
		return os.Interrupt, nil
	case "SIGHUP", "HUP", "1":
		return syscall.SIGHUP, nil
	case "SIGTERM", "TERM", "15":
		return syscall.SIGTERM, nil
	}
	return nil, fmt.Errorf("unknown signal %q", name)
}

// Name returns the conventional upper-case name where known.
func Name(sig os.Signal) string {
	switch sig {
	case os.Interrupt:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return sig.String()
}
