package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// errLocked means another process holds the PID file lock.
var errLocked = errors.New("locked by another process")

// RunningError reports a listener that already owns the data directory.
type RunningError struct {
	PID int
}

func (e *RunningError) Error() string {
	if e.PID == 0 {
		return "another listener is already running"
	}
	return fmt.Sprintf("another listener is already running (pid %d)", e.PID)
}

// ///////////////////////////////////////////////
// PID File
// ///////////////////////////////////////////////

// pidFile is a locked "PID:TOKEN" file. The token proves ownership, so a
// listener never removes a file written by a later one.
type pidFile struct {
	f     *os.File
	path  string
	token string
}

func pidToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// acquirePID locks dp.PID() for this process. The file stays locked until
// Release; a crashed listener's lock dies with its process, so a stale file
// is simply taken over.
func acquirePID(dp DataPaths) (*pidFile, error) {
	path := dp.PID()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errLocked) {
			pid, _ := readPID(path)
			return nil, &RunningError{PID: pid}
		}
		return nil, err
	}

	p := &pidFile{f: f, path: path, token: pidToken()}
	if err := f.Truncate(0); err != nil {
		p.Release()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	if _, err := f.WriteString(fmt.Sprintf("%d:%s", os.Getpid(), p.token)); err != nil {
		p.Release()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return p, nil
}

// Release unlocks and closes the file, removing it if it is still ours.
func (p *pidFile) Release() {
	_ = unlockFile(p.f)
	p.f.Close()
	data, err := os.ReadFile(p.path)
	if err != nil {
		return
	}
	if _, token, ok := strings.Cut(string(data), ":"); ok && token == p.token {
		os.Remove(p.path)
	}
}

// readPID parses the PID part of a PID file.
func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	head, _, _ := strings.Cut(string(data), ":")
	pid, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// probePID reports whether a listener holds the lock on dp.PID(). A file
// left behind by a dead listener is removed.
func probePID(dp DataPaths) (alive bool, pid int) {
	f, err := os.OpenFile(dp.PID(), os.O_RDWR, 0o600)
	if err != nil {
		return false, 0
	}
	if err := lockFile(f); err != nil {
		f.Close()
		pid, _ := readPID(dp.PID())
		return true, pid
	}
	_ = unlockFile(f)
	f.Close()
	os.Remove(dp.PID())
	return false, 0
}
