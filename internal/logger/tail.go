package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

// tailChunk is how much ReadTail reads per step backwards from the end.
const tailChunk = 4096

// ReadTail returns the last n lines of the file at path, oldest first, joined
// with "\n". It reads backwards from the end, so large rotated-away logs cost
// no more than the lines asked for.
func ReadTail(path string, n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return "", fmt.Errorf("seek log file: %w", err)
	}

	var tail []byte
	off := size
	// One extra newline is needed to know the oldest wanted line is complete;
	// a trailing newline at end of file adds another.
	for off > 0 && bytes.Count(tail, []byte{'\n'}) <= n {
		step := min(int64(tailChunk), off)
		off -= step
		buf := make([]byte, step)
		if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
			return "", fmt.Errorf("read log file: %w", err)
		}
		tail = append(buf, tail...)
	}

	text := strings.TrimRight(string(tail), "\r\n")
	if text == "" {
		return "", nil
	}
	lines := strings.Split(text, "\n")
	lines = lines[max(len(lines)-n, 0):]
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return strings.Join(lines, "\n"), nil
}
