package claude

import (
	"bytes"
	"strings"
)

// LineFramer splits a chunked byte stream into newline-terminated lines.
// A trailing partial line is held until more bytes arrive or Flush is called.
type LineFramer struct {
	buf []byte
}

// Push appends chunk and returns every line it completed, without the
// trailing newline. Empty lines are returned too; callers decide what to skip.
func (f *LineFramer) Push(chunk []byte) []string {
	f.buf = append(f.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(f.buf[:i]))
		f.buf = f.buf[i+1:]
	}

	// Reclaim the consumed prefix once nothing is pending.
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return lines
}

// Flush returns the held partial line if it holds anything besides
// whitespace, and resets the framer.
func (f *LineFramer) Flush() (string, bool) {
	rest := string(f.buf)
	f.buf = nil
	if strings.TrimSpace(rest) == "" {
		return "", false
	}
	return rest, true
}

// Pending returns the number of buffered bytes not yet part of a line.
func (f *LineFramer) Pending() int {
	return len(f.buf)
}
