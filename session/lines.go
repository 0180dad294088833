package session

import "bytes"

// lineAssembler turns data frames into lines. It owns the partial-line buffer
// for one connection.
type lineAssembler struct {
	buf      []byte
	maxLine  int
	dropping bool // discarding an overlong line until its terminator
}

func newLineAssembler(maxLine int) *lineAssembler {
	if maxLine <= 0 {
		maxLine = 8192
	}
	return &lineAssembler{maxLine: maxLine}
}

// Push appends data and returns every completed, non-empty line. dropped is the
// number of bytes discarded because a line grew past maxLine, whether or not
// its terminator arrived in the same chunk.
func (a *lineAssembler) Push(data []byte) (lines [][]byte, dropped int) {
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if a.dropping {
				dropped += len(data)
				return lines, dropped
			}
			a.buf = append(a.buf, data...)
			if len(a.buf) > a.maxLine {
				dropped += len(a.buf)
				a.buf = a.buf[:0]
				a.dropping = true
			}
			return lines, dropped
		}
		if a.dropping {
			dropped += idx
			a.dropping = false
		} else {
			a.buf = append(a.buf, data[:idx]...)
			if len(a.buf) > a.maxLine {
				dropped += len(a.buf)
			} else if line := trimLine(a.buf); len(line) > 0 {
				lines = append(lines, append([]byte(nil), line...))
			}
		}
		a.buf = a.buf[:0]
		data = data[idx+1:]
	}
	return lines, dropped
}

// Flush returns the buffered partial line (a prompt) and clears it.
func (a *lineAssembler) Flush() ([]byte, bool) {
	if a.dropping {
		return nil, false
	}
	line := trimLine(a.buf)
	if len(line) == 0 {
		return nil, false
	}
	out := append([]byte(nil), line...)
	a.buf = a.buf[:0]
	return out, true
}

// Pending reports the size of the unterminated partial line.
func (a *lineAssembler) Pending() int {
	return len(a.buf)
}

// trimLine strips CR on both ends; servers send CRLF as well as LFCR.
func trimLine(b []byte) []byte {
	return bytes.Trim(b, "\r")
}
