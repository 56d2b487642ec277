package service

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

const maxLineBytes = 64 * 1024

// lineSplitter accumulates stream bytes and emits complete lines. Lines longer
// than maxLineBytes are emitted in chunks.
type lineSplitter struct {
	buf  []byte
	emit func(line string)
}

func newLineSplitter(emit func(line string)) *lineSplitter {
	return &lineSplitter{emit: emit}
}

func (s *lineSplitter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		s.emit(strings.TrimRight(string(s.buf[:i]), "\r"))
		s.buf = s.buf[i+1:]
	}
	for len(s.buf) > maxLineBytes {
		n := chunkEnd(s.buf)
		s.emit(string(s.buf[:n]))
		s.buf = s.buf[n:]
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (s *lineSplitter) Flush() {
	if len(s.buf) == 0 {
		return
	}
	line := strings.TrimRight(string(s.buf), "\r")
	s.buf = nil
	if line != "" {
		s.emit(line)
	}
}

// chunkEnd returns a cut point at most maxLineBytes long that does not split a
// UTF-8 sequence. buf must be longer than maxLineBytes. Invalid input falls
// back to the hard limit.
func chunkEnd(buf []byte) int {
	n := maxLineBytes
	for i := n; i > n-utf8.UTFMax && i > 0; i-- {
		if utf8.RuneStart(buf[i]) {
			return i
		}
	}
	return n
}
