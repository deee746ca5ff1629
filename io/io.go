// Package io provides the strict SMTP line framer and the readers used for
// the DATA phase.
package io

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLineLength is the longest line, excluding CRLF, accepted by
// NewLineReader when max is not positive (RFC 5322 section 2.1.1).
const DefaultMaxLineLength = 998

var (
	ErrLineTooLong   = errors.New("smtp: input line length is too long")
	ErrBadLineEnding = errors.New("smtp: CR and LF must be CRLF paired")
)

// TerminationError reports a line that was not terminated by a CR LF pair.
// Position is the index, within the offending line, of the unpaired CR or
// bare LF.
type TerminationError struct {
	Position int
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("smtp: CR and LF must be CRLF paired (position %d)", e.Position)
}

func (e *TerminationError) Is(target error) bool {
	return target == ErrBadLineEnding
}

// LineReader reads CRLF terminated lines. It never consumes more than the
// current line, so the underlying reader can be handed to a binary consumer
// between calls.
type LineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

// NewLineReader returns a LineReader over r accepting lines of at most max
// bytes, not counting the terminator.
func NewLineReader(r *bufio.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxLineLength
	}
	return &LineReader{r: r, max: max}
}

// ReadLine returns the next line with its CRLF stripped.
//
// It returns io.EOF if the stream ends cleanly between lines and
// io.ErrUnexpectedEOF if it ends in the middle of one.
func (l *LineReader) ReadLine() (string, error) {
	l.buf = l.buf[:0]
	pendingCR := false

	for {
		b, err := l.r.ReadByte()
		if err != nil {
			if err == io.EOF && (len(l.buf) > 0 || pendingCR) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}

		if pendingCR {
			if b == '\n' {
				return string(l.buf), nil
			}
			return "", &TerminationError{Position: len(l.buf)}
		}

		switch b {
		case '\r':
			pendingCR = true
		case '\n':
			return "", &TerminationError{Position: len(l.buf)}
		default:
			if len(l.buf) >= l.max {
				return "", ErrLineTooLong
			}
			l.buf = append(l.buf, b)
		}
	}
}

// Reader returns the buffered reader shared with binary consumers.
func (l *LineReader) Reader() *bufio.Reader {
	return l.r
}

// MaxLength returns the configured line limit.
func (l *LineReader) MaxLength() int {
	return l.max
}
