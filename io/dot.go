package io

import (
	"bufio"
	"errors"
	"io"
)

// ErrTooMuchData is returned by a LimitReader once its limit is exceeded.
var ErrTooMuchData = errors.New("smtp: too much mail data")

const (
	dotBeginLine = iota
	dotLine
	dotCR
	dotDot
	dotDotCR
	dotEOF
)

// DotReader decodes a DATA body. It removes the leading dot of every line
// and stops at the CRLF "." CRLF terminator. Only CRLF starts a new line,
// so a dot following a bare LF is ordinary data.
type DotReader struct {
	r       *bufio.Reader
	state   int
	pending []byte
	err     error
}

// NewDotReader returns a DotReader reading from r, positioned at the first
// byte of the body.
func NewDotReader(r *bufio.Reader) *DotReader {
	return &DotReader{r: r, state: dotBeginLine}
}

func (d *DotReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(d.pending) > 0 {
			c := copy(p[n:], d.pending)
			d.pending = d.pending[c:]
			n += c
			continue
		}
		if d.state == dotEOF {
			return n, io.EOF
		}
		if d.err != nil {
			return n, d.err
		}
		if n > 0 && d.r.Buffered() == 0 {
			// Hand back what we have instead of blocking on the network.
			return n, nil
		}

		b, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			d.err = err
			continue
		}

		switch d.state {
		case dotBeginLine:
			if b == '.' {
				d.state = dotDot
				continue
			}
			d.state = dotLine
			d.consume(b)
		case dotDot:
			if b == '\r' {
				d.state = dotDotCR
				continue
			}
			// The leading dot is dropped.
			d.state = dotLine
			d.consume(b)
		case dotDotCR:
			if b == '\n' {
				d.state = dotEOF
				continue
			}
			d.pending = append(d.pending, '\r')
			d.state = dotCR
			d.consume(b)
		default:
			d.consume(b)
		}
	}
	return n, nil
}

// consume emits b and advances the line state.
func (d *DotReader) consume(b byte) {
	d.pending = append(d.pending, b)
	switch {
	case b == '\r':
		d.state = dotCR
	case b == '\n' && d.state == dotCR:
		d.state = dotBeginLine
	default:
		d.state = dotLine
	}
}

// Drain discards the remainder of the body up to and including the
// terminator.
func (d *DotReader) Drain() error {
	_, err := io.Copy(io.Discard, d)
	return err
}

// LimitReader fails with ErrTooMuchData once more than its limit has been
// read. A limit of zero or less disables the check.
type LimitReader struct {
	r     io.Reader
	limit int64
	n     int64
}

// NewLimitReader wraps r with a byte limit.
func NewLimitReader(r io.Reader, limit int64) *LimitReader {
	return &LimitReader{r: r, limit: limit}
}

func (l *LimitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.limit > 0 && l.n > l.limit {
		return n, ErrTooMuchData
	}
	return n, err
}

// Count returns the number of bytes read so far.
func (l *LimitReader) Count() int64 {
	return l.n
}

// Exceeded reports whether more than the limit has been read.
func (l *LimitReader) Exceeded() bool {
	return l.limit > 0 && l.n > l.limit
}
