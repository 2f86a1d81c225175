package tunnel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"proxymux/internal/config"
)

// MaxPeekSize bounds how many bytes a single peek may inspect.
const MaxPeekSize = config.MaxPeekSize

// peekPollInterval is the pause between peeks while PeekUntil waits for more bytes.
const peekPollInterval = 10 * time.Millisecond

var (
	// ErrPeekTimeout is returned when no bytes arrived before the peek deadline.
	ErrPeekTimeout = errors.New("peek timed out")

	errNoDescriptor = errors.New("connection has no peekable descriptor")
	errUnsupported  = errors.New("operation not supported by connection")
)

// PeekConn gives connections without a peekable socket (TLS, pipes, non-Unix
// platforms) the same non-consuming peek through a read buffer. Bytes seen by a
// peek are returned again by the next Read.
type PeekConn struct {
	net.Conn
	r *bufio.Reader
}

// NewPeekConn wraps conn with a MaxPeekSize read buffer.
func NewPeekConn(conn net.Conn) *PeekConn {
	return &PeekConn{Conn: conn, r: bufio.NewReaderSize(conn, MaxPeekSize)}
}

// Read reads from the buffer first, then from the connection.
func (c *PeekConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// CloseWrite half-closes the wrapped connection when it supports it.
func (c *PeekConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return errUnsupported
}

// CloseRead shuts the read side of the wrapped connection when it supports it.
func (c *PeekConn) CloseRead() error {
	if cr, ok := c.Conn.(closeReader); ok {
		return cr.CloseRead()
	}
	return errUnsupported
}

// peek returns up to limit buffered bytes, blocking for the first one. With more
// set and bytes already buffered, it waits for at least one further byte
// instead, so repeated peeks see a request that arrives in pieces; an error
// while waiting returns what is buffered.
func (c *PeekConn) peek(limit int, more bool) ([]byte, error) {
	want := max(c.r.Buffered(), 1)
	if more && c.r.Buffered() > 0 {
		want = c.r.Buffered() + 1
	}
	if _, err := c.r.Peek(min(want, limit)); err != nil && c.r.Buffered() == 0 {
		return nil, err
	}
	b, _ := c.r.Peek(min(c.r.Buffered(), limit))
	return append([]byte(nil), b...), nil
}

// PreparePeek returns conn itself when its socket can be peeked in place and a
// PeekConn wrapping it otherwise. Every later read of the connection must go
// through the returned value.
func PreparePeek(conn net.Conn) net.Conn {
	if _, ok := conn.(*PeekConn); ok {
		return conn
	}
	if canPeekSocket(conn) {
		return conn
	}
	return NewPeekConn(conn)
}

// Peek returns up to max bytes currently queued on conn without consuming them.
// It waits at most timeout for the first byte. A peer that closed without
// sending yields io.EOF and an elapsed deadline yields ErrPeekTimeout.
func Peek(conn net.Conn, max int, timeout time.Duration) ([]byte, error) {
	return peekWithin(conn, max, timeout, false)
}

// peekWithin is Peek; more asks a buffered connection to wait for bytes
// beyond those it already holds.
func peekWithin(conn net.Conn, max int, timeout time.Duration, more bool) ([]byte, error) {
	if max <= 0 || max > MaxPeekSize {
		max = MaxPeekSize
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set peek deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	var (
		b   []byte
		err error
	)
	if oc, ok := conn.(*onceConn); ok {
		conn = oc.Conn
	}
	if pc, ok := conn.(*PeekConn); ok {
		b, err = pc.peek(max, more)
	} else {
		b, err = peekSocket(conn, max)
	}
	switch {
	case err == nil:
		return b, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return nil, ErrPeekTimeout
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("peek: %w", err)
	}
}

// PeekUntil peeks repeatedly until done reports true for the queued bytes, max
// bytes are queued, or timeout elapses. Bytes already seen when the deadline
// passes are returned without error.
func PeekUntil(conn net.Conn, max int, timeout time.Duration, done func([]byte) bool) ([]byte, error) {
	if max <= 0 || max > MaxPeekSize {
		max = MaxPeekSize
	}
	deadline := time.Now().Add(timeout)
	var last []byte
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if len(last) > 0 {
				return last, nil
			}
			return nil, ErrPeekTimeout
		}
		b, err := peekWithin(conn, max, remaining, len(last) > 0)
		if err != nil {
			if errors.Is(err, ErrPeekTimeout) && len(last) > 0 {
				return last, nil
			}
			return last, err
		}
		last = b
		if done(b) || len(b) >= max {
			return b, nil
		}
		pause := peekPollInterval
		if remaining < pause {
			pause = remaining
		}
		time.Sleep(pause)
	}
}

// peekedText decodes peeked bytes for substring checks and logging; invalid
// UTF-8 is replaced rather than rejected.
func peekedText(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
