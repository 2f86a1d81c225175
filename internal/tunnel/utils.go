package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// StatusLine formats the canned camouflage response for the given status code.
// The result is always terminated by an empty line.
func StatusLine(code int, banner string) []byte {
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n\r\n", code, banner))
}

// HeaderValue extracts the value of a specific HTTP header from a slice of header lines.
//
// It performs a case-insensitive search for the header name and returns the value if found,
// or an empty string otherwise.
func HeaderValue(headers []string, headerName string) string {
	headerNameLower := strings.ToLower(headerName)
	for _, line := range headers {
		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.ToLower(strings.TrimSpace(parts[0])) == headerNameLower {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// isIgnorableError returns true if the error is EOF or a known benign network error.
//
// Used to suppress logging for expected connection closure errors.
func isIgnorableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

type closeWriter interface {
	CloseWrite() error
}

type closeReader interface {
	CloseRead() error
}

// closeWrite half-closes c, signalling end of stream to its peer.
func closeWrite(c net.Conn) error {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return errUnsupported
}

// closeRead shuts down the read side of c so a blocked Read returns.
func closeRead(c net.Conn) error {
	if cr, ok := c.(closeReader); ok {
		return cr.CloseRead()
	}
	return errUnsupported
}
