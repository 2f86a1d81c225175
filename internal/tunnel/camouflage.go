package tunnel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

var (
	// ErrClientGone is returned when the client closed or reset the connection
	// before the handshake finished.
	ErrClientGone = errors.New("client went away during handshake")

	httpMarker      = []byte("HTTP")
	headerEnd       = []byte("\r\n\r\n")
	websocketMarker = []byte("websocket")

	httpMethods = [][]byte{
		[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("HEAD "),
		[]byte("DELETE "), []byte("OPTIONS "), []byte("PATCH "),
		[]byte("CONNECT "), []byte("TRACE "),
	}
)

// Camouflage makes the connection look like an HTTP upgrade. It writes
// "HTTP/1.1 101 <banner>", then, if the client opened with an HTTP request,
// consumes that request (at most MaxPeekSize bytes, in one read) and answers
// "HTTP/1.1 200 <banner>" when the request mentions websocket. Anything that
// is not HTTP is left unread for classification.
//
// The consumed request is returned for logging. Write failures, and a client
// that disconnects before sending anything, return an error; a silent client
// is not an error.
func Camouflage(client net.Conn, banner string, timeout time.Duration) ([]byte, error) {
	if err := client.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set write deadline: %w", err)
	}
	defer client.SetWriteDeadline(time.Time{})

	if _, err := client.Write(StatusLine(101, banner)); err != nil {
		return nil, fmt.Errorf("write 101 response: %w", err)
	}

	peeked, err := PeekUntil(client, MaxPeekSize, timeout, httpRequestSeen)
	switch {
	case errors.Is(err, ErrPeekTimeout):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrClientGone, err)
	}
	if !bytes.Contains(peeked, httpMarker) {
		return nil, nil
	}

	n := len(peeked)
	if i := bytes.Index(peeked, headerEnd); i >= 0 {
		n = i + len(headerEnd)
	}
	request := make([]byte, n)
	if err := client.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	_, err = io.ReadFull(client, request)
	client.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("%w: consume request: %w", ErrClientGone, err)
	}

	if bytes.Contains(bytes.ToLower(request), websocketMarker) {
		if _, err := client.Write(StatusLine(200, banner)); err != nil {
			return request, fmt.Errorf("write 200 response: %w", err)
		}
	}
	return request, nil
}

// httpRequestSeen reports whether b holds enough to decide: a complete header
// block, or bytes that cannot be the start of an HTTP request.
func httpRequestSeen(b []byte) bool {
	if bytes.Contains(b, headerEnd) {
		return true
	}
	return !mayBeHTTP(b)
}

// mayBeHTTP reports whether b could still grow into an HTTP request.
func mayBeHTTP(b []byte) bool {
	if bytes.Contains(b, httpMarker) {
		return true
	}
	if bytes.IndexByte(b, '\n') >= 0 {
		return false
	}
	for _, m := range httpMethods {
		if len(b) <= len(m) {
			if bytes.HasPrefix(m, b) {
				return true
			}
		} else if bytes.HasPrefix(b, m) {
			return true
		}
	}
	return false
}
