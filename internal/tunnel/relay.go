package tunnel

import (
	"errors"
	"io"
	"net"
	"sync"
)

// RelayStats reports what each direction of a relay moved and why it stopped.
// Upstream is client to backend, Downstream is backend to client.
type RelayStats struct {
	Upstream      int64
	Downstream    int64
	UpstreamErr   error
	DownstreamErr error
}

// Relay copies client→backend and backend→client concurrently until both
// directions end, then closes both connections. A direction whose source hits
// end of stream or a read error half-closes its destination; one that fails to
// write shuts the destination's read side so the opposite direction stops too.
// Each connection is closed exactly once, however the directions ended.
func Relay(client, backend net.Conn) RelayStats {
	client, backend = newOnceConn(client), newOnceConn(backend)

	var (
		wg    sync.WaitGroup
		stats RelayStats
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		stats.Upstream, stats.UpstreamErr = pipe(backend, client)
	}()

	go func() {
		defer wg.Done()
		stats.Downstream, stats.DownstreamErr = pipe(client, backend)
	}()

	wg.Wait()
	client.Close()
	backend.Close()
	return stats
}

// pipe is one relay direction. It is the only reader of src and the only
// writer of dst.
func pipe(dst, src net.Conn) (int64, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	var written int64
	for {
		nr, rerr := src.Read(*buf)
		if nr > 0 {
			nw, werr := dst.Write((*buf)[:nr])
			written += int64(nw)
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				if closeRead(dst) != nil {
					dst.Close()
				}
				return written, werr
			}
		}
		if rerr != nil {
			if errors.Is(closeWrite(dst), errUnsupported) {
				dst.Close()
			}
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

// onceConn makes Close idempotent so the relay and a concurrent shutdown
// release the socket exactly once.
type onceConn struct {
	net.Conn
	once sync.Once
	err  error
}

func newOnceConn(c net.Conn) *onceConn {
	if oc, ok := c.(*onceConn); ok {
		return oc
	}
	return &onceConn{Conn: c}
}

func (c *onceConn) Close() error {
	c.once.Do(func() { c.err = c.Conn.Close() })
	return c.err
}

func (c *onceConn) CloseWrite() error { return closeWrite(c.Conn) }

func (c *onceConn) CloseRead() error { return closeRead(c.Conn) }
