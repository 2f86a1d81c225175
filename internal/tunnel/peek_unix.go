//go:build unix

package tunnel

import (
	"io"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func canPeekSocket(conn net.Conn) bool {
	_, ok := conn.(syscall.Conn)
	return ok
}

// peekSocket reads with MSG_PEEK on the raw descriptor. The runtime poller
// applies the connection's read deadline while the socket has nothing queued.
func peekSocket(conn net.Conn, max int) ([]byte, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, errNoDescriptor
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, max)
	var (
		n     int
		opErr error
	)
	err = rc.Read(func(fd uintptr) bool {
		for {
			n, _, opErr = unix.Recvfrom(int(fd), buf, unix.MSG_PEEK)
			if opErr != unix.EINTR {
				break
			}
		}
		return opErr != unix.EAGAIN
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, os.NewSyscallError("recvfrom", opErr)
	}
	if n == 0 {
		return nil, io.EOF
	}
	return buf[:n], nil
}
