//go:build !unix

package tunnel

import "net"

func canPeekSocket(net.Conn) bool { return false }

func peekSocket(net.Conn, int) ([]byte, error) { return nil, errNoDescriptor }
