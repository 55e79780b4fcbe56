//go:build unix

package sniff

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// kernelPeek copies queued socket data into buf with MSG_PEEK, waiting for
// readability under the conn's read deadline. The data is not consumed.
func kernelPeek(c net.Conn, buf []byte) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return 0, errPeekUnsupported
	}
	if _, ok := c.(*net.TCPConn); !ok {
		return 0, errPeekUnsupported
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, errPeekUnsupported
	}

	var (
		n       int
		peekErr error
	)
	err = raw.Read(func(fd uintptr) bool {
		for {
			n, _, peekErr = unix.Recvfrom(int(fd), buf, unix.MSG_PEEK)
			if peekErr != unix.EINTR {
				break
			}
		}
		// Returning false parks the goroutine until the socket is readable.
		return peekErr != unix.EAGAIN && peekErr != unix.EWOULDBLOCK
	})
	if err != nil {
		return 0, err
	}
	if peekErr != nil {
		return 0, peekErr
	}
	return n, nil
}
