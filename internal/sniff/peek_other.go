//go:build !unix

package sniff

import "net"

func kernelPeek(net.Conn, []byte) (int, error) {
	return 0, errPeekUnsupported
}
