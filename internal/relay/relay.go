// Package relay pumps bytes between a client and its backend.
package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// DefaultBufferSize is the per-direction transfer buffer size.
const DefaultBufferSize = 8192

// Sides of a relay, reported in Result.EndedBy.
const (
	SideClient  = "client"
	SideBackend = "backend"
)

// Result summarises a finished relay.
type Result struct {
	// Upstream is the number of bytes forwarded client -> backend.
	Upstream int64
	// Downstream is the number of bytes forwarded backend -> client.
	Downstream int64
	// EndedBy names the side whose read ended the relay.
	EndedBy string
	// Err is the error that ended the relay, nil on a clean end of stream.
	Err error
}

// Copy forwards src to dst through buf until src reports io.EOF or either
// side fails. Unlike io.CopyBuffer it never bypasses buf via ReaderFrom or
// WriterTo, and it reports which side failed.
func Copy(dst io.Writer, src io.Reader, buf []byte) (written int64, err error) {
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, fmt.Errorf("write: %w", werr)
			}
			if nw != nr {
				return written, fmt.Errorf("write: %w", io.ErrShortWrite)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, fmt.Errorf("read: %w", rerr)
		}
	}
}

type copyResult struct {
	side string
	n    int64
	err  error
}

// Pump relays client and backend in both directions. Each direction runs in
// its own goroutine and is the only user of its read side and write side.
//
// Pump returns once the first direction ends. Both connections are closed at
// that point, so whatever the other direction still had in flight is dropped.
func Pump(client, backend net.Conn, bufSize int) Result {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	results := make(chan copyResult, 2)
	go func() {
		n, err := Copy(backend, client, make([]byte, bufSize))
		results <- copyResult{side: SideClient, n: n, err: err}
	}()
	go func() {
		n, err := Copy(client, backend, make([]byte, bufSize))
		results <- copyResult{side: SideBackend, n: n, err: err}
	}()

	first := <-results
	client.Close()
	backend.Close()
	second := <-results

	res := Result{EndedBy: first.side, Err: first.err}
	for _, r := range []copyResult{first, second} {
		if r.side == SideClient {
			res.Upstream = r.n
		} else {
			res.Downstream = r.n
		}
	}

	// Closed from outside, e.g. by a server shutdown.
	if errors.Is(res.Err, net.ErrClosed) {
		res.Err = nil
	}
	return res
}
