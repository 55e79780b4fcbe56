// Package sniff looks at the first bytes a client sends without consuming them.
//
// On unix TCP sockets the look-ahead is a kernel MSG_PEEK, so the bytes stay in
// the socket receive queue. Any other net.Conn is read through a bufio.Reader
// whose buffered bytes are replayed by later Read calls.
package sniff

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultMaxBytes is the look-ahead cap used when none is configured.
const DefaultMaxBytes = 8192

// errPeekUnsupported is returned by platform peekers that cannot serve a conn.
var errPeekUnsupported = errors.New("kernel peek unsupported")

// Sample is the look-ahead captured from a client. It is only valid until the
// next call on the Conn it came from.
type Sample []byte

// Text returns the sample decoded permissively and lower-cased for matching.
// Invalid UTF-8 sequences become U+FFFD instead of failing.
func (s Sample) Text() string {
	if len(s) == 0 {
		return ""
	}
	// A Caser is stateful, so each call gets its own.
	return cases.Lower(language.Und).String(strings.ToValidUTF8(string(s), "\uFFFD"))
}

// Conn wraps a client connection so its first bytes can be peeked.
// After Peek, Conn must be used in place of the wrapped connection.
type Conn struct {
	net.Conn
	maxBytes int

	// br is set once the kernel peek path is ruled out.
	br *bufio.Reader

	mu     sync.Mutex
	peeked bool
}

// NewConn wraps c with a look-ahead of at most maxBytes.
func NewConn(c net.Conn, maxBytes int) *Conn {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Conn{Conn: c, maxBytes: maxBytes}
}

// Peek waits up to timeout (or until ctx is done) for client data and returns
// whatever has arrived, capped at the configured byte budget. It returns as
// soon as any data is available rather than waiting for the cap to fill.
//
// ok is false when nothing arrived in time, the client closed, or the peek
// failed. That is an expected outcome: the bytes, if any, remain readable.
// Peek may only be called once.
func (c *Conn) Peek(ctx context.Context, timeout time.Duration) (sample Sample, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peeked {
		return nil, false
	}
	c.peeked = true

	deadline := time.Now().Add(timeout)
	if d, has := ctx.Deadline(); has && d.Before(deadline) {
		deadline = d
	}
	if err := c.Conn.SetReadDeadline(deadline); err != nil {
		return nil, false
	}
	defer c.Conn.SetReadDeadline(time.Time{})

	// Interrupt the blocked peek if the caller gives up early.
	stop := context.AfterFunc(ctx, func() {
		c.Conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, c.maxBytes)
	n, err := kernelPeek(c.Conn, buf)
	if errors.Is(err, errPeekUnsupported) {
		return c.bufferedPeek()
	}
	if err != nil || n == 0 {
		return nil, false
	}
	return Sample(buf[:n]), true
}

// bufferedPeek fills the replay buffer with the first read and returns what it got.
func (c *Conn) bufferedPeek() (Sample, bool) {
	c.br = bufio.NewReaderSize(c.Conn, c.maxBytes)

	// Peek(1) performs a single underlying Read, which returns everything the
	// peer has sent so far; Buffered then reports all of it.
	if _, err := c.br.Peek(1); err != nil {
		return nil, false
	}
	b, err := c.br.Peek(c.br.Buffered())
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return Sample(b), true
}

// Read drains peeked bytes first, then reads from the connection.
func (c *Conn) Read(p []byte) (int, error) {
	if c.br != nil {
		if c.br.Buffered() > 0 {
			return c.br.Read(p)
		}
		// Buffer drained: bypass bufio so large reads are not split.
		c.br = nil
	}
	return c.Conn.Read(p)
}
