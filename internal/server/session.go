package server

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/rusty-proxy/internal/route"
)

// State is a step in a session's life. States only move forward.
type State int

const (
	StateAccepted State = iota
	StateHandshakeSent
	StateSniffing
	StateBackendDialed
	StateRelaying
	StateClosed
)

var stateNames = [...]string{
	StateAccepted:      "accepted",
	StateHandshakeSent: "handshake_sent",
	StateSniffing:      "sniffing",
	StateBackendDialed: "backend_dialed",
	StateRelaying:      "relaying",
	StateClosed:        "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// session is one accepted client and, once chosen, its backend.
type session struct {
	id      string
	client  net.Conn
	backend net.Conn
	remote  string
	dest    route.Destination
	created time.Time
	state   State
}

func newSession(client net.Conn) *session {
	remote := "unknown"
	if addr := client.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &session{
		id:      uuid.NewString(),
		client:  client,
		remote:  remote,
		created: time.Now(),
		state:   StateAccepted,
	}
}

// advance moves the session to next. Moving backwards is a programming error.
func (s *session) advance(next State) {
	if next < s.state {
		panic(fmt.Sprintf("session %s: illegal transition %s -> %s", s.id, s.state, next))
	}
	s.state = next
}

// close releases both sockets and marks the session closed.
func (s *session) close() {
	s.client.Close()
	if s.backend != nil {
		s.backend.Close()
	}
	s.state = StateClosed
}
