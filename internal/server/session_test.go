package server

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestHandshakeResponse(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"@RustyManager", "HTTP/1.1 101 @RustyManager\r\n\r\n"},
		{"Switching Protocols", "HTTP/1.1 101 Switching Protocols\r\n\r\n"},
		{"", "HTTP/1.1 101 \r\n\r\n"},
	}

	for _, tc := range tests {
		if got := string(HandshakeResponse(tc.status)); got != tc.want {
			t.Errorf("HandshakeResponse(%q) = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestWriteHandshake(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHandshake(&buf, "ok"); err != nil {
		t.Fatalf("WriteHandshake() error = %v", err)
	}
	if buf.String() != "HTTP/1.1 101 ok\r\n\r\n" {
		t.Errorf("wrote %q", buf.String())
	}

	if err := WriteHandshake(errWriter{}, "ok"); err == nil {
		t.Error("expected write error")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateAccepted, "accepted"},
		{StateHandshakeSent, "handshake_sent"},
		{StateSniffing, "sniffing"},
		{StateBackendDialed, "backend_dialed"},
		{StateRelaying, "relaying"},
		{StateClosed, "closed"},
		{State(42), "state(42)"},
	}

	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tc.state), got, tc.want)
		}
	}
}

func TestSession_Advance(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()

	s := newSession(client)
	if s.id == "" {
		t.Error("expected session id")
	}
	if s.state != StateAccepted {
		t.Errorf("initial state = %s", s.state)
	}

	s.advance(StateHandshakeSent)
	s.advance(StateHandshakeSent)
	s.advance(StateRelaying)
	if s.state != StateRelaying {
		t.Errorf("state = %s, want relaying", s.state)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on backward transition")
		}
	}()
	s.advance(StateSniffing)
}

func TestSession_Close(t *testing.T) {
	client, clientPeer := net.Pipe()
	backend, backendPeer := net.Pipe()
	defer clientPeer.Close()
	defer backendPeer.Close()

	s := newSession(client)
	s.backend = backend
	s.close()

	if s.state != StateClosed {
		t.Errorf("state = %s, want closed", s.state)
	}
	if _, err := clientPeer.Read(make([]byte, 1)); err == nil {
		t.Error("expected client to be closed")
	}
	if _, err := backendPeer.Read(make([]byte, 1)); err == nil {
		t.Error("expected backend to be closed")
	}
}

func TestSession_UniqueIDs(t *testing.T) {
	a, pa := net.Pipe()
	b, pb := net.Pipe()
	defer a.Close()
	defer b.Close()
	defer pa.Close()
	defer pb.Close()

	if newSession(a).id == newSession(b).id {
		t.Error("expected distinct session ids")
	}
}

func TestConnTracker(t *testing.T) {
	tr := newConnTracker()

	c1, p1 := net.Pipe()
	c2, p2 := net.Pipe()
	defer p1.Close()
	defer p2.Close()

	if !tr.add(c1) || !tr.add(c2) {
		t.Fatal("add failed on open tracker")
	}
	if tr.len() != 2 {
		t.Errorf("len = %d, want 2", tr.len())
	}

	tr.remove(c1)
	tr.remove(c1)
	if tr.len() != 1 {
		t.Errorf("len after remove = %d, want 1", tr.len())
	}

	tr.closeAll()
	if tr.len() != 0 {
		t.Errorf("len after closeAll = %d, want 0", tr.len())
	}
	if _, err := p2.Read(make([]byte, 1)); err == nil {
		t.Error("expected tracked conn to be closed")
	}

	c3, p3 := net.Pipe()
	defer p3.Close()
	if tr.add(c3) {
		t.Error("add succeeded on closed tracker")
	}
	if _, err := p3.Read(make([]byte, 1)); err == nil {
		t.Error("expected conn rejected by closed tracker to be closed")
	}
	c1.Close()
}
