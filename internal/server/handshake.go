package server

import "io"

// HandshakeResponse is the greeting sent to every client before sniffing.
// status is embedded verbatim.
func HandshakeResponse(status string) []byte {
	return []byte("HTTP/1.1 101 " + status + "\r\n\r\n")
}

// WriteHandshake writes the greeting for status to w.
func WriteHandshake(w io.Writer, status string) error {
	_, err := w.Write(HandshakeResponse(status))
	return err
}
