// Package transport provides the minimal duck-typed capability the Router
// depends on — send/receive/close a single text frame — plus two concrete
// adapters backed by gorilla/websocket, one per side of the connection.
//
// The Router depends only on the Transport interface; it never imports
// gorilla/websocket directly.
package transport

// Transport is a single bidirectional text-frame pipe. Framing, ping/pong
// and TLS are the host WebSocket library's concern, not this package's —
// errors from Receive surface as plain errors and the Router treats any of
// them as terminal for that connection.
type Transport interface {
	// Send writes one text frame. Safe for concurrent use with Receive, but
	// callers must still serialize concurrent Send calls themselves if they
	// bypass the Router (the Router never does: only the pipe loop sends).
	Send(text string) error

	// Receive blocks for the next text frame, or returns an error once the
	// connection is no longer usable.
	Receive() (string, error)

	// Close releases the underlying connection. Idempotent.
	Close() error
}

// AdmissionGate is the extra capability the Server's admission gate needs
// beyond Transport: closing a not-yet-accepted connection with a WebSocket
// close code, before any Router is built around it.
type AdmissionGate interface {
	Transport
	CloseWithCode(code int, reason string) error
}
