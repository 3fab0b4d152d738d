package transport

import (
	"sync"

	"github.com/gorilla/websocket"
)

// ServerTransport wraps a *websocket.Conn already accepted and upgraded by
// the host HTTP framework. Writes are serialized behind a mutex since
// gorilla/websocket connections are not safe for concurrent writers.
type ServerTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewServer builds a ServerTransport around an already-upgraded connection.
func NewServer(conn *websocket.Conn) *ServerTransport {
	return &ServerTransport{conn: conn}
}

func (t *ServerTransport) Send(text string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (t *ServerTransport) Receive() (string, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *ServerTransport) Close() error {
	return t.conn.Close()
}

// CloseWithCode closes the underlying connection with a WebSocket close
// code and reason, used by the server's admission gate.
func (t *ServerTransport) CloseWithCode(code int, reason string) error {
	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteMessage(websocket.CloseMessage, msg)
	t.writeMu.Unlock()
	return t.conn.Close()
}
