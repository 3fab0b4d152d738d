package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/xerrors"
)

// ClientTransport is the client-side Transport over a connection dialled
// out to a server-side listener. Writes are serialized behind a mutex since
// gorilla/websocket connections are not safe for concurrent writers.
type ClientTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialClient connects to url and returns a ready ClientTransport.
func DialClient(ctx context.Context, url string) (*ClientTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, xerrors.Errorf("transport: dial %s: %w", url, err)
	}
	return &ClientTransport{conn: conn}, nil
}

func (t *ClientTransport) Send(text string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (t *ClientTransport) Receive() (string, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *ClientTransport) Close() error {
	return t.conn.Close()
}
