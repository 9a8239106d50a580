package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  10 * 1024 * 1024,
	WriteBufferSize: 10 * 1024 * 1024,
}

// WebSocket is a Transport backed by a gorilla/websocket connection,
// sending and receiving text frames shaped "<TYPE> <json-array>"
// (spec §7), matching LMTPWebSocketTransport's dumper/listen pair.
type WebSocket struct {
	conn *websocket.Conn
}

// Upgrade accepts an incoming HTTP connection as an LMTP websocket
// worker session.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket upgrade: %w", err)
	}
	return &WebSocket{conn: conn}, nil
}

// Dial connects to a remote LMTP websocket worker as a client.
func Dial(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", url, err)
	}
	return &WebSocket{conn: conn}, nil
}

func (w *WebSocket) Send(_ context.Context, f Frame) error {
	line := fmt.Sprintf("%s %s", f.Type, f.Payload)
	return w.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (w *WebSocket) Recv(_ context.Context) (Frame, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return splitFrame(data)
}

func (w *WebSocket) Close() error { return w.conn.Close() }

func splitFrame(data []byte) (Frame, error) {
	for i, b := range data {
		if b == ' ' {
			return Frame{Type: string(data[:i]), Payload: data[i+1:]}, nil
		}
	}
	return Frame{}, fmt.Errorf("transport: malformed frame %q", data)
}
