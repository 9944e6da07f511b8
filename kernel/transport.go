package kernel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Transport is the message-level connection to one kernel. Implementations
// must support one concurrent reader and one concurrent writer; Close may
// be called from any goroutine and unblocks a pending ReadMessage.
type Transport interface {
	// ReadMessage blocks until the next inbound message arrives.
	ReadMessage() (*WireMessage, error)
	// WriteMessage sends one outbound message.
	WriteMessage(*WireMessage) error
	// Close tears the connection down.
	Close() error
}

// wsTransport adapts a gorilla websocket connection to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

// Dial connects the channels websocket for a kernel, e.g.
// ws://host:8888/api/kernels/{id}/channels.
func Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadMessage() (*WireMessage, error) {
	var msg WireMessage
	if err := t.conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (t *wsTransport) WriteMessage(msg *WireMessage) error {
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) Close() error {
	// Best-effort close handshake before dropping the TCP side.
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}
