package subscription

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// gorillaConn adapts *websocket.Conn to Conn.
type gorillaConn struct {
	*websocket.Conn
}

func (c gorillaConn) WriteMessage(messageType int, data []byte) error {
	return c.Conn.WriteMessage(messageType, data)
}

// DefaultDialer opens a graphql-transport-ws WebSocket using
// gorilla/websocket, the same library the host application's subscription
// websocket handler speaks server-side.
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{Subprotocols: []string{"graphql-transport-ws"}}
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return gorillaConn{conn}, nil
}
