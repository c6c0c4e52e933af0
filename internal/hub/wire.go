package hub

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// maxMessageBytes bounds a single inbound frame. Uploads are base64 inside
// JSON, so the limit must comfortably exceed the upload size cap.
const maxMessageBytes = 8 << 20

// wire is the framed transport under the hub channel. Tests substitute an
// in-memory implementation.
type wire interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

var dialWire = dialWebsocket

func dialWebsocket(ctx context.Context, url, token string) (wire, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxMessageBytes)
	return &wsWire{ws: ws}, nil
}

type wsWire struct {
	ws *websocket.Conn
}

func (w *wsWire) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.ws.Read(ctx)
	return data, err
}

func (w *wsWire) Write(ctx context.Context, data []byte) error {
	return w.ws.Write(ctx, websocket.MessageText, data)
}

func (w *wsWire) Close() error {
	return w.ws.Close(websocket.StatusNormalClosure, "shutdown")
}
