// Package ws adapts a server-side WebSocket connection to
// session.Transport, so an HTTP handler can upgrade a request and hand
// the result straight to a Session.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/statesync/internal/session"
)

// Upgrader wraps gorilla's websocket.Upgrader with the defaults this
// engine needs: origin checking is left to the caller via CheckOrigin,
// large messages are allowed since a full SET of a big unit can run
// well past the library default.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Adapter implements session.Transport over one accepted *websocket.Conn.
type Adapter struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
}

// Accept upgrades r into a WebSocket connection and wraps it as a
// session.Transport. The caller is responsible for calling Run on the
// resulting Session; Accept only performs the handshake.
func Accept(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: upgrade: %w", err)
	}
	conn.SetReadLimit(32 * 1024 * 1024)
	return &Adapter{conn: conn, logger: logger}, nil
}

// Receive blocks until the next WebSocket message arrives, ctx is
// cancelled, or the connection closes.
func (a *Adapter) Receive(ctx context.Context) (session.Frame, error) {
	type result struct {
		kind int
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		kind, data, err := a.conn.ReadMessage()
		ch <- result{kind, data, err}
	}()

	select {
	case <-ctx.Done():
		return session.Frame{}, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return session.Frame{}, fmt.Errorf("ws: read: %w", r.err)
		}
		switch r.kind {
		case websocket.TextMessage:
			return session.Frame{Kind: session.FrameText, Text: string(r.data)}, nil
		case websocket.BinaryMessage:
			return session.Frame{Kind: session.FrameBinary, Binary: r.data}, nil
		default:
			// Ping/pong/close control frames are handled internally by
			// gorilla; anything else unexpected is treated as an empty
			// text frame so the dispatch loop logs and discards it
			// rather than stalling.
			return session.Frame{Kind: session.FrameText, Text: ""}, nil
		}
	}
}

func (a *Adapter) SendText(ctx context.Context, data string) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := a.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		return fmt.Errorf("ws: write text: %w", err)
	}
	return nil
}

func (a *Adapter) SendBinary(ctx context.Context, data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := a.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("ws: write binary: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	return a.conn.Close()
}
