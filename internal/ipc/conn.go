// Package ipc carries agent requests over a unix domain socket. Each
// request and response is one JSON text message on a websocket.
package ipc

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -source=conn.go -destination=mock_conn_test.go -package=ipc

import (
	"context"

	"github.com/coder/websocket"
)

// Conn abstracts the websocket connection so the per-connection loop can
// be tested without a socket. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Handler answers one encoded request with one encoded response.
type Handler interface {
	HandleJSON(ctx context.Context, data []byte) []byte
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, data []byte) []byte

// HandleJSON calls f.
func (f HandlerFunc) HandleJSON(ctx context.Context, data []byte) []byte {
	return f(ctx, data)
}
