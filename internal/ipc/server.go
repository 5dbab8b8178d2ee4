package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// maxMessageSize bounds one request. Account configs are small.
	maxMessageSize = 1 << 20

	shutdownTimeout = 5 * time.Second
)

// Server accepts client connections on a unix socket. Connections are
// served concurrently, requests on one connection one at a time.
type Server struct {
	path     string
	handler  Handler
	logger   *slog.Logger
	listener net.Listener
}

// NewServer creates a server for the socket at path.
func NewServer(path string, handler Handler, logger *slog.Logger) *Server {
	return &Server{
		path:    path,
		handler: handler,
		logger:  logger,
	}
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Listen creates the socket. The parent directory is created with mode
// 0700 and the socket restricted to the owner. A stale socket left by a
// dead agent is replaced; a live one is an error.
func (s *Server) Listen() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		if c, err := net.DialTimeout("unix", s.path, time.Second); err == nil {
			c.Close()
			return fmt.Errorf("an agent is already listening on %s", s.path)
		}

		s.logger.Info("removing stale socket", slog.String("path", s.path))
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}

	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	s.listener = ln

	return nil
}

// Serve accepts connections until ctx is cancelled, then shuts down and
// removes the socket. Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("ipc server is not listening")
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down ipc server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("ipc server listening", slog.String("socket", s.path))

	err := srv.Serve(s.listener)
	os.Remove(s.path)

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ipc server error: %w", err)
	}

	return nil
}

// ServeHTTP upgrades the request to a websocket and serves it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	id := uuid.NewString()
	logger := s.logger.With(slog.String("conn", id))
	logger.Debug("client connected")

	err = s.serveConn(r.Context(), conn, logger)
	if err != nil {
		logger.Debug("client disconnected", slog.String("reason", err.Error()))
		conn.Close(websocket.StatusInternalError, "")
		return
	}

	logger.Debug("client disconnected")
	conn.Close(websocket.StatusNormalClosure, "")
}

// serveConn answers requests on conn until the client goes away. A
// normal close returns nil.
func (s *Server) serveConn(ctx context.Context, conn Conn, logger *slog.Logger) error {
	conn.SetReadLimit(maxMessageSize)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}

			return fmt.Errorf("reading request: %w", err)
		}

		var resp []byte
		if typ != websocket.MessageText {
			logger.Warn("ignoring binary message")
			resp = []byte(`{"status":"error","error":"bad request: expected a JSON text message"}`)
		} else {
			resp = s.handler.HandleJSON(ctx, data)
		}

		clear(data)

		if err := conn.Write(ctx, websocket.MessageText, resp); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
}
