// Package gateway implements the optional WebSocket front door. Browser
// clients speak the exact same newline-terminated line protocol as raw TCP
// clients; each accepted WebSocket is adapted to a net.Conn streaming text
// messages and handed to the supervisor's first-record classifier, so every
// session behind the gateway behaves identically to one on the TCP listener.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/coder/websocket"
)

// ConnHandler runs the session for one accepted connection and blocks until
// it exits. The supervisor's HandleConn satisfies it.
type ConnHandler interface {
	HandleConn(ctx context.Context, conn net.Conn)
}

// Server is the WebSocket listener.
type Server struct {
	handler ConnHandler
	logger  *slog.Logger
	httpSrv *http.Server

	// base is the session context; gateway sessions end when it is cancelled.
	base context.Context
}

// New creates a gateway server listening on listen.
func New(listen string, handler ConnHandler, logger *slog.Logger) *Server {
	s := &Server{
		handler: handler,
		logger:  logger,
	}
	s.httpSrv = &http.Server{
		Addr:    listen,
		Handler: http.HandlerFunc(s.handleUpgrade),
	}
	return s
}

// Start serves WebSocket upgrades until Shutdown. Sessions inherit ctx and
// exit when it is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	s.logger.Info("gateway listening", slog.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting upgrades. Established sessions are torn down by
// the base context, not by Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Debug("gateway connection accepted", slog.String("remote", r.RemoteAddr))

	// The adapter turns the message stream into a byte stream; the line
	// codec on top does not care which listener the bytes came from.
	conn := websocket.NetConn(s.base, c, websocket.MessageText)
	s.handler.HandleConn(s.base, conn)
}
