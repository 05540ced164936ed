// Package server implements the WireChat supervisor: it owns the TCP
// listener, dials the peers listed in the bootstrap file, classifies each new
// connection by its first record, and coordinates cooperative shutdown. One
// goroutine per connection runs the session; the supervisor waits for all of
// them before returning.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wirechat/wirechat/internal/directory"
	"github.com/wirechat/wirechat/internal/protocol"
	"github.com/wirechat/wirechat/internal/session"
)

// Config carries the supervisor's settings.
type Config struct {
	Host        string
	Port        uint16
	DialTimeout time.Duration
	Directory   *directory.Directory
	Logger      *slog.Logger
}

// Server is the supervisor.
type Server struct {
	host        string
	port        uint16
	dialTimeout time.Duration
	dir         *directory.Directory
	logger      *slog.Logger

	ln net.Listener
	wg sync.WaitGroup
}

// New creates a supervisor. Call Listen before Serve.
func New(cfg Config) *Server {
	return &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		dialTimeout: cfg.DialTimeout,
		dir:         cfg.Directory,
		logger:      cfg.Logger,
	}
}

// Listen opens the TCP listener.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(int(s.port))))
	if err != nil {
		return fmt.Errorf("listening on %s port %d: %w", s.host, s.port, err)
	}
	s.ln = ln
	s.logger.Info("listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the listener's address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// DialPeers reads the bootstrap file at path (one host:port per line) and
// dials every entry. Each successful dial writes FEDERATEOUT and enters peer
// session processing; failures are logged and skipped.
func (s *Server) DialPeers(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading peers file %q: %w", path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		addr := strings.TrimSpace(line)
		if addr == "" {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dialPeer(ctx, addr)
		}()
	}
	return nil
}

// dialPeer connects one outbound federation link and runs its session.
func (s *Server) dialPeer(ctx context.Context, addr string) {
	conn, err := net.DialTimeout("tcp", addr, s.dialTimeout)
	if err != nil {
		s.logger.Error("failed to connect to peer",
			slog.String("addr", addr),
			slog.String("error", err.Error()),
		)
		return
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := writeLine(conn, protocol.FederateOutLine()); err != nil {
		s.logger.Error("failed to greet peer",
			slog.String("addr", addr),
			slog.String("error", err.Error()),
		)
		conn.Close()
		return
	}

	local, ok := localAddrPort(conn)
	if !ok {
		s.logger.Warn("peer connection without a usable local address", slog.String("addr", addr))
		conn.Close()
		return
	}

	s.logger.Info("federation link established",
		slog.String("addr", addr),
		slog.String("local", local.String()),
	)
	session.NewPeer(conn, local, s.dir, s.logger).Run(ctx, bufio.NewReader(conn), nil)
}

// Serve accepts connections until ctx is cancelled, then waits for every
// session to exit.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", slog.String("error", err.Error()))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.logger.Info("shutting down, waiting for sessions")
	s.wg.Wait()
	return nil
}

// HandleConn runs the session for a connection accepted elsewhere (the
// WebSocket gateway). It blocks until the session exits and participates in
// the supervisor's shutdown accounting.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	if ctx.Err() != nil {
		conn.Close()
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.handleConn(ctx, conn)
}

// handleConn reads the first record to classify the connection as a peer or
// client session, then runs the session. A first record that parses as
// neither protocol is fatal for the connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	br := bufio.NewReader(conn)
	line, err := firstRecord(br)
	if err != nil {
		conn.Close()
		return
	}

	if preq, ok := protocol.ParsePeer(line); ok {
		local, ok := localAddrPort(conn)
		if !ok {
			s.logger.Warn("peer connection without a usable local address",
				slog.String("remote", conn.RemoteAddr().String()),
			)
			conn.Close()
			return
		}
		session.NewPeer(conn, local, s.dir, s.logger).Run(ctx, br, preq)
		return
	}

	if creq, ok := protocol.ParseClient(line); ok {
		session.NewClient(conn, s.dir, s.logger).Run(ctx, br, creq)
		return
	}

	s.logger.Debug("unclassifiable first record, closing connection",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.String("record", line),
	)
	conn.Close()
}

// firstRecord reads the classifying record from a new connection.
func firstRecord(br *bufio.Reader) (string, error) {
	raw, err := br.ReadString('\n')
	line := strings.TrimSuffix(raw, "\n")
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		if err == nil {
			err = errors.New("empty first record")
		}
		return "", err
	}
	return line, nil
}

// localAddrPort extracts the near-side address of a connection. This address
// keys the peers map; remote-join targets must name it.
func localAddrPort(conn net.Conn) (netip.AddrPort, bool) {
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort(), true
	}
	addr, err := netip.ParseAddrPort(conn.LocalAddr().String())
	return addr, err == nil
}

func writeLine(conn net.Conn, record string) error {
	_, err := io.WriteString(conn, record)
	return err
}
