// Package api implements the optional HTTP status endpoint: a small
// read-only surface exposing directory statistics for health checks and
// operators. It is not a client API; chat traffic only ever flows over the
// line protocol.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wirechat/wirechat/internal/directory"
)

// Server is the status HTTP server.
type Server struct {
	dir     *directory.Directory
	logger  *slog.Logger
	httpSrv *http.Server
	version string
	started time.Time
}

// New creates a status server listening on listen.
func New(listen string, dir *directory.Directory, version string, logger *slog.Logger) *Server {
	s := &Server{
		dir:     dir,
		logger:  logger,
		version: version,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/channels", s.handleChannels)
	r.Get("/v1/peers", s.handlePeers)

	s.httpSrv = &http.Server{
		Addr:         listen,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("status endpoint listening", slog.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// writeJSON writes data wrapped in the standard envelope {"data": ...}.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		s.logger.Error("encoding status response", slog.String("error", err.Error()))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type statsResponse struct {
	directory.Stats
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statsResponse{
		Stats:   s.dir.Snapshot(),
		Version: s.version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	names := s.dir.ChannelNames()
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, names)
}

type peerResponse struct {
	Addr     string   `json:"addr"`
	Channels []string `json:"channels"`
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers := []peerResponse{}
	for _, addr := range s.dir.PeerAddrs() {
		chans := s.dir.PeerChannels(addr)
		if chans == nil {
			chans = []string{}
		}
		peers = append(peers, peerResponse{Addr: addr.String(), Channels: chans})
	}
	s.writeJSON(w, http.StatusOK, peers)
}
