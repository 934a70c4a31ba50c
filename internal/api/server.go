// Package api exposes the registry over HTTP for coordinators (mutations)
// and verifiers (historical queries).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"QuorumKeys/internal/directory"
	"QuorumKeys/internal/logger"
	"QuorumKeys/internal/registry"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 16 // 64 KB
)

// Server is the HTTP API server.
type Server struct {
	addr    string               // addr is the HTTP listen address
	reg     *registry.Registry   // reg is the aggregate-key registry
	dir     *directory.Directory // dir is the key ownership directory
	feed    string               // feed is the event feed address, for /status
	server  *http.Server         // server is the underlying HTTP server
	started time.Time            // started is the server start time
}

// New creates a new HTTP API server.
func New(addr string, reg *registry.Registry, dir *directory.Directory, feedAddr string) *Server {
	return &Server{
		addr: addr,
		reg:  reg,
		dir:  dir,
		feed: feedAddr,
	}
}

// routes builds the HTTP mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /deregister", s.handleDeregister)
	mux.HandleFunc("POST /attest", s.handleAttest)
	mux.HandleFunc("GET /aggregate/{quorum}", s.handleAggregate)
	mux.HandleFunc("GET /history/{quorum}", s.handleHistory)
	mux.HandleFunc("GET /history/{quorum}/{index}", s.handleHistoryRecord)
	mux.HandleFunc("GET /index", s.handleValidIndex)
	mux.HandleFunc("GET /digest", s.handleDigestAtBlock)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.started = time.Now()

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	quorums := s.reg.Quorums()

	out := make([]uint8, len(quorums))
	for i, q := range quorums {
		out[i] = uint8(q)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"quorums":      out,
		"attestedKeys": s.dir.Size(),
		"feed":         s.feed,
		"uptime":       time.Since(s.started).String(),
	})
}

// handleSnapshot handles GET /snapshot requests.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	image, err := s.reg.ExportSnapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(image)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
