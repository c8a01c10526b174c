package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ChuLiYu/rankwatch/internal/metrics"
	"github.com/ChuLiYu/rankwatch/internal/supervisor"
	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// StatusSource is what the server reports on.
type StatusSource interface {
	Status() *supervisor.Status
}

// Server exposes supervisor status and Prometheus metrics over HTTP.
type Server struct {
	source   StatusSource
	shutdown func()
	log      *slog.Logger
	router   *mux.Router
	http     *http.Server
}

// New creates a server. shutdown, when non-nil, is called by POST /shutdown.
func New(addr string, source StatusSource, shutdown func(), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		source:   source,
		shutdown: shutdown,
		log:      logger.With("component", "server"),
		router:   mux.NewRouter(),
	}
	s.RegisterRoutes(s.router)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// RegisterRoutes registers all routes on r.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.Health).Methods("GET")
	r.HandleFunc("/status", s.GetStatus).Methods("GET")
	r.HandleFunc("/ranks/{rank}", s.GetRank).Methods("GET")
	r.HandleFunc("/shutdown", s.Shutdown).Methods("POST")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on l until Close.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info("status server listening", "addr", l.Addr().String())
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Close shuts the server down gracefully.
func (s *Server) Close(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Health handles GET /healthz.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetStatus handles GET /status.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status()
	if st == nil {
		http.Error(w, "status not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetRank handles GET /ranks/{rank}.
func (s *Server) GetRank(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["rank"])
	if err != nil {
		http.Error(w, "rank must be an integer", http.StatusBadRequest)
		return
	}
	d, ok := s.source.Status().Rank(types.RankID(id))
	if !ok {
		http.Error(w, "rank not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Shutdown handles POST /shutdown.
func (s *Server) Shutdown(w http.ResponseWriter, r *http.Request) {
	if s.shutdown == nil {
		http.Error(w, "shutdown not supported", http.StatusNotImplemented)
		return
	}
	s.log.Warn("shutdown requested over HTTP", "remote", r.RemoteAddr)
	s.shutdown()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
