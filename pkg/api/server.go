// Package api serves the read-only HTTP API over stored calls.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/logging"
	"github.com/harunnryd/hrcall/pkg/session"
	"github.com/harunnryd/hrcall/pkg/store"
)

const ServiceName = "AI Calling Agent"

type Options struct {
	Store    store.Gateway
	Registry *session.Registry
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Version string
	Logger  *slog.Logger
}

type Server struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	return &Server{opts: opts, logger: logging.NewComponentLogger(base, "api")}
}

// Mount registers the routes on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /calls", s.handleList)
	mux.HandleFunc("GET /calls/{id}", s.handleGet)
	mux.HandleFunc("GET /stats", s.handleStats)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
}

// Handler returns a mux with only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Mount(mux)
	return mux
}

type rootResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Version     string `json:"version"`
	ActiveCalls int64  `json:"activeCalls"`
	Draining    bool   `json:"draining"`
}

type listResponse struct {
	Calls []call.Completed `json:"calls"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{Status: "running", Service: ServiceName, Version: s.opts.Version})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Service: ServiceName, Version: s.opts.Version}
	if reg := s.opts.Registry; reg != nil {
		resp.ActiveCalls = reg.Count()
		resp.Draining = reg.Draining()
	}
	status := http.StatusOK
	if resp.Draining {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid limit"})
			return
		}
		limit = n
	}
	calls, err := s.opts.Store.List(r.Context(), store.ClampLimit(limit))
	if err != nil {
		s.internalError(w, "list_calls_failed", err)
		return
	}
	if calls == nil {
		calls = []call.Completed{}
	}
	writeJSON(w, http.StatusOK, listResponse{Calls: calls})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !store.ValidID(id) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Call not found"})
		return
	}
	record, ok, err := s.opts.Store.Get(r.Context(), id)
	if err != nil {
		s.internalError(w, "get_call_failed", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Call not found"})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Store.Stats(r.Context())
	if err != nil {
		s.internalError(w, "call_stats_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) internalError(w http.ResponseWriter, event string, err error) {
	s.logger.Error(event, "error", err.Error())
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
