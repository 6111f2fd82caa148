package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/skobkin/perfsaver/internal/config"
	"github.com/skobkin/perfsaver/internal/notice"
	"github.com/skobkin/perfsaver/internal/throttle"
	"github.com/skobkin/perfsaver/internal/version"
	"github.com/skobkin/perfsaver/internal/world"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
	helloRecent       = 16
)

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	universe   *world.Universe
	controller *throttle.Controller
	hub        *notice.Hub

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers. controller is nil when
// throttling is disabled.
func New(cfg config.Config, logger *slog.Logger, universe *world.Universe, controller *throttle.Controller, hub *notice.Hub) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		universe:   universe,
		controller: controller,
		hub:        hub,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api", s.handleAPIDocs)
	mux.HandleFunc("/api/", s.handleAPIDocs)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/gc", s.handleGCHistory)
	mux.HandleFunc("/api/notices", s.handleNotices)
	mux.HandleFunc("/api/worlds", s.handleWorlds)
	mux.HandleFunc("/api/worlds/", s.handleWorldSubresource)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/", s.staticHandler())

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status == statusUnavailable {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleAPIDocs(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	if r.URL.Path != "/api" && r.URL.Path != "/api/" {
		http.NotFound(w, r)
		return
	}

	logger := s.loggerFromContext(r.Context())
	data, err := embeddedAssets.ReadFile("assets/api.html")
	if err != nil {
		logger.Error("failed to read api docs asset", "err", err)
		http.Error(w, "missing api docs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(data); err != nil {
		logger.Warn("failed to write api docs response", "err", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	allow := methods[0]
	for _, m := range methods[1:] {
		allow += ", " + m
	}
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

const (
	statusOK          = "ok"
	statusDegraded    = "degraded"
	statusUnavailable = "unavailable"
)

// readiness reports unavailable only when the controller has been shut
// down; running without GC sensing or with throttling disabled still serves.
func (s *Server) readiness() readyResponse {
	resp := readyResponse{Status: statusOK}
	if s.universe != nil {
		resp.Worlds = len(s.universe.Worlds())
	}

	if s.controller == nil {
		resp.Status = statusDegraded
		resp.Reason = "throttle_disabled"
		return resp
	}

	st := s.controller.Status()
	switch {
	case !st.Running:
		resp.Status = statusUnavailable
		resp.Reason = "throttle_stopped"
	case !st.GCSensing:
		resp.Status = statusDegraded
		resp.Reason = "gc_sensing_unavailable"
	}
	return resp
}

type readyResponse struct {
	Status string `json:"status"`
	Worlds int    `json:"worlds"`
	Reason string `json:"reason,omitempty"`
}
