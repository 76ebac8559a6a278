// Package server exposes link status, telemetry, profiles and metrics
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/trumoto/internal/ble"
	"github.com/chaz8081/trumoto/internal/ble/protocol"
	"github.com/chaz8081/trumoto/internal/log"
	"github.com/chaz8081/trumoto/internal/profile"
	"github.com/chaz8081/trumoto/internal/tune"
)

// Source is the read side of the connection manager.
type Source interface {
	State() ble.State
	Snapshot() (protocol.Snapshot, bool)
	Device() (ble.Device, bool)
	Attempts() int
}

// Options configures a Server. Catalog and Applier are optional; without
// them the profile routes are not registered.
type Options struct {
	Addr     string
	Source   Source
	Catalog  *profile.Catalog
	Applier  *tune.Applier
	Gatherer prometheus.Gatherer
	Logger   log.Logger
}

// Server is the status HTTP server.
type Server struct {
	opts   Options
	logger log.Logger
	router *mux.Router
}

// New builds the router. It does not listen until Start.
func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = log.Std().WithName("http")
	}
	s := &Server{opts: opts, logger: opts.Logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/telemetry", s.handleTelemetry).Methods(http.MethodGet)
	if s.opts.Catalog != nil {
		api.HandleFunc("/profiles", s.handleProfiles).Methods(http.MethodGet)
		if s.opts.Applier != nil {
			api.HandleFunc("/profiles/{id}/apply", s.handleApply).Methods(http.MethodPost)
		}
	}
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on opts.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

type deviceBody struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type statusBody struct {
	State             string      `json:"state"`
	Connected         bool        `json:"connected"`
	Device            *deviceBody `json:"device,omitempty"`
	ReconnectAttempts int         `json:"reconnect_attempts"`
}

type profilesBody struct {
	Active   string            `json:"active,omitempty"`
	Profiles []profile.Profile `json:"profiles"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.opts.Source.State()
	body := statusBody{
		State:             state.String(),
		Connected:         state == ble.StateConnected,
		ReconnectAttempts: s.opts.Source.Attempts(),
	}
	if d, ok := s.opts.Source.Device(); ok {
		body.Device = &deviceBody{Name: d.Name, Address: d.Address}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.opts.Source.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no telemetry received yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	body := profilesBody{Profiles: s.opts.Catalog.List()}
	if p, ok := s.opts.Catalog.Active(); ok {
		body.Active = p.ID
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.opts.Catalog.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if err := s.opts.Applier.Apply(p); err != nil {
		switch {
		case errors.Is(err, ble.ErrNotConnected):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, profile.ErrInvalid):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
