// Package server exposes the HTTP surface: health, status, the stateless
// poll trigger, relay endpoints, Prometheus metrics and a websocket stream of
// cycle reports.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/channels"
	"github.com/nextlevelbuilder/relayclaw/internal/relay"
)

// Poller runs one cycle over every scope. *pipeline.Runner satisfies it.
type Poller interface {
	RunOnce(ctx context.Context) ([]bus.StatusReport, error)
}

// StatusSource returns the latest report per scope.
type StatusSource interface {
	Snapshot() []bus.StatusReport
}

// Config is the listener and auth setup.
type Config struct {
	Host           string
	Port           int
	PollToken      string   // bearer token for POST /poll; empty = open
	RelayToken     string   // X-Relay-Token for relay endpoints
	AllowedOrigins []string // websocket origins; empty = all
	WebhookRPM     int      // per-IP limit on relay endpoints (default 120)
	PollTimeout    time.Duration
}

// Deps wires handlers. Nil members disable their routes.
type Deps struct {
	Poller    Poller
	Status    StatusSource
	Forwarder *relay.Forwarder // connector role: serves /relay/response
	Responder *relay.Responder // responder role: serves /relay/forward
}

// Server is the HTTP front of a relayclaw process.
type Server struct {
	cfg  Config
	deps Deps
	hub  *Hub

	httpServer *http.Server
}

func New(cfg Config, deps Deps) *Server {
	if cfg.WebhookRPM <= 0 {
		cfg.WebhookRPM = 120
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Minute
	}
	return &Server{cfg: cfg, deps: deps, hub: NewHub(cfg.AllowedOrigins)}
}

// Hub returns the status stream, for subscribing to cycle reports.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger)
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.hub.ServeHTTP)

	if s.deps.Status != nil {
		r.Get("/status", s.handleStatus)
	}
	if s.deps.Poller != nil {
		r.Post("/poll", s.handlePoll)
	}

	limiter := channels.NewWebhookRateLimiter(time.Minute, s.cfg.WebhookRPM)
	if s.deps.Forwarder != nil {
		r.Post("/relay/response", relay.ResponseHandler(s.deps.Forwarder, s.cfg.RelayToken, limiter))
	}
	if s.deps.Responder != nil {
		r.Post("/relay/forward", relay.ForwardHandler(s.deps.Responder, s.cfg.RelayToken, limiter))
	}
	return r
}

// Start listens until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("server: listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scopes": s.deps.Status.Snapshot()})
}

// handlePoll runs one stateless cycle per scope. The response mirrors the
// reports; the status code is 500 when any scope failed.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PollToken != "" && subtle.ConstantTimeCompare([]byte(extractBearerToken(r)), []byte(s.cfg.PollToken)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PollTimeout)
	defer cancel()

	reports, err := s.deps.Poller.RunOnce(ctx)
	status := http.StatusOK
	for _, rep := range reports {
		if !rep.Success && !rep.Skipped {
			status = http.StatusInternalServerError
		}
	}
	if err != nil {
		slog.Warn("server: poll finished with errors", "error", err)
	}
	writeJSON(w, status, map[string]any{"reports": reports})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
