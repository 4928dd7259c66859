// Package server exposes the operator surface of the daemon: health and
// status probes, Prometheus metrics, reload triggers, wallet pause control,
// and a websocket event stream.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sweepd/metrics"
	"sweepd/notify"
)

// Controller is the slice of the scheduler the HTTP surface drives.
type Controller interface {
	RequestWalletReload()
	RequestConfigReload()
}

// PauseSetter flips a wallet's paused flag; implemented by the registry
// ledger.
type PauseSetter interface {
	SetPaused(id uuid.UUID, paused bool) bool
}

// StatusSource yields the aggregate metrics snapshot.
type StatusSource interface {
	Snapshot() metrics.Snapshot
}

// Server is the operator HTTP handler set.
type Server struct {
	controller Controller
	pauser     PauseSetter
	status     StatusSource
	hub        *notify.Hub
	gatherer   prometheus.Gatherer
	log        *slog.Logger
}

// New wires the operator surface. gatherer may be nil to disable /metrics.
func New(controller Controller, pauser PauseSetter, status StatusSource, hub *notify.Hub, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		controller: controller,
		pauser:     pauser,
		status:     status,
		hub:        hub,
		gatherer:   gatherer,
		log:        log,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/reload/wallets", s.handleReloadWallets)
	r.Post("/reload/config", s.handleReloadConfig)
	r.Post("/wallets/{id}/pause", s.handlePause(true))
	r.Post("/wallets/{id}/resume", s.handlePause(false))
	r.Get("/ws/events", s.handleEvents)
	return r
}

// HTTPServer wraps the handler with the daemon's timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

func (s *Server) handleReloadWallets(w http.ResponseWriter, r *http.Request) {
	s.controller.RequestWalletReload()
	if s.hub != nil {
		s.hub.Publish(notify.EventReload, map[string]string{"scope": "wallets"})
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reload scheduled"})
}

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	s.controller.RequestConfigReload()
	if s.hub != nil {
		s.hub.Publish(notify.EventReload, map[string]string{"scope": "config"})
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reload scheduled"})
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid wallet id"})
			return
		}
		if !s.pauser.SetPaused(id, paused) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown wallet"})
			return
		}
		state := "resumed"
		if paused {
			state = "paused"
		}
		s.log.Info("wallet state changed", "wallet", id, "state", state)
		if s.hub != nil {
			s.hub.Publish(notify.EventWalletUpdated, map[string]string{"wallet": id.String(), "state": state})
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": state})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
