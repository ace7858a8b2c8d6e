// Package admin serves the operational endpoints of the proxy: Prometheus
// metrics, liveness and readiness probes, and on-demand PAC reloads.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const reloadTimeout = time.Minute

// Controller is the part of the proxy server the admin routes drive.
type Controller interface {
	// Ready reports whether the proxy is serving.
	Ready() bool
	// Status names the current lifecycle state.
	Status() string
	// Reload re-fetches and recompiles the PAC script.
	Reload(ctx context.Context) error
}

// StatusResponse is returned by /healthz and /readyz.
type StatusResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

// MessageResponse is returned by a successful POST /reload.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

type api struct {
	ctrl   Controller
	logger *slog.Logger
}

// NewRouter returns the admin routes. Metrics are served from g, or from
// the default registry when g is nil.
func NewRouter(ctrl Controller, g prometheus.Gatherer, logger *slog.Logger) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{ctrl: ctrl, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/healthz", a.handleHealth)
		r.Get("/readyz", a.handleReady)
		r.Post("/reload", a.handleReload)
	})
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", State: a.ctrl.Status()})
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !a.ctrl.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, StatusResponse{Status: "unavailable", State: a.ctrl.Status()})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", State: a.ctrl.Status()})
}

func (a *api) handleReload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), reloadTimeout)
	defer cancel()

	a.logger.Info("PAC reload requested", "remote_addr", r.RemoteAddr)
	if err := a.ctrl.Reload(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "PAC script reloaded"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
