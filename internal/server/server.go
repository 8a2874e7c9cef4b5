// Package server is the director's local HTTP surface: the webhook ingress
// the model server calls back into, plus operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/replicate/director/internal/events"
	"github.com/replicate/director/internal/logging"
	"github.com/replicate/director/internal/monitor"
	"github.com/replicate/director/internal/schema"
)

const (
	// DefaultPort is the fixed local port the director rewrites sidecar
	// webhooks to.
	DefaultPort = 4900

	// offerTimeout bounds the backpressure applied to the model server when
	// the event bus is full.
	offerTimeout    = 1 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Handler serves the ingress endpoints.
type Handler struct {
	bus     *events.Bus
	monitor *monitor.Monitor
	logger  *logging.Logger
}

func NewHandler(bus *events.Bus, mon *monitor.Monitor, logger *logging.Logger) *Handler {
	return &Handler{
		bus:     bus,
		monitor: mon,
		logger:  logger.Named("ingress"),
	}
}

// Webhook accepts a PredictionResponse from the model server and enqueues it
// on the event bus before responding.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var payload schema.PredictionResponse
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.logger.Warn("rejecting malformed webhook body", zap.Error(err))
		http.Error(w, "malformed prediction response", http.StatusBadRequest)
		return
	}

	h.bus.OfferWait(events.WebhookEvent{Payload: payload}, offerTimeout)
	w.WriteHeader(http.StatusOK)
}

// Health reports process liveness and the in-flight prediction, if any.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if id := h.monitor.CurrentPredictionID(); id != "" {
		body["prediction_id"] = id
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func NewServeMux(handler *Handler, mon *monitor.Monitor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", handler.Webhook)
	mux.HandleFunc("GET /health", handler.Health)
	mux.Handle("GET /metrics", mon.Handler())
	return mux
}

// Server runs the ingress HTTP server on its own goroutine.
type Server struct {
	http   *http.Server
	logger *logging.Logger
	done   chan struct{}
}

func New(port int, handler *Handler, mon *monitor.Monitor, logger *logging.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf("localhost:%d", port),
			Handler:           NewServeMux(handler, mon),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("server"),
		done:   make(chan struct{}),
	}
}

func (s *Server) Start() {
	go func() {
		defer close(s.done)

		s.logger.Info("starting ingress server", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ingress server failed", zap.Error(err))
		}
	}()
}

// Stop drains in-flight requests before closing.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("error shutting down ingress server", zap.Error(err))
		_ = s.http.Close()
	}
}

func (s *Server) Join() {
	<-s.done
}
