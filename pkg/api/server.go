package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/comosim/comosim/pkg/broker"
	"github.com/comosim/comosim/pkg/log"
	"github.com/comosim/comosim/pkg/metrics"
	"github.com/comosim/comosim/pkg/types"
	"github.com/comosim/comosim/pkg/writer"
)

// SetupRequest is the broker's /setup body: the global configuration with
// each service's portion of it.
type SetupRequest struct {
	Services  []*types.ServiceDescriptor `json:"services"`
	WriterURL string                     `json:"writer_url,omitempty"`
}

// BrokerHandler is the broker's control surface: a thin facade translating
// HTTP calls into broker state transitions.
type BrokerHandler struct {
	broker *broker.Broker
	logger zerolog.Logger

	mu     sync.Mutex
	writer *writer.HTTPResultWriter
}

// NewBrokerHandler wraps a broker for serving
func NewBrokerHandler(b *broker.Broker) *BrokerHandler {
	return &BrokerHandler{broker: b, logger: log.WithComponent("api")}
}

// Router builds the chi router with the broker surface
func (h *BrokerHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/setup", h.handleSetup)
	r.Post("/start", h.handleStart)
	r.Post("/run", h.handleRun)
	r.Get("/peek", h.handlePeek)
	r.Get("/events", h.handleEvents)
	r.Post("/finish", h.handleFinish)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func (h *BrokerHandler) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req SetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed setup body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.broker.Setup(r.Context(), req.Services); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, broker.ErrBadState) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	if req.WriterURL != "" {
		h.mu.Lock()
		h.writer = writer.NewHTTPResultWriter(req.WriterURL, writer.ConfigFromEnv())
		h.writer.Consume(h.broker.EventLog().Subscribe())
		h.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, types.Message{Message: "successfully configured."})
}

func (h *BrokerHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Start(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, broker.ErrBadState) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, types.Message{Message: "successfully started."})
}

// handleRun drives the broker loop. The call returns when the run reaches
// its horizon, goes idle, or fails; the caller polls /peek meanwhile. The
// loop itself imposes no timeout.
func (h *BrokerHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	until, err := strconv.ParseFloat(r.URL.Query().Get("until"), 64)
	if err != nil {
		http.Error(w, "missing or malformed until parameter", http.StatusBadRequest)
		return
	}

	// the run must survive the client disconnecting its long poll
	if err := h.broker.Run(context.WithoutCancel(r.Context()), until); err != nil {
		if errors.Is(err, broker.ErrBadState) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, types.Message{Message: "successfully finished running."})
}

func (h *BrokerHandler) handlePeek(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.broker.Peek())
}

// handleEvents streams the event log as newline-delimited JSON
func (h *BrokerHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, ev := range h.broker.EventLog().Snapshot() {
		if err := enc.Encode(ev); err != nil {
			h.logger.Warn().Err(err).Msg("Event stream aborted")
			return
		}
	}
}

func (h *BrokerHandler) handleFinish(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Finish(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.mu.Lock()
	if h.writer != nil {
		if err := h.writer.Close(); err != nil {
			h.logger.Warn().Err(err).Msg("Result writer close failed")
		}
		h.writer = nil
	}
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, types.Message{Message: "successfully finished."})
}
