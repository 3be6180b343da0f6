package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/comosim/comosim/pkg/log"
	"github.com/comosim/comosim/pkg/simulation"
	"github.com/comosim/comosim/pkg/types"
)

// ServiceHandler exposes one simulator over the peek/step wire protocol.
// The embedded kernel is non-reentrant, so every call holds the mutex: only
// one step or triggered executes at a time per simulator.
type ServiceHandler struct {
	mu     sync.Mutex
	sim    simulation.Simulator
	logger zerolog.Logger
}

// NewServiceHandler wraps a simulator for serving
func NewServiceHandler(name string, sim simulation.Simulator) *ServiceHandler {
	return &ServiceHandler{sim: sim, logger: log.WithService(name)}
}

// Router builds the chi router with the full simulator surface
func (h *ServiceHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/spec", h.handleSpec)
	r.Post("/setup", h.handleSetup)
	r.Post("/start", h.handleStart)
	r.Get("/peek", h.handlePeek)
	r.Post("/step", h.handleStep)
	r.Post("/triggered", h.handleTriggered)
	r.Post("/finish", h.handleFinish)
	return r
}

func (h *ServiceHandler) handleSpec(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	spec := h.sim.Spec()
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, spec)
}

func (h *ServiceHandler) handleSetup(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	err = h.sim.Setup(body)
	h.mu.Unlock()
	if err != nil {
		h.logger.Error().Err(err).Msg("Setup failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, types.Message{Message: "successfully configured."})
}

func (h *ServiceHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	err := h.sim.Start()
	h.mu.Unlock()
	if err != nil {
		h.logger.Error().Err(err).Msg("Start failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, types.Message{Message: "successfully started."})
}

func (h *ServiceHandler) handlePeek(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	next := h.sim.Peek()
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, types.PeekResponse{Next: types.EncodeNext(next)})
}

func (h *ServiceHandler) handleStep(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	now, events, err := h.sim.Step()
	h.mu.Unlock()
	if err != nil {
		h.logger.Error().Err(err).Msg("Step failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, http.StatusOK, types.StepResponse{Now: now, Events: events})
}

func (h *ServiceHandler) handleTriggered(w http.ResponseWriter, r *http.Request) {
	var event types.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	err := h.sim.Triggered(event)
	h.mu.Unlock()
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("event_type", string(event.Type)).
			Float64("time", event.Time).
			Msg("Triggered failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *ServiceHandler) handleFinish(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	err := h.sim.Finish()
	h.mu.Unlock()
	if err != nil {
		h.logger.Error().Err(err).Msg("Finish failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, types.Message{Message: "successfully finished."})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Logger.Error().Err(err).Msg("Failed to encode response")
	}
}
