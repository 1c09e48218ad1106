// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"points-event/internal/fibonacci"
	"points-event/internal/metrics"
	"points-event/internal/model"
	"points-event/internal/repository"
	"points-event/internal/service"
)

// EventHandler holds all HTTP handlers for the points allocation API.
type EventHandler struct {
	svc *service.AllocationService
}

// NewEventHandler constructs an EventHandler.
func NewEventHandler(svc *service.AllocationService) *EventHandler {
	return &EventHandler{svc: svc}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

// Apply handles POST /event/apply
// Allocates the next order number and its point reward to a first-time user.
func (h *EventHandler) Apply(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	}()

	var req model.ApplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	result, err := h.svc.Apply(r.Context(), req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateApplication):
			metrics.ApplicationsTotal.WithLabelValues("duplicate").Inc()
			writeError(w, http.StatusConflict, "user has already applied for points")
		case errors.Is(err, repository.ErrEventUnavailable):
			metrics.ApplicationsTotal.WithLabelValues("event_unavailable").Inc()
			writeError(w, http.StatusBadRequest, "event is unavailable")
		case errors.Is(err, repository.ErrCapacityExceeded):
			metrics.ApplicationsTotal.WithLabelValues("capacity_exceeded").Inc()
			writeError(w, http.StatusBadRequest, "event participant limit reached")
		default:
			// Infrastructure fault: already delegated for retry, surfaced to
			// the client as transient.
			metrics.ApplicationsTotal.WithLabelValues("persistence_error").Inc()
			writeError(w, http.StatusServiceUnavailable, "temporary failure, please retry")
		}
		return
	}

	metrics.ApplicationsTotal.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusCreated, result)
}

// Status handles GET /event/status/{userID}
// Reports whether the user holds a slot and at which order.
func (h *EventHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userID is required")
		return
	}

	status, err := h.svc.Status(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrEventUnavailable) {
			writeError(w, http.StatusBadRequest, "event is unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// Stats handles GET /event/stats
// Returns the aggregate view of the active event.
func (h *EventHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		if errors.Is(err, repository.ErrEventUnavailable) {
			writeError(w, http.StatusBadRequest, "event is unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// Participants handles GET /event/participants
// Lists every committed application in allocation order.
func (h *EventHandler) Participants(w http.ResponseWriter, r *http.Request) {
	apps, err := h.svc.Participants(r.Context())
	if err != nil {
		if errors.Is(err, repository.ErrEventUnavailable) {
			writeError(w, http.StatusBadRequest, "event is unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to list participants")
		return
	}

	// Return an empty array rather than null for better client compatibility.
	if apps == nil {
		apps = []model.PointApplication{}
	}

	writeJSON(w, http.StatusOK, apps)
}

// Reset handles POST /event/reset
// Wipes the active event back to its initial state.
func (h *EventHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reset(r.Context()); err != nil {
		if errors.Is(err, repository.ErrEventUnavailable) {
			writeError(w, http.StatusBadRequest, "event is unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to reset event")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Fibonacci demo ───────────────────────────────────────────────────────────

// FibonacciResponse is the payload for the fibonacci demo endpoint. The
// result is a decimal string because F(n) outgrows every fixed-width integer.
type FibonacciResponse struct {
	N        int    `json:"n"`
	Strategy string `json:"strategy"`
	Result   string `json:"result"`
}

// Fibonacci handles GET /fibonacci/{n}?strategy=
func Fibonacci(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "n must be an integer")
		return
	}

	strategy, err := fibonacci.StrategyByName(r.URL.Query().Get("strategy"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	svc := fibonacci.NewService(strategy)
	result, err := svc.Calculate(n)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, FibonacciResponse{
		N:        n,
		Strategy: svc.StrategyName(),
		Result:   result.String(),
	})
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
