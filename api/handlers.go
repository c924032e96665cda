/*
handlers.go - Operational HTTP handlers for the reservation engine

PURPOSE:
  Exposes the inbound operational surface of the reservation core: the
  resource catalog pushes metadata events here, operators check
  availability, trigger sweeps and read the audit trail. Booking itself is
  driven in-process through the Orchestrator.

ENDPOINTS:
  Health:
    GET    /healthz                               Liveness + store ping

  Resources:
    GET    /api/resources                         Cached resource snapshots
    POST   /api/resources                         Upsert event from the catalog
    DELETE /api/resources/{id}?version=N          Delete event from the catalog
    GET    /api/resources/{id}/availability       ?start=&end=&exclude=

  Admin:
    POST   /api/admin/sweeps                      Run no-show, completion and waitlist sweeps

  Audit:
    GET    /api/audit/{id}                        Audit events for one entity

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the error kind:
  - 400: validation
  - 403: forbidden
  - 404: not found
  - 409: conflict, invalid state
  - 410: expired claim
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/reservation-engine/reservation"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Orchestrator *reservation.Orchestrator
	Store        Pinger
	Logger       *zap.Logger
}

// NewHandler creates a handler. store may be nil when there is nothing to ping.
func NewHandler(o *reservation.Orchestrator, store Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Orchestrator: o, Store: store, Logger: logger}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESOURCE HANDLERS
// =============================================================================

// ListResources returns the cached catalog view.
func (h *Handler) ListResources(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.Orchestrator.Resources.Resources(r.Context())
	if err != nil {
		h.writeDomainError(w, "failed to list resources", err)
		return
	}
	out := make([]ResourceDTO, 0, len(snaps))
	for _, s := range snaps {
		dto := ResourceDTO{
			ID:               s.ID,
			Name:             s.Name,
			Type:             s.Type,
			Category:         s.Category,
			Location:         s.Location,
			Capacity:         s.Capacity,
			Active:           s.Active,
			RequiresApproval: s.RequiresApproval,
			ApprovalFlowID:   s.ApprovalFlowID,
			Version:          s.Version,
		}
		for _, b := range s.Blackouts {
			dto.Blackouts = append(dto.Blackouts, toWindowDTO(b))
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// UpsertResource applies an upsert event. Stale versions are accepted but not applied.
func (h *Handler) UpsertResource(w http.ResponseWriter, r *http.Request) {
	var req ResourceDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	snap, err := req.toSnapshot(time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid blackout window", err)
		return
	}

	applied, err := h.Orchestrator.ApplyResourceEvent(r.Context(), reservation.ResourceEvent{
		Kind:     reservation.ResourceUpserted,
		Resource: snap,
	})
	if err != nil {
		h.writeDomainError(w, "failed to apply resource event", err)
		return
	}
	writeJSON(w, http.StatusOK, ResourceEventResponse{ResourceID: snap.ID, Applied: applied})
}

// DeleteResource applies a delete event.
func (h *Handler) DeleteResource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var version int64
	if v := r.URL.Query().Get("version"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid version", err)
			return
		}
		version = parsed
	}

	applied, err := h.Orchestrator.ApplyResourceEvent(r.Context(), reservation.ResourceEvent{
		Kind:     reservation.ResourceDeleted,
		Resource: reservation.ResourceSnapshot{ID: id, Version: version},
	})
	if err != nil {
		h.writeDomainError(w, "failed to apply resource event", err)
		return
	}
	writeJSON(w, http.StatusOK, ResourceEventResponse{ResourceID: id, Applied: applied})
}

// CheckAvailability answers whether a window is free and lists alternatives.
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	window, err := WindowDTO{Start: q.Get("start"), End: q.Get("end")}.toWindow()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid window", err)
		return
	}

	avail, err := h.Orchestrator.CheckAvailability(r.Context(), id, window, q.Get("exclude"))
	if err != nil {
		h.writeDomainError(w, "failed to check availability", err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityDTO(id, window, avail))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunSweeps triggers every sweep once, outside the cron schedule.
func (h *Handler) RunSweeps(w http.ResponseWriter, r *http.Request) {
	report, err := h.Orchestrator.RunSweeps(r.Context())
	if err != nil {
		h.writeDomainError(w, "sweep failed", err)
		return
	}
	h.Logger.Info("manual sweep",
		zap.Int("no_shows", len(report.NoShows)),
		zap.Int("completed", len(report.Completed)),
		zap.Int("waitlist_expired", len(report.WaitlistExpired)),
		zap.Int("waitlist_promoted", len(report.WaitlistPromoted)))
	writeJSON(w, http.StatusOK, toSweepReportDTO(report))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	events, err := h.Orchestrator.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "failed to load audit trail", err)
		return
	}
	out := make([]AuditEventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, toAuditEventDTO(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps a reservation error onto an HTTP status.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: message, Kind: reservation.ErrorKind(err), Details: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	switch reservation.ErrorKind(err) {
	case "validation":
		return http.StatusBadRequest
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "conflict", "invalid_state":
		return http.StatusConflict
	case "expired":
		return http.StatusGone
	case "transient":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
