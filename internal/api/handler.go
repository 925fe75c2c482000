// Package api is the admin HTTP surface of the maintenance daemon.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cern-cta/CTA-sub017/internal/catalogue"
	"github.com/cern-cta/CTA-sub017/internal/core"
	"github.com/cern-cta/CTA-sub017/internal/metrics"
	"github.com/cern-cta/CTA-sub017/internal/objectstore"
	"github.com/cern-cta/CTA-sub017/internal/scheduler"
)

// DefaultUsername is recorded on state changes that do not name a user.
const DefaultUsername = "admin"

// TapeStateTrigger requests tape state changes.
type TapeStateTrigger interface {
	TriggerTapeStateChange(ctx context.Context, admin core.SecurityIdentity, vid string, desired core.TapeState, reason string) error
}

// Store lists the content of the object store.
type Store interface {
	ListAgents(ctx context.Context) ([]scheduler.AgentInfo, error)
	ListQueues(ctx context.Context) ([]scheduler.QueueInfo, error)
	GetRetrieveQueuesCleanupInfo(ctx context.Context) ([]scheduler.RetrieveQueueCleanupInfo, error)
	ListRepackRequests(ctx context.Context) ([]scheduler.RepackInfo, error)
	QueueRepack(ctx context.Context, spec scheduler.RepackSpec) (string, error)
	ListDrives(ctx context.Context) ([]objectstore.DriveState, error)
	ReportDriveState(ctx context.Context, d objectstore.DriveState) error
}

// HealthFunc reports whether the backend is reachable.
type HealthFunc func(ctx context.Context) error

// Handler serves the admin endpoints.
type Handler struct {
	trigger   TapeStateTrigger
	store     Store
	catalogue catalogue.Catalogue
	health    HealthFunc
	backend   string
}

// NewHandler returns a Handler. backend is the description reported by the
// health endpoint.
func NewHandler(trigger TapeStateTrigger, store Store, cat catalogue.Catalogue, health HealthFunc, backend string) *Handler {
	return &Handler{trigger: trigger, store: store, catalogue: cat, health: health, backend: backend}
}

// Routes mounts the endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/agents", h.ListAgents)
		r.Get("/queues", h.ListQueues)
		r.Get("/queues/cleanup", h.ListCleanupInfo)
		r.Get("/tapes", h.ListTapes)
		r.Post("/tapes", h.CreateTape)
		r.Get("/tapes/{vid}", h.GetTape)
		r.Put("/tapes/{vid}/state", h.SetTapeState)
		r.Get("/repacks", h.ListRepacks)
		r.Post("/repacks", h.QueueRepack)
		r.Get("/drives", h.ListDrives)
		r.Put("/drives/{name}", h.ReportDriveState)
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Error   string `json:"error,omitempty"`
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Backend: h.backend}
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// ListAgents handles GET /v1/agents.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	if agents == nil {
		agents = []scheduler.AgentInfo{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// ListQueues handles GET /v1/queues.
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.store.ListQueues(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	if queues == nil {
		queues = []scheduler.QueueInfo{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

// ListCleanupInfo handles GET /v1/queues/cleanup.
func (h *Handler) ListCleanupInfo(w http.ResponseWriter, r *http.Request) {
	infos, err := h.store.GetRetrieveQueuesCleanupInfo(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	if infos == nil {
		infos = []scheduler.RetrieveQueueCleanupInfo{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"queues": infos})
}

// ListTapes handles GET /v1/tapes.
func (h *Handler) ListTapes(w http.ResponseWriter, r *http.Request) {
	tapes, err := h.catalogue.ListTapes(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	if tapes == nil {
		tapes = []catalogue.Tape{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tapes": tapes})
}

// GetTape handles GET /v1/tapes/{vid}.
func (h *Handler) GetTape(w http.ResponseWriter, r *http.Request) {
	vid := chi.URLParam(r, "vid")
	if verr := core.ValidateVID(vid); verr != nil {
		WriteError(w, http.StatusBadRequest, verr)
		return
	}
	tapes, err := h.catalogue.ListTapes(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	for _, t := range tapes {
		if t.VID == vid {
			WriteJSON(w, http.StatusOK, map[string]any{"tape": t})
			return
		}
	}
	WriteError(w, http.StatusNotFound, core.NewNotFoundError("Tape", vid))
}

// CreateTapeRequest is the body of POST /v1/tapes.
type CreateTapeRequest struct {
	VID      string `json:"vid"`
	State    string `json:"state"`
	Username string `json:"username,omitempty"`
}

// CreateTape handles POST /v1/tapes.
func (h *Handler) CreateTape(w http.ResponseWriter, r *http.Request) {
	var req CreateTapeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if verr := core.ValidateVID(req.VID); verr != nil {
		WriteError(w, http.StatusBadRequest, verr)
		return
	}
	state := core.TapeActive
	if req.State != "" {
		st, err := core.ParseTapeState(req.State)
		if err != nil {
			HandleError(w, err)
			return
		}
		state = st
	}
	if state.IsPending() {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
			"A tape cannot be created in a transitional state.", map[string]any{"state": string(state)}))
		return
	}
	if err := h.catalogue.CreateTape(r.Context(), identity(r, req.Username), req.VID, state); err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"tape": map[string]any{"vid": req.VID, "state": state}})
}

// SetTapeStateRequest is the body of PUT /v1/tapes/{vid}/state.
type SetTapeStateRequest struct {
	State    string `json:"state"`
	Reason   string `json:"reason,omitempty"`
	Username string `json:"username,omitempty"`
}

// SetTapeStateResponse reports the state a tape is in after the request.
// State differs from RequestedState while the queue cleanup is pending.
type SetTapeStateResponse struct {
	VID            string         `json:"vid"`
	RequestedState core.TapeState `json:"requested_state"`
	State          core.TapeState `json:"state"`
}

// SetTapeState handles PUT /v1/tapes/{vid}/state.
func (h *Handler) SetTapeState(w http.ResponseWriter, r *http.Request) {
	vid := chi.URLParam(r, "vid")
	var req SetTapeStateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.State == "" {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("state is required.", nil))
		return
	}
	desired, err := core.ParseTapeState(req.State)
	if err != nil {
		HandleError(w, err)
		return
	}
	ctx := r.Context()
	if err := h.trigger.TriggerTapeStateChange(ctx, identity(r, req.Username), vid, desired, req.Reason); err != nil {
		HandleError(w, err)
		return
	}
	metrics.TapeStateChanged(string(desired))
	state, err := h.catalogue.GetTapeState(ctx, vid)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, SetTapeStateResponse{VID: vid, RequestedState: desired, State: state})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
			"Request body is not valid JSON.", map[string]any{"error": err.Error()}))
		return false
	}
	return true
}

// identity builds the identity recorded in the catalogue from the request.
func identity(r *http.Request, username string) core.SecurityIdentity {
	if username == "" {
		username = DefaultUsername
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return core.SecurityIdentity{Username: username, Host: host}
}
