package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cern-cta/CTA-sub017/internal/core"
	"github.com/cern-cta/CTA-sub017/internal/objectstore"
	"github.com/cern-cta/CTA-sub017/internal/scheduler"
)

// QueueRepackRequest is the body of POST /v1/repacks.
type QueueRepackRequest struct {
	VID       string `json:"vid"`
	BufferURL string `json:"buffer_url"`
	Priority  uint64 `json:"priority,omitempty"`
	Username  string `json:"username,omitempty"`
}

// ListRepacks handles GET /v1/repacks.
func (h *Handler) ListRepacks(w http.ResponseWriter, r *http.Request) {
	repacks, err := h.store.ListRepackRequests(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	if repacks == nil {
		repacks = []scheduler.RepackInfo{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"repacks": repacks})
}

// QueueRepack handles POST /v1/repacks.
func (h *Handler) QueueRepack(w http.ResponseWriter, r *http.Request) {
	var req QueueRepackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if verr := core.ValidateVID(req.VID); verr != nil {
		WriteError(w, http.StatusBadRequest, verr)
		return
	}
	if req.BufferURL == "" {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("buffer_url is required.", nil))
		return
	}
	address, err := h.store.QueueRepack(r.Context(), scheduler.RepackSpec{
		VID:       req.VID,
		BufferURL: req.BufferURL,
		Priority:  req.Priority,
		Requester: identity(r, req.Username).Username,
	})
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"repack": map[string]any{"address": address, "vid": req.VID}})
}

// ListDrives handles GET /v1/drives.
func (h *Handler) ListDrives(w http.ResponseWriter, r *http.Request) {
	drives, err := h.store.ListDrives(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	if drives == nil {
		drives = []objectstore.DriveState{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"drives": drives})
}

// DriveStateRequest is the body of PUT /v1/drives/{name}.
type DriveStateRequest struct {
	Host    string `json:"host"`
	Library string `json:"library"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// ReportDriveState handles PUT /v1/drives/{name}.
func (h *Handler) ReportDriveState(w http.ResponseWriter, r *http.Request) {
	var req DriveStateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d := objectstore.DriveState{
		Name:    chi.URLParam(r, "name"),
		Host:    req.Host,
		Library: req.Library,
		Status:  objectstore.DriveStatus(req.Status),
		Reason:  req.Reason,
	}
	if err := h.store.ReportDriveState(r.Context(), d); err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"drive": d})
}
