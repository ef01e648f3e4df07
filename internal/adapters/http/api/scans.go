package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/okian/laufevent/internal/domain/model"
)

// ScansHandler accepts checkpoint scans for asynchronous recording.
type ScansHandler struct {
	deps ScanDependencies
}

// NewScansHandler creates a new scans handler.
func NewScansHandler(deps ScanDependencies) *ScansHandler {
	return &ScansHandler{deps: deps}
}

// scanRequest is the body of POST /api/checkpoint/scans.
type scanRequest struct {
	ScanID string `json:"scan_id"`
	UID    *int64 `json:"uid"`
}

func (s scanRequest) validate() error {
	switch {
	case strings.TrimSpace(s.ScanID) == "":
		return errors.New("missing scan_id")
	case s.UID == nil:
		return errors.New("missing uid")
	}
	return nil
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// HandlePostScan handles POST /api/checkpoint/scans.
func (h *ScansHandler) HandlePostScan(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_scan"
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}

	if h.deps.SeenAndRecord(r.Context(), req.ScanID) {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true})
		return
	}
	if ok := h.deps.Enqueue(r.Context(), req.ScanID, model.UID(*req.UID)); !ok {
		// Forget the id so the client can retry.
		h.deps.Unrecord(r.Context(), req.ScanID)
		writeError(w, http.StatusTooManyRequests, "backpressure", NewKind(op, ErrBackpressure))
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
}
