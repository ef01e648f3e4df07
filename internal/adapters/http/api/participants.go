package api

import (
	"net/http"
)

// ParticipantHandler provisions participant rows.
type ParticipantHandler struct {
	deps ParticipantDependencies
}

// NewParticipantHandler creates a new participant handler.
func NewParticipantHandler(deps ParticipantDependencies) *ParticipantHandler {
	return &ParticipantHandler{deps: deps}
}

// HandleProvision handles POST /api/participants/{uid}.
func (h *ParticipantHandler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	const op = "api.provision"
	uid, err := uidParam(r, "uid")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := h.deps.Provision(r.Context(), uid); err != nil {
		writeDomainError(w, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
