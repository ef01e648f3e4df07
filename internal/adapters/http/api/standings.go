package api

import (
	"net/http"
	"strconv"

	"github.com/okian/laufevent/internal/domain/laps"
	"github.com/okian/laufevent/internal/domain/model"
)

// StandingsHandler serves the fastest-lap standings.
type StandingsHandler struct {
	deps StandingsDependencies
}

// NewStandingsHandler creates a new standings handler.
func NewStandingsHandler(deps StandingsDependencies) *StandingsHandler {
	return &StandingsHandler{deps: deps}
}

type standingResponse struct {
	Rank       int        `json:"rank"`
	UID        model.UID  `json:"uid"`
	FastestLap laps.Clock `json:"fastest_lap"`
}

func toStandingResponse(s model.Standing) standingResponse {
	return standingResponse{Rank: s.Rank, UID: s.UID, FastestLap: laps.Clock(s.FastestLap)}
}

// HandleTop handles GET /api/standings?limit=N.
func (h *StandingsHandler) HandleTop(w http.ResponseWriter, r *http.Request) {
	const op = "api.standings"
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "bad_request", NewKind(op, ErrBadRequest))
		return
	}
	entries, err := h.deps.Standings(r.Context(), n)
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	out := make([]standingResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toStandingResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleRank handles GET /api/standings/{uid}.
func (h *StandingsHandler) HandleRank(w http.ResponseWriter, r *http.Request) {
	const op = "api.standing"
	uid, err := uidParam(r, "uid")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	s, err := h.deps.Standing(r.Context(), uid)
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, toStandingResponse(s))
}
