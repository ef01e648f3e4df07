package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/okian/laufevent/internal/domain/laps"
	"github.com/okian/laufevent/internal/domain/model"
)

// LapsHandler serves the round and lap endpoints.
type LapsHandler struct {
	deps LapDependencies
}

// NewLapsHandler creates a new laps handler.
func NewLapsHandler(deps LapDependencies) *LapsHandler {
	return &LapsHandler{deps: deps}
}

type completeRoundRequest struct {
	UID *int64 `json:"uid"`
}

type completeRoundResponse struct {
	UID        model.UID   `json:"uid"`
	ScanID     string      `json:"scan_id"`
	ScannedAt  time.Time   `json:"scanned_at"`
	LapTime    *laps.Clock `json:"lap_time"`
	FastestLap bool        `json:"fastest_lap_improved"`
}

// HandleCompleteRound handles POST /api/Lap/CompleteRound.
func (h *LapsHandler) HandleCompleteRound(w http.ResponseWriter, r *http.Request) {
	const op = "api.complete_round"
	var req completeRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if req.UID == nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("missing uid")))
		return
	}
	ack, err := h.deps.RecordScan(r.Context(), model.UID(*req.UID))
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	resp := completeRoundResponse{
		UID:        ack.Event.UID,
		ScanID:     ack.Event.ID,
		ScannedAt:  ack.Event.At,
		FastestLap: ack.Improved,
	}
	if ack.HasLap {
		c := laps.Clock(ack.Lap)
		resp.LapTime = &c
	}
	writeJSON(w, http.StatusOK, resp)
}

type lapDurationResponse struct {
	UID     model.UID  `json:"uid"`
	LapTime laps.Clock `json:"lap_time"`
}

// HandleLapDuration handles GET /api/Lap/LapDuration/{uid}.
func (h *LapsHandler) HandleLapDuration(w http.ResponseWriter, r *http.Request) {
	const op = "api.lap_duration"
	uid, err := uidParam(r, "uid")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	d, err := h.deps.LastLapDuration(r.Context(), uid)
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, lapDurationResponse{UID: uid, LapTime: laps.Clock(d)})
}

type roundsCountResponse struct {
	UID         model.UID `json:"uid"`
	RoundsCount int       `json:"rounds_count"`
}

// HandleRoundsCount handles GET /api/Lap/RoundsCount/{uid}. A participant
// without scans is reported as not found.
func (h *LapsHandler) HandleRoundsCount(w http.ResponseWriter, r *http.Request) {
	const op = "api.rounds_count"
	uid, err := uidParam(r, "uid")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	n, err := h.deps.RoundCount(r.Context(), uid)
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	if n == 0 {
		writeError(w, http.StatusNotFound, "not_found", WrapKind(op, model.ErrNotFound, errors.New("no rounds recorded")))
		return
	}
	writeJSON(w, http.StatusOK, roundsCountResponse{UID: uid, RoundsCount: n})
}

type checkpointInfoResponse struct {
	UID        model.UID   `json:"uid"`
	RoundCount int         `json:"round_count"`
	LapTime    *laps.Clock `json:"lap_time"`
	FastestLap *laps.Clock `json:"fastest_lap"`
}

// HandleCheckpointInfo handles GET /api/Checkpoint/ci-by-uid?uid=.
func (h *LapsHandler) HandleCheckpointInfo(w http.ResponseWriter, r *http.Request) {
	const op = "api.checkpoint_info"
	uid, err := uidParam(r, "uid")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	m, err := h.deps.CheckpointInfo(r.Context(), uid)
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	resp := checkpointInfoResponse{UID: uid, RoundCount: m.RoundCount}
	if m.HasLastLap {
		c := laps.Clock(m.LastLap)
		resp.LapTime = &c
	}
	if m.HasFastest {
		c := laps.Clock(m.FastestLap)
		resp.FastestLap = &c
	}
	writeJSON(w, http.StatusOK, resp)
}
