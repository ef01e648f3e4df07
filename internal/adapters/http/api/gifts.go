package api

import (
	"net/http"
	"strconv"

	"github.com/okian/laufevent/internal/domain/gifts"
	"github.com/okian/laufevent/internal/domain/model"
)

// GiftsHandler serves the gift latch endpoints.
type GiftsHandler struct {
	deps GiftDependencies
}

// NewGiftsHandler creates a new gifts handler.
func NewGiftsHandler(deps GiftDependencies) *GiftsHandler {
	return &GiftsHandler{deps: deps}
}

type collectResponse struct {
	UID       model.UID        `json:"uid"`
	Gifts     gifts.Collection `json:"gifts"`
	Collected []int            `json:"collected"`
}

// HandleCollect handles PUT /api/SetGiftCollected/{uid}.
func (h *GiftsHandler) HandleCollect(w http.ResponseWriter, r *http.Request) {
	const op = "api.collect_gifts"
	uid, err := uidParam(r, "uid")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	c, err := h.deps.CollectEligibleGifts(r.Context(), uid)
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	collected := c.Collected()
	if collected == nil {
		collected = []int{}
	}
	writeJSON(w, http.StatusOK, collectResponse{UID: uid, Gifts: c, Collected: collected})
}

// HandleMarkEligible handles PUT /api/gifts/{uid}/eligible/{gift}.
func (h *GiftsHandler) HandleMarkEligible(w http.ResponseWriter, r *http.Request) {
	const op = "api.mark_eligible"
	uid, err := uidParam(r, "uid")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	gift, err := strconv.Atoi(r.PathValue("gift"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := h.deps.MarkEligible(r.Context(), uid, gift); err != nil {
		writeDomainError(w, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
