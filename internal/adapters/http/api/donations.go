package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/okian/laufevent/internal/domain/model"
)

// DonationsHandler serves the donation ledger endpoint.
type DonationsHandler struct {
	deps DonationDependencies
}

// NewDonationsHandler creates a new donations handler.
func NewDonationsHandler(deps DonationDependencies) *DonationsHandler {
	return &DonationsHandler{deps: deps}
}

type donationRequest struct {
	Amount *float64 `json:"amount"`
}

type donationResponse struct {
	UID            model.UID `json:"uid"`
	PreviousAmount float64   `json:"previous_amount"`
	Delta          float64   `json:"delta"`
	NewAmount      float64   `json:"new_amount"`
}

// HandleAddDonation handles PUT /api/SetDonationAmount/{uid}. The amount in
// the body is added to the participant's total.
func (h *DonationsHandler) HandleAddDonation(w http.ResponseWriter, r *http.Request) {
	const op = "api.add_donation"
	uid, err := uidParam(r, "uid")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	var req donationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if req.Amount == nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("missing amount")))
		return
	}
	rec, err := h.deps.AddDonationAmount(r.Context(), uid, *req.Amount)
	if err != nil {
		writeDomainError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, donationResponse{
		UID:            uid,
		PreviousAmount: rec.Previous.Amount(),
		Delta:          rec.Delta.Amount(),
		NewAmount:      rec.New.Amount(),
	})
}
