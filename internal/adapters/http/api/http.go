// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/okian/laufevent/internal/adapters/repository"
	"github.com/okian/laufevent/internal/domain/dedupe"
	"github.com/okian/laufevent/internal/domain/donations"
	"github.com/okian/laufevent/internal/domain/gifts"
	"github.com/okian/laufevent/internal/domain/laps"
	"github.com/okian/laufevent/internal/domain/model"
	"github.com/okian/laufevent/pkg/logger"
)

// LapDependencies record scans and derive laps.
type LapDependencies interface {
	RecordScan(ctx context.Context, uid model.UID) (model.ScanAck, error)
	RoundCount(ctx context.Context, uid model.UID) (int, error)
	LastLapDuration(ctx context.Context, uid model.UID) (time.Duration, error)
	CheckpointInfo(ctx context.Context, uid model.UID) (laps.Metrics, error)
}

// ScanDependencies accept scans for asynchronous recording.
type ScanDependencies interface {
	dedupe.Deduper
	// Enqueue returns false on backpressure.
	Enqueue(ctx context.Context, id string, uid model.UID) bool
}

// GiftDependencies drive the gift latch.
type GiftDependencies interface {
	MarkEligible(ctx context.Context, uid model.UID, gift int) error
	CollectEligibleGifts(ctx context.Context, uid model.UID) (gifts.Collection, error)
}

// DonationDependencies drive the donation ledger.
type DonationDependencies interface {
	AddDonationAmount(ctx context.Context, uid model.UID, amount float64) (donations.Receipt, error)
}

// ParticipantDependencies create participant rows.
type ParticipantDependencies interface {
	Provision(ctx context.Context, uid model.UID) error
}

// StandingsDependencies read the fastest-lap standings.
type StandingsDependencies interface {
	Standings(ctx context.Context, n int) ([]model.Standing, error)
	Standing(ctx context.Context, uid model.UID) (model.Standing, error)
}

// Dependencies required by HTTP handlers.
type Dependencies interface {
	LapDependencies
	ScanDependencies
	GiftDependencies
	DonationDependencies
	ParticipantDependencies
	StandingsDependencies
	Pinger
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	lapsHandler        *LapsHandler
	scansHandler       *ScansHandler
	giftsHandler       *GiftsHandler
	donationsHandler   *DonationsHandler
	participantHandler *ParticipantHandler
	standingsHandler   *StandingsHandler
	logger             logger.Logger
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		healthHandler:      NewHealthHandler(deps),
		statsHandler:       NewStatsHandler(statsProvider),
		lapsHandler:        NewLapsHandler(deps),
		scansHandler:       NewScansHandler(deps),
		giftsHandler:       NewGiftsHandler(deps),
		donationsHandler:   NewDonationsHandler(deps),
		participantHandler: NewParticipantHandler(deps),
		standingsHandler:   NewStandingsHandler(deps),
		logger:             log.Named("http"),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	route := func(pattern, endpoint string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, MetricsMiddleware(h, endpoint))
	}

	route("GET /healthz", "healthz", s.healthHandler.HandleHealth)
	mux.Handle("GET /metrics", s.healthHandler.MetricsHandler())
	route("GET /stats", "stats", s.statsHandler.HandleStats)

	route("POST /api/Lap/CompleteRound", "complete_round", s.lapsHandler.HandleCompleteRound)
	route("GET /api/Lap/LapDuration/{uid}", "lap_duration", s.lapsHandler.HandleLapDuration)
	route("GET /api/Lap/RoundsCount/{uid}", "rounds_count", s.lapsHandler.HandleRoundsCount)
	route("GET /api/Checkpoint/ci-by-uid", "checkpoint_info", s.lapsHandler.HandleCheckpointInfo)
	route("POST /api/checkpoint/scans", "scans", s.scansHandler.HandlePostScan)

	route("PUT /api/SetGiftCollected/{uid}", "gift_collect", s.giftsHandler.HandleCollect)
	route("PUT /api/gifts/{uid}/eligible/{gift}", "gift_eligible", s.giftsHandler.HandleMarkEligible)
	route("PUT /api/SetDonationAmount/{uid}", "donation", s.donationsHandler.HandleAddDonation)
	route("POST /api/participants/{uid}", "participant", s.participantHandler.HandleProvision)

	route("GET /api/standings", "standings", s.standingsHandler.HandleTop)
	route("GET /api/standings/{uid}", "standing", s.standingsHandler.HandleRank)
}

// Handler wraps mux with panic recovery and access logging.
func (s *Server) Handler(mux *http.ServeMux) http.Handler {
	return RecoverMiddleware(AccessLogMiddleware(mux, s.logger), s.logger)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeDomainError maps the shared error kinds onto status codes.
func writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidArgument), errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, "bad_request", Wrap(op, err))
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", Wrap(op, err))
	case errors.Is(err, model.ErrInsufficientData):
		writeError(w, http.StatusNotFound, "not_enough_data", Wrap(op, err))
	case errors.Is(err, repository.ErrNotRanked):
		writeError(w, http.StatusNotFound, "not_ranked", Wrap(op, err))
	case errors.Is(err, repository.ErrInvalidLimit):
		writeError(w, http.StatusBadRequest, "limit_exceeded", Wrap(op, err))
	case errors.Is(err, model.ErrInvalidState):
		writeError(w, http.StatusInternalServerError, "invalid_state", Wrap(op, err))
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", Wrap(op, err))
	}
}

// uidParam reads a participant id from the path value or query parameter name.
func uidParam(r *http.Request, name string) (model.UID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		raw = r.URL.Query().Get(name)
	}
	if raw == "" {
		return 0, errors.New("missing " + name)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("invalid " + name + "; must be an integer")
	}
	return model.UID(v), nil
}
