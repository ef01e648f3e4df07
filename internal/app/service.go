// Package service composes the scan log, lap aggregator, gift latch and
// donation ledger into the operations the HTTP API exposes.
package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/laufevent/internal/adapters/mq/queue"
	"github.com/okian/laufevent/internal/adapters/mq/worker"
	"github.com/okian/laufevent/internal/adapters/repository"
	"github.com/okian/laufevent/internal/domain/dedupe"
	"github.com/okian/laufevent/internal/domain/donations"
	"github.com/okian/laufevent/internal/domain/gifts"
	"github.com/okian/laufevent/internal/domain/laps"
	"github.com/okian/laufevent/internal/domain/model"
	"github.com/okian/laufevent/pkg/logger"
	"github.com/okian/laufevent/pkg/metrics"
)

const tracerName = "github.com/okian/laufevent/internal/app"

// Service implements the API dependencies for the lap tracking core.
type Service struct {
	mu sync.RWMutex

	store     repository.Store
	laps      *laps.Aggregator
	gifts     *gifts.Latch
	ledger    *donations.Ledger
	standings *repository.Standings

	deduper dedupe.Deduper
	queue   *queue.InMemoryQueue
	pool    *worker.Pool

	workerCount       int
	queueSize         int
	dedupeSize        int
	maxStandingsLimit int

	now    func() time.Time
	newID  func() string
	tracer trace.Tracer

	started bool
	logger  logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of worker goroutines.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the scan queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many scan ids are remembered.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithMaxStandingsLimit caps the limit accepted by Standings.
func WithMaxStandingsLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxStandingsLimit = n
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces the clock that stamps scans.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the generator for scans submitted without an id.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) {
		if f != nil {
			s.newID = f
		}
	}
}

// WithTracerProvider takes spans from tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithStandings injects the standings index.
func WithStandings(st *repository.Standings) Option {
	return func(s *Service) {
		if st != nil {
			s.standings = st
		}
	}
}

// New constructs a Service over store.
func New(store repository.Store, opts ...Option) *Service {
	s := &Service{
		store:             store,
		workerCount:       runtime.NumCPU() * 2,
		queueSize:         10_000,
		dedupeSize:        100_000,
		maxStandingsLimit: 100,
		now:               time.Now,
		newID:             uuid.NewString,
		tracer:            otel.Tracer(tracerName),
		logger:            logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.standings == nil {
		s.standings = repository.NewStandings()
	}
	s.laps = laps.New(store, store, laps.WithLogger(s.logger.Named("laps")))
	s.gifts = gifts.NewLatch(store, gifts.WithLogger(s.logger.Named("gifts")))
	s.ledger = donations.NewLedger(store, donations.WithLogger(s.logger.Named("donations")))
	s.deduper = dedupe.New(dedupe.WithMaxSize(s.dedupeSize))
	return s
}

// Start rebuilds the standings from storage and starts the worker pool.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.logger.Info(ctx, "starting lap service...")

	entries, err := s.store.ListFastestLaps(ctx)
	if err != nil {
		return fmt.Errorf("load standings: %w", err)
	}
	s.standings.Load(entries)

	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	s.pool = worker.NewPool(s.workerCount, s.queue, s, s.logger)
	s.pool.Start(context.WithoutCancel(ctx))

	s.started = true
	s.logger.Info(ctx, "lap service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
		logger.Int("ranked", len(entries)),
	)
	return nil
}

// Stop drains queued scans and stops the workers. The store stays open.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping lap service...")
	err := s.pool.Shutdown(ctx)
	s.started = false
	s.logger.Info(ctx, "lap service stopped")
	return err
}

func (s *Service) span(ctx context.Context, name string, uid model.UID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.Int64("uid", int64(uid))))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordScan appends a scan for uid stamped with the service clock.
func (s *Service) RecordScan(ctx context.Context, uid model.UID) (model.ScanAck, error) {
	req := model.ScanRequest{ID: s.newID(), UID: uid, ReceivedAt: s.now()}
	ack, err := s.record(ctx, req)
	if err == nil {
		metrics.RecordScan("sync")
	}
	return ack, err
}

// Record is the worker entry point for queued scans.
func (s *Service) Record(ctx context.Context, req model.ScanRequest) error {
	if _, err := s.record(ctx, req); err != nil {
		return err
	}
	metrics.RecordScan("async")
	return nil
}

func (s *Service) record(ctx context.Context, req model.ScanRequest) (ack model.ScanAck, err error) {
	ctx, span := s.span(ctx, "service.RecordScan", req.UID)
	defer func() { end(span, err) }()

	res, err := s.store.AppendScan(ctx, req.Event())
	if err != nil {
		return model.ScanAck{}, fmt.Errorf("record scan for %d: %w", req.UID, err)
	}
	ack.Event = res.Event
	if res.Prev != nil && res.Next == nil {
		ack.Lap, ack.HasLap = res.Event.At.Sub(res.Prev.At), true
	}

	best, improved, err := s.laps.ObserveAppend(ctx, res)
	if err != nil {
		return model.ScanAck{}, err
	}
	ack.Fastest, ack.Improved = best, improved
	if improved {
		s.standings.Update(req.UID, best)
	}
	span.SetAttributes(attribute.Bool("fastest_improved", improved))
	return ack, nil
}

// SeenAndRecord reports whether a scan id was already submitted.
func (s *Service) SeenAndRecord(ctx context.Context, id string) bool {
	seen := s.deduper.SeenAndRecord(ctx, id)
	if seen {
		metrics.RecordScanDuplicate()
	}
	return seen
}

// Unrecord forgets a scan id that could not be queued.
func (s *Service) Unrecord(ctx context.Context, id string) {
	s.deduper.Unrecord(ctx, id)
}

// Size returns the number of remembered scan ids.
func (s *Service) Size() int64 { return s.deduper.Size() }

// Enqueue stamps a scan on receipt and queues it for the workers. It returns
// false on backpressure or when the service is not running.
func (s *Service) Enqueue(ctx context.Context, id string, uid model.UID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return false
	}
	return s.queue.Enqueue(ctx, model.ScanRequest{ID: id, UID: uid, ReceivedAt: s.now()})
}

// RoundCount returns the number of scans for uid.
func (s *Service) RoundCount(ctx context.Context, uid model.UID) (n int, err error) {
	ctx, span := s.span(ctx, "service.RoundCount", uid)
	defer func() { end(span, err) }()
	return s.laps.RoundCount(ctx, uid)
}

// LastLapDuration returns the newest lap of uid.
func (s *Service) LastLapDuration(ctx context.Context, uid model.UID) (d time.Duration, err error) {
	ctx, span := s.span(ctx, "service.LastLapDuration", uid)
	defer func() { end(span, err) }()
	return s.laps.LastLapDuration(ctx, uid)
}

// FastestLap returns the cached fastest lap of uid.
func (s *Service) FastestLap(ctx context.Context, uid model.UID) (d time.Duration, ok bool, err error) {
	ctx, span := s.span(ctx, "service.FastestLap", uid)
	defer func() { end(span, err) }()
	return s.laps.FastestLap(ctx, uid)
}

// CheckpointInfo reads what the checkpoint display shows for uid.
func (s *Service) CheckpointInfo(ctx context.Context, uid model.UID) (m laps.Metrics, err error) {
	ctx, span := s.span(ctx, "service.CheckpointInfo", uid)
	defer func() { end(span, err) }()
	return s.laps.Snapshot(ctx, uid)
}

// MarkEligible makes gift slot 1..3 collectable for uid.
func (s *Service) MarkEligible(ctx context.Context, uid model.UID, gift int) (err error) {
	ctx, span := s.span(ctx, "service.MarkEligible", uid)
	defer func() { end(span, err) }()
	span.SetAttributes(attribute.Int("gift", gift))
	return s.gifts.MarkEligible(ctx, uid, gift)
}

// CollectEligibleGifts hands out every eligible gift not collected before.
func (s *Service) CollectEligibleGifts(ctx context.Context, uid model.UID) (c gifts.Collection, err error) {
	ctx, span := s.span(ctx, "service.CollectEligibleGifts", uid)
	defer func() { end(span, err) }()
	return s.gifts.CollectEligibleGifts(ctx, uid)
}

// GiftState returns the latch row of uid.
func (s *Service) GiftState(ctx context.Context, uid model.UID) (st gifts.State, err error) {
	ctx, span := s.span(ctx, "service.GiftState", uid)
	defer func() { end(span, err) }()
	return s.gifts.State(ctx, uid)
}

// AddDonation adds delta cents to the ledger of uid.
func (s *Service) AddDonation(ctx context.Context, uid model.UID, delta donations.Cents) (r donations.Receipt, err error) {
	ctx, span := s.span(ctx, "service.AddDonation", uid)
	defer func() { end(span, err) }()
	return s.ledger.Add(ctx, uid, delta)
}

// AddDonationAmount converts a decimal amount and adds it.
func (s *Service) AddDonationAmount(ctx context.Context, uid model.UID, amount float64) (donations.Receipt, error) {
	delta, err := donations.FromAmount(amount)
	if err != nil {
		return donations.Receipt{}, err
	}
	return s.AddDonation(ctx, uid, delta)
}

// DonationTotal returns the current ledger amount of uid.
func (s *Service) DonationTotal(ctx context.Context, uid model.UID) (c donations.Cents, err error) {
	ctx, span := s.span(ctx, "service.DonationTotal", uid)
	defer func() { end(span, err) }()
	return s.ledger.Total(ctx, uid)
}

// Provision creates the gift and donation rows of uid.
func (s *Service) Provision(ctx context.Context, uid model.UID) (err error) {
	ctx, span := s.span(ctx, "service.Provision", uid)
	defer func() { end(span, err) }()
	if err := s.store.Provision(ctx, uid); err != nil {
		return fmt.Errorf("provision %d: %w", uid, err)
	}
	s.logger.Info(ctx, "participant provisioned", logger.Int64("uid", int64(uid)))
	return nil
}

// Standings returns the n fastest participants.
func (s *Service) Standings(ctx context.Context, n int) ([]model.Standing, error) {
	if n > s.maxStandingsLimit {
		return nil, fmt.Errorf("limit %d above %d: %w", n, s.maxStandingsLimit, repository.ErrInvalidLimit)
	}
	return s.standings.Top(n)
}

// Standing returns the rank of uid by fastest lap.
func (s *Service) Standing(ctx context.Context, uid model.UID) (model.Standing, error) {
	return s.standings.Rank(uid)
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
		"dedupeLen":   s.deduper.Size(),
		"ranked":      s.standings.Count(),
	}
	if s.started {
		ok, failed := s.pool.Processed()
		stats["queueLength"] = s.queue.Len(context.Background())
		stats["processed"] = ok
		stats["failed"] = failed
	}
	return stats
}
