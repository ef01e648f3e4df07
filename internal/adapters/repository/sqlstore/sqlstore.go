// Package sqlstore persists the scan log and participant ledgers through
// database/sql. Queries are shared between SQLite (modernc.org/sqlite) and
// PostgreSQL (pgx stdlib); only the schema differs per dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/okian/laufevent/internal/adapters/repository"
	"github.com/okian/laufevent/internal/adapters/repository/sqlstore/migrations"
	"github.com/okian/laufevent/internal/domain/donations"
	"github.com/okian/laufevent/internal/domain/gifts"
	"github.com/okian/laufevent/internal/domain/model"
	"github.com/okian/laufevent/pkg/logger"
)

// Dialect selects the schema and driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func (d Dialect) driver() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// Store is a repository.Store over a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	log     logger.Logger
}

var _ repository.Store = (*Store)(nil)

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the clock used for bookkeeping columns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps an open handle without running migrations.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, now: time.Now, log: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects, pings and migrates. For SQLite dsn is a file path.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}
	switch dialect {
	case SQLite:
		dsn = sqliteDSN(dsn)
	case Postgres:
	default:
		return nil, fmt.Errorf("sqlstore: unknown dialect %q", dialect)
	}

	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// One writer at a time; a single connection also keeps tx and
		// non-tx statements from waiting on each other's locks.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	if err := applyMigrations(ctx, db, migrations.FS, string(dialect)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dialect, err)
	}
	s := New(db, dialect, opts...)
	s.log.Info(ctx, "sql store ready", logger.String("dialect", string(dialect)))
	return s, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") || strings.HasPrefix(path, "file:") {
		return path
	}
	return filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_txlock=immediate"
}

// Close closes the handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.fail(ctx, "ping", err)
	}
	return nil
}

func (s *Store) nowUS() int64 { return s.now().UTC().UnixMicro() }

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail(ctx, op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrStore) || errors.Is(err, model.ErrInvalidState) {
			return err
		}
		return s.fail(ctx, op, err)
	}
	if err := tx.Commit(); err != nil {
		return s.fail(ctx, op, err)
	}
	return nil
}

const (
	lockParticipant = `INSERT INTO lap_records (uid, updated_us) VALUES ($1, $2)
ON CONFLICT (uid) DO UPDATE SET updated_us = excluded.updated_us`

	insertScan = `INSERT INTO rounds (scan_id, uid, scan_time_us) VALUES ($1, $2, $3) RETURNING id`

	selectPrevScan = `SELECT id, scan_id, scan_time_us FROM rounds
WHERE uid = $1 AND (scan_time_us < $2 OR (scan_time_us = $2 AND id < $3))
ORDER BY scan_time_us DESC, id DESC LIMIT 1`

	selectNextScan = `SELECT id, scan_id, scan_time_us FROM rounds
WHERE uid = $1 AND (scan_time_us > $2 OR (scan_time_us = $2 AND id > $3))
ORDER BY scan_time_us ASC, id ASC LIMIT 1`

	selectLastScans = `SELECT id, scan_id, scan_time_us FROM rounds
WHERE uid = $1 ORDER BY scan_time_us DESC, id DESC LIMIT $2`

	countScans = `SELECT COUNT(*) FROM rounds WHERE uid = $1`
)

// AppendScan inserts the scan, reads its neighbours and lowers the fastest
// lap while holding the participant's lap_records row, so appends for one
// uid are serialized and a committed scan always reaches the cached value.
func (s *Store) AppendScan(ctx context.Context, ev model.ScanEvent) (model.AppendResult, error) {
	ev.At = model.Normalize(ev.At)
	atUS := ev.At.UnixMicro()
	var res model.AppendResult
	err := s.inTx(ctx, "append_scan", func(tx *sql.Tx) error {
		nowUS := s.nowUS()
		if _, err := tx.ExecContext(ctx, lockParticipant, int64(ev.UID), nowUS); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, insertScan, ev.ID, int64(ev.UID), atUS).Scan(&ev.Seq); err != nil {
			return err
		}
		res.Event = ev
		var err error
		if res.Prev, err = neighbour(ctx, tx, selectPrevScan, ev.UID, atUS, ev.Seq); err != nil {
			return err
		}
		if res.Next, err = neighbour(ctx, tx, selectNextScan, ev.UID, atUS, ev.Seq); err != nil {
			return err
		}
		best, ok, err := res.BestLap()
		if err != nil {
			return err
		}
		if ok {
			if res.Improved, err = lowerFastestIn(ctx, tx, ev.UID, best, nowUS); err != nil {
				return err
			}
		}
		res.Fastest, res.HasFastest, err = fastestIn(ctx, tx, ev.UID)
		return err
	})
	if err != nil {
		return model.AppendResult{}, err
	}
	return res, nil
}

func neighbour(ctx context.Context, tx *sql.Tx, query string, uid model.UID, atUS, seq int64) (*model.ScanEvent, error) {
	ev := model.ScanEvent{UID: uid}
	var us int64
	err := tx.QueryRowContext(ctx, query, int64(uid), atUS, seq).Scan(&ev.Seq, &ev.ID, &us)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev.At = time.UnixMicro(us).UTC()
	return &ev, nil
}

func (s *Store) LastNScans(ctx context.Context, uid model.UID, n int) (iter.Seq[model.ScanEvent], error) {
	if n <= 0 {
		return slices.Values([]model.ScanEvent(nil)), nil
	}
	rows, err := s.db.QueryContext(ctx, selectLastScans, int64(uid), n)
	if err != nil {
		return nil, s.fail(ctx, "last_n_scans", err)
	}
	defer rows.Close()

	out := make([]model.ScanEvent, 0, n)
	for rows.Next() {
		ev := model.ScanEvent{UID: uid}
		var us int64
		if err := rows.Scan(&ev.Seq, &ev.ID, &us); err != nil {
			return nil, s.fail(ctx, "last_n_scans", err)
		}
		ev.At = time.UnixMicro(us).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, "last_n_scans", err)
	}
	return slices.Values(out), nil
}

func (s *Store) RoundCount(ctx context.Context, uid model.UID) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, countScans, int64(uid)).Scan(&n); err != nil {
		return 0, s.fail(ctx, "round_count", err)
	}
	return n, nil
}

const (
	selectFastest = `SELECT fastest_lap_us FROM lap_records WHERE uid = $1`

	lowerFastest = `INSERT INTO lap_records (uid, fastest_lap_us, updated_us) VALUES ($1, $2, $3)
ON CONFLICT (uid) DO UPDATE SET fastest_lap_us = excluded.fastest_lap_us, updated_us = excluded.updated_us
WHERE lap_records.fastest_lap_us IS NULL OR excluded.fastest_lap_us < lap_records.fastest_lap_us`

	listFastest = `SELECT uid, fastest_lap_us FROM lap_records WHERE fastest_lap_us IS NOT NULL ORDER BY fastest_lap_us, uid`
)

type execQueryer interface {
	queryRower
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func fastestIn(ctx context.Context, q queryRower, uid model.UID) (time.Duration, bool, error) {
	var us sql.NullInt64
	err := q.QueryRowContext(ctx, selectFastest, int64(uid)).Scan(&us)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !us.Valid) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return time.Duration(us.Int64) * time.Microsecond, true, nil
}

// lowerFastestIn is a single conditional upsert; the row count tells
// whether the stored value changed.
func lowerFastestIn(ctx context.Context, q execQueryer, uid model.UID, lap time.Duration, nowUS int64) (bool, error) {
	res, err := q.ExecContext(ctx, lowerFastest, int64(uid), lap.Microseconds(), nowUS)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) FastestLap(ctx context.Context, uid model.UID) (time.Duration, bool, error) {
	d, ok, err := fastestIn(ctx, s.db, uid)
	if err != nil {
		return 0, false, s.fail(ctx, "fastest_lap", err)
	}
	return d, ok, nil
}

func (s *Store) LowerFastestLap(ctx context.Context, uid model.UID, lap time.Duration) (bool, error) {
	changed, err := lowerFastestIn(ctx, s.db, uid, lap, s.nowUS())
	if err != nil {
		return false, s.fail(ctx, "lower_fastest_lap", err)
	}
	return changed, nil
}

func (s *Store) ListFastestLaps(ctx context.Context) ([]model.Standing, error) {
	rows, err := s.db.QueryContext(ctx, listFastest)
	if err != nil {
		return nil, s.fail(ctx, "list_fastest_laps", err)
	}
	defer rows.Close()
	var out []model.Standing
	for rows.Next() {
		var uid, us int64
		if err := rows.Scan(&uid, &us); err != nil {
			return nil, s.fail(ctx, "list_fastest_laps", err)
		}
		out = append(out, model.Standing{UID: model.UID(uid), FastestLap: time.Duration(us) * time.Microsecond})
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, "list_fastest_laps", err)
	}
	return out, nil
}

var (
	eligibleColumn  = [gifts.Slots]string{"gift_1", "gift_2", "gift_3"}
	collectedColumn = [gifts.Slots]string{"gift_1_collected", "gift_2_collected", "gift_3_collected"}
)

const (
	provisionGifts     = `INSERT INTO user_gifts (uid) VALUES ($1) ON CONFLICT (uid) DO NOTHING`
	provisionDonations = `INSERT INTO user_donations (uid, amount_cents) VALUES ($1, 0) ON CONFLICT (uid) DO NOTHING`

	selectGiftState = `SELECT gift_1, gift_2, gift_3, gift_1_collected, gift_2_collected, gift_3_collected
FROM user_gifts WHERE uid = $1`

	addDonation = `UPDATE user_donations SET amount_cents = amount_cents + $1
WHERE uid = $2 AND amount_cents <= $3 RETURNING amount_cents`

	selectDonation = `SELECT amount_cents FROM user_donations WHERE uid = $1`
)

func markEligibleQuery(slot int) string {
	return `UPDATE user_gifts SET ` + eligibleColumn[slot-1] + ` = TRUE WHERE uid = $1`
}

// collectSlotQuery flips one slot only if it is eligible and not yet collected.
func collectSlotQuery(slot int) string {
	col := collectedColumn[slot-1]
	return `UPDATE user_gifts SET ` + col + ` = TRUE WHERE uid = $1 AND ` + eligibleColumn[slot-1] + ` AND NOT ` + col
}

func (s *Store) Provision(ctx context.Context, uid model.UID) error {
	return s.inTx(ctx, "provision", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, provisionGifts, int64(uid)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, provisionDonations, int64(uid))
		return err
	})
}

func (s *Store) MarkEligible(ctx context.Context, uid model.UID, slot int) error {
	if err := gifts.ValidSlot(slot); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, markEligibleQuery(slot), int64(uid))
	if err != nil {
		return s.fail(ctx, "mark_eligible", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.fail(ctx, "mark_eligible", err)
	}
	if n == 0 {
		return fmt.Errorf("gifts for %d: %w", uid, model.ErrNotFound)
	}
	return nil
}

// CollectEligible runs one compare-and-set per slot, then classifies the
// slots that did not flip from the row as it stands.
func (s *Store) CollectEligible(ctx context.Context, uid model.UID) (gifts.Collection, error) {
	var c gifts.Collection
	err := s.inTx(ctx, "collect_gifts", func(tx *sql.Tx) error {
		var flipped [gifts.Slots]bool
		for slot := 1; slot <= gifts.Slots; slot++ {
			res, err := tx.ExecContext(ctx, collectSlotQuery(slot), int64(uid))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			flipped[slot-1] = n == 1
		}
		st, err := giftState(ctx, tx, uid)
		if err != nil {
			return err
		}
		for i := range gifts.Slots {
			switch {
			case flipped[i]:
				c[i] = gifts.JustCollected
			case !st.Eligible[i]:
				c[i] = gifts.NotEligible
			default:
				c[i] = gifts.AlreadyCollected
			}
		}
		return nil
	})
	if err != nil {
		return gifts.Collection{}, err
	}
	return c, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func giftState(ctx context.Context, q queryRower, uid model.UID) (gifts.State, error) {
	var st gifts.State
	err := q.QueryRowContext(ctx, selectGiftState, int64(uid)).Scan(
		&st.Eligible[0], &st.Eligible[1], &st.Eligible[2],
		&st.Collected[0], &st.Collected[1], &st.Collected[2],
	)
	if errors.Is(err, sql.ErrNoRows) {
		return gifts.State{}, fmt.Errorf("gifts for %d: %w", uid, model.ErrNotFound)
	}
	return st, err
}

func (s *Store) GiftState(ctx context.Context, uid model.UID) (gifts.State, error) {
	st, err := giftState(ctx, s.db, uid)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return gifts.State{}, s.fail(ctx, "gift_state", err)
	}
	return st, err
}

// AddDonation is one UPDATE ... RETURNING; the previous amount is derived
// from the returned total so no read-modify-write window exists. The update
// only matches while the total has room for delta.
func (s *Store) AddDonation(ctx context.Context, uid model.UID, delta donations.Cents) (donations.Receipt, error) {
	if delta <= 0 {
		return donations.Receipt{}, fmt.Errorf("donation delta %s must be positive: %w", delta, model.ErrInvalidArgument)
	}
	var total int64
	err := s.db.QueryRowContext(ctx, addDonation, int64(delta), int64(uid), int64(math.MaxInt64-delta)).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		cur, derr := s.Donation(ctx, uid)
		if derr != nil {
			return donations.Receipt{}, derr
		}
		return donations.Receipt{}, fmt.Errorf("donations for %d: adding %s to %s overflows: %w", uid, delta, cur, model.ErrInvalidArgument)
	}
	if err != nil {
		return donations.Receipt{}, s.fail(ctx, "add_donation", err)
	}
	return donations.Receipt{
		UID:      uid,
		Previous: donations.Cents(total) - delta,
		Delta:    delta,
		New:      donations.Cents(total),
	}, nil
}

func (s *Store) Donation(ctx context.Context, uid model.UID) (donations.Cents, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, selectDonation, int64(uid)).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("donations for %d: %w", uid, model.ErrNotFound)
	}
	if err != nil {
		return 0, s.fail(ctx, "donation", err)
	}
	return donations.Cents(total), nil
}
