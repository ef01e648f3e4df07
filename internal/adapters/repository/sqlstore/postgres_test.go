package sqlstore

import (
	"context"
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/okian/laufevent/internal/domain/gifts"
	"github.com/okian/laufevent/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	now := time.Date(2025, 5, 17, 12, 0, 0, 0, time.UTC)
	return New(db, Postgres, WithClock(func() time.Time { return now })), mock
}

func TestPostgresQueries(t *testing.T) {
	ctx := context.Background()
	nowUS := time.Date(2025, 5, 17, 12, 0, 0, 0, time.UTC).UnixMicro()
	at := time.Date(2025, 5, 17, 10, 5, 0, 0, time.UTC)

	Convey("Given a postgres store over sqlmock", t, func() {
		s, mock := newMockStore(t)
		Reset(func() { _ = s.Close() })

		Convey("AppendScan locks the participant, reads both neighbours and lowers the fastest lap", func() {
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(lockParticipant)).
				WithArgs(int64(42), nowUS).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery(regexp.QuoteMeta(insertScan)).
				WithArgs("scan-2", int64(42), at.UnixMicro()).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(17)))
			mock.ExpectQuery(regexp.QuoteMeta(selectPrevScan)).
				WithArgs(int64(42), at.UnixMicro(), int64(17)).
				WillReturnRows(sqlmock.NewRows([]string{"id", "scan_id", "scan_time_us"}).
					AddRow(int64(9), "scan-1", at.Add(-5*time.Minute).UnixMicro()))
			mock.ExpectQuery(regexp.QuoteMeta(selectNextScan)).
				WithArgs(int64(42), at.UnixMicro(), int64(17)).
				WillReturnRows(sqlmock.NewRows([]string{"id", "scan_id", "scan_time_us"}))
			mock.ExpectExec(regexp.QuoteMeta(lowerFastest)).
				WithArgs(int64(42), (5 * time.Minute).Microseconds(), nowUS).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery(regexp.QuoteMeta(selectFastest)).
				WithArgs(int64(42)).
				WillReturnRows(sqlmock.NewRows([]string{"fastest_lap_us"}).AddRow((5 * time.Minute).Microseconds()))
			mock.ExpectCommit()

			res, err := s.AppendScan(ctx, model.ScanEvent{ID: "scan-2", UID: 42, At: at})
			So(err, ShouldBeNil)
			So(res.Event.Seq, ShouldEqual, 17)
			So(res.Prev.ID, ShouldEqual, "scan-1")
			So(res.Next, ShouldBeNil)
			So(res.Laps(), ShouldResemble, []time.Duration{5 * time.Minute})
			So(res.Improved, ShouldBeTrue)
			So(res.HasFastest, ShouldBeTrue)
			So(res.Fastest, ShouldEqual, 5*time.Minute)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("A failing fastest-lap update rolls the appended scan back", func() {
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(lockParticipant)).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery(regexp.QuoteMeta(insertScan)).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(18)))
			mock.ExpectQuery(regexp.QuoteMeta(selectPrevScan)).
				WillReturnRows(sqlmock.NewRows([]string{"id", "scan_id", "scan_time_us"}).
					AddRow(int64(9), "scan-1", at.Add(-time.Minute).UnixMicro()))
			mock.ExpectQuery(regexp.QuoteMeta(selectNextScan)).
				WillReturnRows(sqlmock.NewRows([]string{"id", "scan_id", "scan_time_us"}))
			mock.ExpectExec(regexp.QuoteMeta(lowerFastest)).
				WillReturnError(context.DeadlineExceeded)
			mock.ExpectRollback()

			_, err := s.AppendScan(ctx, model.ScanEvent{ID: "scan-3", UID: 42, At: at})
			So(errors.Is(err, model.ErrStore), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "timeout")
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("A first scan leaves the fastest lap unset", func() {
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(lockParticipant)).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery(regexp.QuoteMeta(insertScan)).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
			mock.ExpectQuery(regexp.QuoteMeta(selectPrevScan)).
				WillReturnRows(sqlmock.NewRows([]string{"id", "scan_id", "scan_time_us"}))
			mock.ExpectQuery(regexp.QuoteMeta(selectNextScan)).
				WillReturnRows(sqlmock.NewRows([]string{"id", "scan_id", "scan_time_us"}))
			mock.ExpectQuery(regexp.QuoteMeta(selectFastest)).
				WithArgs(int64(5)).
				WillReturnRows(sqlmock.NewRows([]string{"fastest_lap_us"}).AddRow(nil))
			mock.ExpectCommit()

			res, err := s.AppendScan(ctx, model.ScanEvent{ID: "first", UID: 5, At: at})
			So(err, ShouldBeNil)
			So(res.HasFastest, ShouldBeFalse)
			So(res.Improved, ShouldBeFalse)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("A failing insert rolls back and surfaces a store error", func() {
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(lockParticipant)).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery(regexp.QuoteMeta(insertScan)).
				WillReturnError(&pgconn.PgError{Code: "40P01", Message: "deadlock detected"})
			mock.ExpectRollback()

			_, err := s.AppendScan(ctx, model.ScanEvent{ID: "x", UID: 1, At: at})
			So(errors.Is(err, model.ErrStore), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "contention")
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("LowerFastestLap reports whether the upsert changed a row", func() {
			mock.ExpectExec(regexp.QuoteMeta(lowerFastest)).
				WithArgs(int64(42), (3 * time.Minute).Microseconds(), nowUS).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(regexp.QuoteMeta(lowerFastest)).
				WithArgs(int64(42), (4 * time.Minute).Microseconds(), nowUS).
				WillReturnResult(sqlmock.NewResult(0, 0))

			changed, err := s.LowerFastestLap(ctx, 42, 3*time.Minute)
			So(err, ShouldBeNil)
			So(changed, ShouldBeTrue)
			changed, err = s.LowerFastestLap(ctx, 42, 4*time.Minute)
			So(err, ShouldBeNil)
			So(changed, ShouldBeFalse)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("FastestLap treats NULL and missing rows as unset", func() {
			mock.ExpectQuery(regexp.QuoteMeta(selectFastest)).
				WithArgs(int64(1)).
				WillReturnRows(sqlmock.NewRows([]string{"fastest_lap_us"}).AddRow(nil))
			mock.ExpectQuery(regexp.QuoteMeta(selectFastest)).
				WithArgs(int64(2)).
				WillReturnRows(sqlmock.NewRows([]string{"fastest_lap_us"}))

			_, ok, err := s.FastestLap(ctx, 1)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
			_, ok, err = s.FastestLap(ctx, 2)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("CollectEligible runs one compare-and-set per slot", func() {
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(collectSlotQuery(1))).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(regexp.QuoteMeta(collectSlotQuery(2))).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(regexp.QuoteMeta(collectSlotQuery(3))).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(regexp.QuoteMeta(selectGiftState)).WithArgs(int64(3)).
				WillReturnRows(sqlmock.NewRows([]string{"gift_1", "gift_2", "gift_3", "gift_1_collected", "gift_2_collected", "gift_3_collected"}).
					AddRow(true, false, true, true, false, true))
			mock.ExpectCommit()

			c, err := s.CollectEligible(ctx, 3)
			So(err, ShouldBeNil)
			So(c, ShouldResemble, gifts.Collection{gifts.JustCollected, gifts.NotEligible, gifts.AlreadyCollected})
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("CollectEligible without a row is not found", func() {
			mock.ExpectBegin()
			for slot := 1; slot <= gifts.Slots; slot++ {
				mock.ExpectExec(regexp.QuoteMeta(collectSlotQuery(slot))).WillReturnResult(sqlmock.NewResult(0, 0))
			}
			mock.ExpectQuery(regexp.QuoteMeta(selectGiftState)).WillReturnRows(sqlmock.NewRows([]string{"gift_1"}))
			mock.ExpectRollback()

			_, err := s.CollectEligible(ctx, 3)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("MarkEligible targets the slot column", func() {
			So(markEligibleQuery(2), ShouldEqual, `UPDATE user_gifts SET gift_2 = TRUE WHERE uid = $1`)
			mock.ExpectExec(regexp.QuoteMeta(markEligibleQuery(2))).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))
			err := s.MarkEligible(ctx, 5, 2)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)

			So(errors.Is(s.MarkEligible(ctx, 5, 4), model.ErrInvalidArgument), ShouldBeTrue)
		})

		Convey("AddDonation derives the previous amount from the returned total", func() {
			mock.ExpectQuery(regexp.QuoteMeta(addDonation)).
				WithArgs(int64(1500), int64(7), int64(math.MaxInt64-1500)).
				WillReturnRows(sqlmock.NewRows([]string{"amount_cents"}).AddRow(int64(2000)))

			r, err := s.AddDonation(ctx, 7, 1500)
			So(err, ShouldBeNil)
			So(r.Previous, ShouldEqual, 500)
			So(r.New, ShouldEqual, 2000)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("AddDonation without a row is not found", func() {
			mock.ExpectQuery(regexp.QuoteMeta(addDonation)).
				WillReturnRows(sqlmock.NewRows([]string{"amount_cents"}))
			mock.ExpectQuery(regexp.QuoteMeta(selectDonation)).
				WithArgs(int64(7)).
				WillReturnRows(sqlmock.NewRows([]string{"amount_cents"}))
			_, err := s.AddDonation(ctx, 7, 100)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("AddDonation that would overflow the total is rejected", func() {
			mock.ExpectQuery(regexp.QuoteMeta(addDonation)).
				WithArgs(int64(100), int64(7), int64(math.MaxInt64-100)).
				WillReturnRows(sqlmock.NewRows([]string{"amount_cents"}))
			mock.ExpectQuery(regexp.QuoteMeta(selectDonation)).
				WithArgs(int64(7)).
				WillReturnRows(sqlmock.NewRows([]string{"amount_cents"}).AddRow(int64(math.MaxInt64 - 50)))
			_, err := s.AddDonation(ctx, 7, 100)
			So(errors.Is(err, model.ErrInvalidArgument), ShouldBeTrue)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("Provision inserts both rows in one transaction", func() {
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(provisionGifts)).WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec(regexp.QuoteMeta(provisionDonations)).WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()
			So(s.Provision(ctx, 9), ShouldBeNil)
			So(mock.ExpectationsWereMet(), ShouldBeNil)
		})

		Convey("LastNScans keeps the query order", func() {
			mock.ExpectQuery(regexp.QuoteMeta(selectLastScans)).
				WithArgs(int64(42), 2).
				WillReturnRows(sqlmock.NewRows([]string{"id", "scan_id", "scan_time_us"}).
					AddRow(int64(3), "c", at.Add(3*time.Minute).UnixMicro()).
					AddRow(int64(2), "b", at.UnixMicro()))
			seq, err := s.LastNScans(ctx, 42, 2)
			So(err, ShouldBeNil)
			var ids []string
			for ev := range seq {
				ids = append(ids, ev.ID)
			}
			So(ids, ShouldResemble, []string{"c", "b"})
		})
	})

	Convey("errorKind classifies driver errors", t, func() {
		So(errorKind(context.DeadlineExceeded), ShouldEqual, "timeout")
		So(errorKind(&pgconn.PgError{Code: "23505"}), ShouldEqual, "constraint")
		So(errorKind(&pgconn.PgError{Code: "XX000"}), ShouldEqual, "sqlstate_XX000")
		So(errorKind(errors.New("boom")), ShouldEqual, "driver")
	})
}
