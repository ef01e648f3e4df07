package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/okian/laufevent/internal/domain/model"
	"github.com/okian/laufevent/pkg/logger"
	"github.com/okian/laufevent/pkg/metrics"
)

// errorKind gives a short label for a driver error.
func errorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "40001", "40P01", "55P03":
			return "contention"
		case "23505", "23514":
			return "constraint"
		case "57014":
			return "canceled"
		}
		return "sqlstate_" + pgErr.Code
	}

	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return "contention"
		case sqlite3lib.SQLITE_CONSTRAINT:
			return "constraint"
		}
		return fmt.Sprintf("sqlite_%d", sqliteErr.Code())
	}
	return "driver"
}

// fail wraps a driver error as model.ErrStore and records it.
func (s *Store) fail(ctx context.Context, op string, err error) error {
	kind := errorKind(err)
	metrics.RecordErrorByComponent("sqlstore", kind)
	s.log.Error(ctx, "sql call failed",
		logger.String("op", op),
		logger.String("dialect", string(s.dialect)),
		logger.String("kind", kind),
		logger.Error(err))
	return fmt.Errorf("%s (%s): %w: %w", op, kind, model.ErrStore, err)
}
