package db

import (
	"context"
	"database/sql"
	"time"

	"bindrop/pkg/domain"

	"github.com/pkg/errors"
)

// Rate-limit bookkeeping and the denylist. These tables are advisory:
// callers in svc/lim degrade gracefully when they error, so every
// method simply reports what happened and lets the limiter decide.

func (s *SQLite) IsBlocked(ctx context.Context, address string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var one int
	err := s.db.QueryRowContext(queryCtx,
		`SELECT 1 FROM blocked_addresses WHERE address = ? LIMIT 1`, address).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "blocked lookup")
	}
	return true, nil
}

func (s *SQLite) BlockAddress(ctx context.Context, address, reason string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `
		INSERT INTO blocked_addresses (address, reason, blocked_at) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET reason = excluded.reason
	`, address, reason, time.Now())
	s.recordError(err)
	return errors.Wrap(err, "block address")
}

func (s *SQLite) UnblockAddress(ctx context.Context, address string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx,
		`DELETE FROM blocked_addresses WHERE address = ?`, address)
	s.recordError(err)
	return errors.Wrap(err, "unblock address")
}

func (s *SQLite) ListBlocked(ctx context.Context) ([]domain.BlockedAddress, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx,
		`SELECT address, reason, blocked_at FROM blocked_addresses ORDER BY blocked_at DESC`)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list blocked")
	}
	defer rows.Close()
	var out []domain.BlockedAddress
	for rows.Next() {
		var b domain.BlockedAddress
		if err := rows.Scan(&b.Address, &b.Reason, &b.BlockedAt); err != nil {
			return out, errors.Wrap(err, "scan blocked")
		}
		out = append(out, b)
	}
	return out, errors.Wrap(rows.Err(), "blocked rows")
}

func (s *SQLite) CountRateEvents(ctx context.Context, address, action string, since time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var count int
	err := s.db.QueryRowContext(queryCtx,
		`SELECT COUNT(*) FROM rate_events WHERE address = ? AND action = ? AND at >= ?`,
		address, action, since).Scan(&count)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "count rate events")
	}
	return count, nil
}

func (s *SQLite) RecordRateEvent(ctx context.Context, address, action string, at time.Time) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx,
		`INSERT INTO rate_events (address, action, at) VALUES (?, ?, ?)`,
		address, action, at)
	s.recordError(err)
	return errors.Wrap(err, "record rate event")
}

// PurgeRateEvents drops entries older than the widest window for one
// (address, action) pair. Called opportunistically on each check.
func (s *SQLite) PurgeRateEvents(ctx context.Context, address, action string, before time.Time) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx,
		`DELETE FROM rate_events WHERE address = ? AND action = ? AND at < ?`,
		address, action, before)
	s.recordError(err)
	return errors.Wrap(err, "purge rate events")
}

// PurgeAllRateEvents is the sweep-time global prune.
func (s *SQLite) PurgeAllRateEvents(ctx context.Context, before time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	result, err := s.db.ExecContext(queryCtx,
		`DELETE FROM rate_events WHERE at < ?`, before)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "purge all rate events")
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
