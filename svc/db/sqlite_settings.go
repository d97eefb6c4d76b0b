package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Operator-tunable settings live in a key/value table so limits can be
// changed without a restart. Absent keys are not an error; callers
// fall back to compiled defaults.

func (s *SQLite) GetSetting(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkCircuit(); err != nil {
		return "", false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var value string
	err := s.db.QueryRowContext(queryCtx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	s.recordError(err)
	if err != nil {
		return "", false, errors.Wrap(err, "get setting")
	}
	return value, true, nil
}

func (s *SQLite) SetSetting(ctx context.Context, key, value string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	s.recordError(err)
	return errors.Wrap(err, "set setting")
}

func (s *SQLite) AllSettings(ctx context.Context) (map[string]string, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `SELECT key, value FROM settings`)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "all settings")
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return out, errors.Wrap(err, "scan setting")
		}
		out[k] = v
	}
	return out, errors.Wrap(rows.Err(), "settings rows")
}
