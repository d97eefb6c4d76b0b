package db

import "context"

// Ping issues a trivial query so health checks exercise the actual
// connection rather than the pool's idle state.
func (s *SQLite) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	return nil
}
