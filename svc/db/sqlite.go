package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"bindrop/pkg/domain"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := s.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS drops (
		id TEXT PRIMARY KEY,
		kind INTEGER NOT NULL DEFAULT 0,
		payload BLOB,
		blob_key TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		file_mime TEXT NOT NULL DEFAULT '',
		server_key_enc BLOB NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		burn_after_read INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		view_count INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_drops_expires_at ON drops(expires_at);

	CREATE TABLE IF NOT EXISTS rate_events (
		address TEXT NOT NULL,
		action TEXT NOT NULL,
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_events ON rate_events(address, action, at);

	CREATE TABLE IF NOT EXISTS blocked_addresses (
		address TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		blocked_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLite) CreateDrop(ctx context.Context, d *domain.Drop) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO drops (id, kind, payload, blob_key, language, title, file_name, file_size, file_mime,
		server_key_enc, password_hash, burn_after_read, created_at, expires_at, view_count, is_deleted)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
	`
	var expiresAt interface{}
	if !d.ExpiresAt.IsZero() {
		expiresAt = d.ExpiresAt
	}
	_, err := s.db.ExecContext(queryCtx, q,
		d.ID, int(d.Kind), d.Payload, d.BlobKey, d.Language, d.Title, d.FileName, d.FileSize, d.FileMime,
		d.ServerKeyEnc, d.PasswordHash, boolToInt(d.BurnAfterRead), d.CreatedAt, expiresAt,
	)
	s.recordError(err)
	return errors.Wrap(err, "db create drop")
}

// GetDrop returns a live record. Tombstoned rows are indistinguishable
// from absent ones; expiry is the caller's check so the tombstone side
// effect stays in one place.
func (s *SQLite) GetDrop(ctx context.Context, id string) (*domain.Drop, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, kind, payload, blob_key, language, title, file_name, file_size, file_mime,
		server_key_enc, password_hash, burn_after_read, created_at, expires_at, view_count, is_deleted
	FROM drops WHERE id = ? AND is_deleted = 0
	`
	var d domain.Drop
	var kind, burn, deleted int
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(
		&d.ID, &kind, &d.Payload, &d.BlobKey, &d.Language, &d.Title, &d.FileName, &d.FileSize, &d.FileMime,
		&d.ServerKeyEnc, &d.PasswordHash, &burn, &d.CreatedAt, &expiresAt, &d.ViewCount, &deleted,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get drop")
	}
	d.Kind = domain.Kind(kind)
	d.BurnAfterRead = burn == 1
	d.IsDeleted = deleted == 1
	if expiresAt.Valid {
		d.ExpiresAt = expiresAt.Time
	}
	return &d, nil
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM drops WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

// IncrementViews is the one operation that must be atomic: concurrent
// readers of a burn-after-read drop are serialized by this single
// UPDATE...RETURNING, so each caller observes a distinct count.
func (s *SQLite) IncrementViews(ctx context.Context, id string) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE drops SET view_count = view_count + 1 WHERE id = ? AND is_deleted = 0 RETURNING view_count`
	var views int
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(&views)
	if err == sql.ErrNoRows {
		return 0, domain.ErrNotFound
	}
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "increment views")
	}
	return views, nil
}

// MarkDeleted is the shared idempotent tombstone transition used by
// lazy expiry, burn-after-read, admin deletion, and the sweep.
func (s *SQLite) MarkDeleted(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `UPDATE drops SET is_deleted = 1 WHERE id = ? AND is_deleted = 0`, id)
	s.recordError(err)
	return errors.Wrap(err, "mark deleted")
}

// ExpiredRef identifies a newly tombstoned drop whose backing blob (if
// any) should be purged.
type ExpiredRef struct {
	ID      string
	Kind    domain.Kind
	BlobKey string
}

// SweepExpired tombstones every live drop past its expiry in one
// statement and reports the affected rows.
func (s *SQLite) SweepExpired(ctx context.Context, now time.Time) ([]ExpiredRef, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE drops SET is_deleted = 1
	WHERE is_deleted = 0 AND expires_at IS NOT NULL AND expires_at < ?
	RETURNING id, kind, blob_key
	`
	rows, err := s.db.QueryContext(queryCtx, q, now)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "sweep expired")
	}
	defer rows.Close()
	var refs []ExpiredRef
	for rows.Next() {
		var ref ExpiredRef
		var kind int
		if err := rows.Scan(&ref.ID, &kind, &ref.BlobKey); err != nil {
			return refs, errors.Wrap(err, "scan expired ref")
		}
		ref.Kind = domain.Kind(kind)
		refs = append(refs, ref)
	}
	return refs, errors.Wrap(rows.Err(), "sweep rows")
}

// PurgeTombstones physically removes tombstoned rows in small batches
// so a large backlog cannot hold the write lock.
func (s *SQLite) PurgeTombstones(ctx context.Context, olderThan time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	maxIterations := 10000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM drops
			WHERE id IN (
				SELECT id FROM drops
				WHERE is_deleted = 1 AND created_at < ?
				LIMIT 100
			)
		`, olderThan)
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "purge batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return totalDeleted, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
