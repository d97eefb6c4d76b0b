package svc

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bindrop/cfg"
	"bindrop/metrics"
	"bindrop/pkg/crypto"
	"bindrop/pkg/domain"
	"bindrop/pkg/kms"
	"bindrop/svc/blob"
	"bindrop/svc/db"
	"bindrop/svc/util"

	"github.com/pkg/errors"
)

// burnRevealLimit is how many successful content reads a
// burn-after-read drop serves before it is destroyed.
const burnRevealLimit = 2

// BlobStore is the ciphertext backend for file drops. Text drop
// payloads live inline in SQLite and never touch it.
type BlobStore interface {
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Drops owns the full drop lifecycle. Every stored payload carries the
// mandatory server-key layer; the optional password layer sits on top
// of it, so possession of the ciphertext alone never yields plaintext.
type Drops struct {
	db       *db.SQLite
	blobs    BlobStore
	keyCache *kms.KeyCache
	kmsAd    *kms.Adapter
	settings *Settings
	cfg      *cfg.Cfg
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewDrops(sqlDB *db.SQLite, blobs BlobStore, kmsAdapter *kms.Adapter, settings *Settings, c *cfg.Cfg) *Drops {
	if sqlDB == nil || kmsAdapter == nil || settings == nil || c == nil {
		panic("drop service: nil dependency (db, kmsAdapter, settings, or cfg)")
	}
	return &Drops{
		db:       sqlDB,
		blobs:    blobs,
		keyCache: kms.NewKeyCache(kmsAdapter, c.KeyCacheTTL),
		kmsAd:    kmsAdapter,
		settings: settings,
		cfg:      c,
	}
}

func (s *Drops) Shutdown() {
	s.shutdown.Store(true)
	s.opWg.Wait()
	s.keyCache.Stop()
	util.Debug().Msg("drop service shutdown complete")
}

// Create validates the request, seals the content under a fresh server
// key (plus the password layer when one is given), wraps the server
// key for storage, and persists the drop. The plaintext server key is
// wiped before returning.
func (s *Drops) Create(ctx context.Context, params domain.CreateParams) (*domain.Drop, error) {
	if s.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	s.opWg.Add(1)
	defer s.opWg.Done()

	if len(params.Content) == 0 {
		return nil, domain.ErrContentRequired
	}
	switch params.Kind {
	case domain.KindText:
		if int64(len(params.Content)) > s.settings.MaxTextSize(ctx) {
			return nil, domain.ErrContentTooLarge
		}
	case domain.KindFile:
		if int64(len(params.Content)) > s.settings.MaxFileSize(ctx) {
			return nil, domain.ErrContentTooLarge
		}
		ext := strings.ToLower(filepath.Ext(params.FileName))
		if ext == "" || !s.settings.AllowedExts(ctx)[ext] {
			return nil, domain.ErrInvalidFileType
		}
	default:
		return nil, domain.ErrInvalidRequest
	}

	ttl := params.Duration
	if ttl == 0 {
		ttl = s.settings.DefaultTTL(ctx)
	}
	if ttl < 0 || ttl > s.settings.MaxTTL(ctx) {
		return nil, domain.ErrInvalidExpiration
	}

	id, err := util.GenID(ctx, s.db.Exists)
	if err != nil {
		return nil, errors.Wrap(err, "gen id")
	}

	serverKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate server key")
	}
	defer util.Wipe(serverKey)

	payload, err := crypto.Seal(params.Content, serverKey, params.Password)
	if err != nil {
		return nil, errors.Wrap(err, "seal content")
	}
	metrics.EncryptionOps.WithLabelValues("seal").Inc()

	serverKeyEnc, err := s.kmsAd.Encrypt(ctx, serverKey)
	if err != nil {
		return nil, errors.Wrap(err, "wrap server key")
	}

	var pwHash string
	if params.Password != "" {
		pwHash, err = crypto.HashPassword(params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "hash password")
		}
	}

	now := time.Now().UTC()
	drop := &domain.Drop{
		ID:            id,
		Kind:          params.Kind,
		Language:      params.Language,
		Title:         params.Title,
		ServerKeyEnc:  serverKeyEnc,
		PasswordHash:  pwHash,
		BurnAfterRead: params.BurnAfterRead,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	if params.Kind == domain.KindFile {
		if s.blobs == nil {
			return nil, errors.New("file drops require blob storage")
		}
		drop.FileName = filepath.Base(params.FileName)
		drop.FileSize = int64(len(params.Content))
		drop.FileMime = params.FileMime
		drop.BlobKey = blob.KeyFor(id)
		if err := s.blobs.Put(ctx, drop.BlobKey, payload); err != nil {
			return nil, errors.Wrap(err, "store blob")
		}
	} else {
		drop.Payload = payload
	}

	if err := s.db.CreateDrop(ctx, drop); err != nil {
		if drop.BlobKey != "" {
			if derr := s.blobs.Delete(ctx, drop.BlobKey); derr != nil {
				util.Warn().Err(derr).Str("id", id).Msg("failed to roll back orphaned blob")
			}
		}
		return nil, errors.Wrap(err, "create drop")
	}
	metrics.DropCreated.WithLabelValues(params.Kind.String()).Inc()
	util.Info().Str("id", id).Str("kind", params.Kind.String()).
		Bool("protected", pwHash != "").Bool("burn", params.BurnAfterRead).
		Msg("drop created")
	return drop, nil
}

// Read reveals the content of a drop. For password-protected drops the
// caller must supply the password; the hash check runs before any key
// unwrap so wrong passwords never reach the KMS.
//
// The view counter increments only on reads that reveal content, via a
// single atomic increment-and-fetch, which is what keeps concurrent
// burn-after-read requests honest: exactly two of them see content.
func (s *Drops) Read(ctx context.Context, id, password string) (*domain.Revealed, error) {
	if s.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	s.opWg.Add(1)
	defer s.opWg.Done()

	drop, err := s.db.GetDrop(ctx, id)
	if err != nil {
		return nil, err
	}
	if drop.Expired(time.Now().UTC()) {
		s.tombstone(ctx, drop, "expired")
		metrics.DropExpired.Inc()
		return nil, domain.ErrNotFound
	}

	if drop.Protected() {
		if password == "" {
			return nil, domain.ErrPasswordRequired
		}
		if !crypto.VerifyPassword(password, drop.PasswordHash) {
			metrics.UnlockFailures.Inc()
			return nil, domain.ErrIncorrectPassword
		}
	} else {
		// An unprotected payload has no password layer; a superfluous
		// password from the caller must not change how it opens.
		password = ""
	}

	serverKey, err := s.keyCache.Unwrap(ctx, drop.ServerKeyEnc)
	if err != nil {
		return nil, errors.Wrap(err, "unwrap server key")
	}
	defer util.Wipe(serverKey)

	payload := drop.Payload
	if drop.Kind == domain.KindFile {
		if s.blobs == nil {
			return nil, domain.ErrInternal
		}
		payload, err = s.blobs.Get(ctx, drop.BlobKey)
		if err != nil {
			return nil, errors.Wrap(err, "fetch blob")
		}
	}

	content, err := crypto.Open(payload, serverKey, password)
	if err != nil {
		if errors.Is(err, crypto.ErrDecrypt) {
			// Hash verified but the layer would not open: stored
			// ciphertext or key material is damaged.
			util.Error().Str("id", id).Msg("payload failed authenticated decryption")
			return nil, domain.ErrDecryptionFailed
		}
		return nil, errors.Wrap(err, "open payload")
	}
	metrics.EncryptionOps.WithLabelValues("open").Inc()

	views, err := s.db.IncrementViews(ctx, id)
	if err != nil {
		// A concurrent burn or delete won the race; this reader gets
		// nothing.
		util.Wipe(content)
		if errors.Is(errors.Cause(err), domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, errors.Wrap(err, "increment views")
	}

	burned := false
	if drop.BurnAfterRead {
		if views > burnRevealLimit {
			util.Wipe(content)
			return nil, domain.ErrNotFound
		}
		if views == burnRevealLimit {
			s.tombstone(ctx, drop, "burned")
			metrics.DropBurned.Inc()
			burned = true
		}
	}

	drop.ViewCount = views
	metrics.DropRetrieved.Inc()
	return &domain.Revealed{Meta: drop.Meta(), Content: content, Burned: burned}, nil
}

// Meta returns what a drop admits about itself without a password.
// Metadata reads never touch the view counter.
func (s *Drops) Meta(ctx context.Context, id string) (*domain.Meta, error) {
	drop, err := s.db.GetDrop(ctx, id)
	if err != nil {
		return nil, err
	}
	if drop.Expired(time.Now().UTC()) {
		s.tombstone(ctx, drop, "expired")
		metrics.DropExpired.Inc()
		return nil, domain.ErrNotFound
	}
	m := drop.Meta()
	return &m, nil
}

// AdminDelete tombstones a drop on operator request.
func (s *Drops) AdminDelete(ctx context.Context, id string) error {
	drop, err := s.db.GetDrop(ctx, id)
	if err != nil {
		return err
	}
	s.tombstone(ctx, drop, "admin delete")
	util.Info().Str("id", id).Msg("drop deleted by admin")
	return nil
}

// tombstone marks the drop deleted and purges its blob. Both halves
// are idempotent, so racing callers converge on the same end state.
func (s *Drops) tombstone(ctx context.Context, drop *domain.Drop, cause string) {
	if err := s.db.MarkDeleted(ctx, drop.ID); err != nil {
		util.Error().Err(err).Str("id", drop.ID).Str("cause", cause).Msg("failed to tombstone drop")
	}
	s.purgeBlob(ctx, drop.BlobKey, drop.ID)
}

func (s *Drops) purgeBlob(ctx context.Context, key, id string) {
	if key == "" || s.blobs == nil {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		util.Warn().Err(err).Str("id", id).Msg("failed to purge blob, sweep will retry")
	}
}

// SweepStats summarizes one cleanup pass.
type SweepStats struct {
	Expired    int `json:"expired"`
	Purged     int `json:"purged"`
	RateEvents int `json:"rate_events"`
}

// Sweep tombstones every expired live drop, purges their blobs, then
// hard-deletes old tombstones and stale rate bookkeeping. It backs
// both the periodic cleaner and the admin sweep endpoint.
func (s *Drops) Sweep(ctx context.Context) (SweepStats, error) {
	now := time.Now().UTC()
	var stats SweepStats

	refs, err := s.db.SweepExpired(ctx, now)
	if err != nil {
		return stats, errors.Wrap(err, "sweep expired")
	}
	stats.Expired = len(refs)
	for _, ref := range refs {
		metrics.DropExpired.Inc()
		s.purgeBlob(ctx, ref.BlobKey, ref.ID)
	}

	purged, err := s.db.PurgeTombstones(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return stats, errors.Wrap(err, "purge tombstones")
	}
	stats.Purged = purged

	events, err := s.db.PurgeAllRateEvents(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return stats, errors.Wrap(err, "purge rate events")
	}
	stats.RateEvents = events

	metrics.SweepCycles.Inc()
	return stats, nil
}

var (
	cleanerOnce    sync.Once
	cleanerRunning atomic.Bool
)

func StartCleaner(ctx context.Context, drops *Drops, interval time.Duration) error {
	if cleanerRunning.Load() {
		return errors.New("cleaner already running")
	}
	cleanerOnce.Do(func() {
		cleanerRunning.Store(true)
		go runCleaner(ctx, drops, interval)
	})
	return nil
}

func runCleaner(ctx context.Context, drops *Drops, interval time.Duration) {
	defer cleanerRunning.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			stats, err := drops.Sweep(ctx)
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup failed")
			} else if stats.Expired > 0 || stats.Purged > 0 {
				util.Info().
					Int("expired", stats.Expired).
					Int("purged", stats.Purged).
					Int("rate_events", stats.RateEvents).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup completed")
			}
		}
	}
}
