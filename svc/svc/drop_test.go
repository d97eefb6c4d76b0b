package svc

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bindrop/cfg"
	"bindrop/pkg/domain"
	"bindrop/pkg/kms"
	"bindrop/svc/db"

	"github.com/pkg/errors"
)

type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlob() *memBlob {
	return &memBlob{objects: make(map[string][]byte)}
}

func (m *memBlob) Put(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), payload...)
	return nil
}

func (m *memBlob) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return append([]byte(nil), obj...), nil
}

func (m *memBlob) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memBlob) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		SettingsCacheSize: 64,
		SettingsCacheTTL:  time.Minute,
		MaxTextSize:       1024,
		MaxFileSize:       4096,
		MaxTTL:            time.Hour,
		DefaultTTL:        30 * time.Minute,
		AllowedFileExts:   []string{".txt", ".log"},
		RateLimit: cfg.RateLimitCfg{
			CreateWindows:     "10/1m",
			ReadWindows:       "100/1m",
			UnlockWindows:     "10/1m",
			ConservativeLimit: 5,
		},
		KeyCacheTTL: time.Minute,
	}
}

func newTestDrops(t *testing.T) (*Drops, *memBlob) {
	t.Helper()
	sqlDB, err := db.NewSQLite(filepath.Join(t.TempDir(), "drops.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	adapter, err := kms.NewLocalAdapter(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("local kms: %v", err)
	}
	c := testCfg()
	blobs := newMemBlob()
	drops := NewDrops(sqlDB, blobs, adapter, NewSettings(sqlDB, c), c)
	t.Cleanup(drops.Shutdown)
	return drops, blobs
}

func TestCreateReadRoundTrip(t *testing.T) {
	drops, _ := newTestDrops(t)
	ctx := context.Background()

	drop, err := drops.Create(ctx, domain.CreateParams{
		Content:  []byte("package main"),
		Kind:     domain.KindText,
		Language: "go",
		Title:    "snippet",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(drop.ID) == 0 {
		t.Fatal("empty drop id")
	}
	if bytes.Contains(drop.Payload, []byte("package main")) {
		t.Fatal("stored payload contains plaintext")
	}

	revealed, err := drops.Read(ctx, drop.ID, "")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(revealed.Content) != "package main" {
		t.Errorf("content = %q", revealed.Content)
	}
	if revealed.Meta.ViewCount != 1 {
		t.Errorf("first read view count = %d", revealed.Meta.ViewCount)
	}
	if revealed.Meta.Language != "go" || revealed.Meta.Title != "snippet" {
		t.Errorf("meta lost: %+v", revealed.Meta)
	}

	revealed, err = drops.Read(ctx, drop.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if revealed.Meta.ViewCount != 2 {
		t.Errorf("second read view count = %d", revealed.Meta.ViewCount)
	}
}

func TestReadMissingDrop(t *testing.T) {
	drops, _ := newTestDrops(t)
	_, err := drops.Read(context.Background(), "nosuchdrop1", "")
	if !errors.Is(errors.Cause(err), domain.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestPasswordProtection(t *testing.T) {
	drops, _ := newTestDrops(t)
	ctx := context.Background()

	drop, err := drops.Create(ctx, domain.CreateParams{
		Content:  []byte("secret stuff"),
		Kind:     domain.KindText,
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := drops.Read(ctx, drop.ID, ""); !errors.Is(err, domain.ErrPasswordRequired) {
		t.Errorf("no password: want ErrPasswordRequired, got %v", err)
	}
	if _, err := drops.Read(ctx, drop.ID, "wrong"); !errors.Is(err, domain.ErrIncorrectPassword) {
		t.Errorf("wrong password: want ErrIncorrectPassword, got %v", err)
	}

	// Failed attempts never count as reads.
	meta, err := drops.Meta(ctx, drop.ID)
	if err != nil {
		t.Fatal(err)
	}
	if meta.ViewCount != 0 {
		t.Errorf("failed attempts moved view count to %d", meta.ViewCount)
	}
	if !meta.Protected {
		t.Error("meta does not report protection")
	}

	revealed, err := drops.Read(ctx, drop.ID, "hunter2")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if string(revealed.Content) != "secret stuff" {
		t.Errorf("content = %q", revealed.Content)
	}
}

func TestSuperfluousPasswordOnUnprotectedDrop(t *testing.T) {
	drops, _ := newTestDrops(t)
	ctx := context.Background()

	drop, err := drops.Create(ctx, domain.CreateParams{
		Content: []byte("open to anyone"),
		Kind:    domain.KindText,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	revealed, err := drops.Read(ctx, drop.ID, "not-actually-needed")
	if err != nil {
		t.Fatalf("read with extra password: %v", err)
	}
	if string(revealed.Content) != "open to anyone" {
		t.Errorf("content = %q", revealed.Content)
	}
}

func TestBurnAfterSecondRead(t *testing.T) {
	drops, _ := newTestDrops(t)
	ctx := context.Background()

	drop, err := drops.Create(ctx, domain.CreateParams{
		Content:       []byte("self destruct"),
		Kind:          domain.KindText,
		BurnAfterRead: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	first, err := drops.Read(ctx, drop.ID, "")
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if first.Burned {
		t.Error("first read already burned")
	}

	second, err := drops.Read(ctx, drop.ID, "")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if !second.Burned {
		t.Error("second read did not burn")
	}
	if string(second.Content) != "self destruct" {
		t.Error("burning read withheld content")
	}

	if _, err := drops.Read(ctx, drop.ID, ""); !errors.Is(errors.Cause(err), domain.ErrNotFound) {
		t.Errorf("third read: want ErrNotFound, got %v", err)
	}
}

func TestBurnConcurrentReaders(t *testing.T) {
	drops, _ := newTestDrops(t)
	ctx := context.Background()

	drop, err := drops.Create(ctx, domain.CreateParams{
		Content:       []byte("once or twice"),
		Kind:          domain.KindText,
		BurnAfterRead: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	const readers = 8
	var wg sync.WaitGroup
	results := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := drops.Read(ctx, drop.ID, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(errors.Cause(err), domain.ErrNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != burnRevealLimit {
		t.Errorf("%d readers saw content, want exactly %d", succeeded, burnRevealLimit)
	}
}

func TestLazyExpiry(t *testing.T) {
	drops, _ := newTestDrops(t)
	ctx := context.Background()

	drop, err := drops.Create(ctx, domain.CreateParams{
		Content:  []byte("short lived"),
		Kind:     domain.KindText,
		Duration: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(25 * time.Millisecond)

	if _, err := drops.Read(ctx, drop.ID, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expired read: want ErrNotFound, got %v", err)
	}
	if _, err := drops.Meta(ctx, drop.ID); !errors.Is(errors.Cause(err), domain.ErrNotFound) {
		t.Errorf("expired meta: want ErrNotFound, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	drops, _ := newTestDrops(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params domain.CreateParams
		want   error
	}{
		{"empty content", domain.CreateParams{Kind: domain.KindText}, domain.ErrContentRequired},
		{"text too large", domain.CreateParams{
			Content: bytes.Repeat([]byte("x"), 2048), Kind: domain.KindText,
		}, domain.ErrContentTooLarge},
		{"ttl too long", domain.CreateParams{
			Content: []byte("hi"), Kind: domain.KindText, Duration: 48 * time.Hour,
		}, domain.ErrInvalidExpiration},
		{"negative ttl", domain.CreateParams{
			Content: []byte("hi"), Kind: domain.KindText, Duration: -time.Minute,
		}, domain.ErrInvalidExpiration},
		{"bad extension", domain.CreateParams{
			Content: []byte("hi"), Kind: domain.KindFile, FileName: "tool.exe",
		}, domain.ErrInvalidFileType},
		{"no extension", domain.CreateParams{
			Content: []byte("hi"), Kind: domain.KindFile, FileName: "README",
		}, domain.ErrInvalidFileType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := drops.Create(ctx, tc.params); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFileDropLifecycle(t *testing.T) {
	drops, blobs := newTestDrops(t)
	ctx := context.Background()
	content := []byte("log line one\nlog line two\n")

	drop, err := drops.Create(ctx, domain.CreateParams{
		Content:  content,
		Kind:     domain.KindFile,
		FileName: "out.log",
		FileMime: "text/plain",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if blobs.count() != 1 {
		t.Fatalf("blob count = %d", blobs.count())
	}
	if drop.FileSize != int64(len(content)) {
		t.Errorf("file size = %d", drop.FileSize)
	}

	revealed, err := drops.Read(ctx, drop.ID, "")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(revealed.Content, content) {
		t.Error("file content mismatch")
	}
	if revealed.Meta.FileName != "out.log" {
		t.Errorf("file name = %q", revealed.Meta.FileName)
	}

	if err := drops.AdminDelete(ctx, drop.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if blobs.count() != 0 {
		t.Error("blob survived deletion")
	}
	if _, err := drops.Read(ctx, drop.ID, ""); !errors.Is(errors.Cause(err), domain.ErrNotFound) {
		t.Errorf("deleted read: want ErrNotFound, got %v", err)
	}
}

func TestSweepPurgesExpired(t *testing.T) {
	drops, blobs := newTestDrops(t)
	ctx := context.Background()

	_, err := drops.Create(ctx, domain.CreateParams{
		Content:  []byte("stale file"),
		Kind:     domain.KindFile,
		FileName: "stale.txt",
		Duration: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := drops.Create(ctx, domain.CreateParams{
		Content: []byte("still here"),
		Kind:    domain.KindText,
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(25 * time.Millisecond)

	stats, err := drops.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Expired != 1 {
		t.Errorf("expired = %d, want 1", stats.Expired)
	}
	if blobs.count() != 0 {
		t.Error("expired blob not purged")
	}
	if _, err := drops.Read(ctx, fresh.ID, ""); err != nil {
		t.Errorf("fresh drop swept: %v", err)
	}
}

func TestAdminDeleteMissing(t *testing.T) {
	drops, _ := newTestDrops(t)
	err := drops.AdminDelete(context.Background(), "nosuchdrop1")
	if !errors.Is(errors.Cause(err), domain.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}
