package lim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type fakeStore struct {
	mu      sync.Mutex
	blocked map[string]bool
	events  []fakeEvent
	failing bool
}

type fakeEvent struct {
	address string
	action  string
	at      time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{blocked: make(map[string]bool)}
}

func (f *fakeStore) IsBlocked(_ context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return false, errors.New("store down")
	}
	return f.blocked[address], nil
}

func (f *fakeStore) CountRateEvents(_ context.Context, address, action string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, errors.New("store down")
	}
	n := 0
	for _, e := range f.events {
		if e.address == address && e.action == action && e.at.After(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) RecordRateEvent(_ context.Context, address, action string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("store down")
	}
	f.events = append(f.events, fakeEvent{address, action, at})
	return nil
}

func (f *fakeStore) PurgeRateEvents(_ context.Context, address, action string, before time.Time) error {
	return nil
}

func (f *fakeStore) recorded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestLimiter(t *testing.T, store Store) *Limiter {
	t.Helper()
	l := New(store, nil, 5)
	t.Cleanup(l.Stop)
	return l
}

func TestAllowWithinWindow(t *testing.T) {
	store := newFakeStore()
	l := newTestLimiter(t, store)
	windows := []Window{{Max: 3, Span: time.Minute}}

	for i := 0; i < 3; i++ {
		res := l.Allow(context.Background(), "10.0.0.1", "create", windows)
		if !res.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
	}
	res := l.Allow(context.Background(), "10.0.0.1", "create", windows)
	if res.Allowed {
		t.Error("fourth request allowed past 3/min window")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d on denial", res.Remaining)
	}
}

func TestRejectedAttemptsDoNotConsumeQuota(t *testing.T) {
	store := newFakeStore()
	l := newTestLimiter(t, store)
	windows := []Window{{Max: 2, Span: time.Minute}}

	for i := 0; i < 5; i++ {
		l.Allow(context.Background(), "10.0.0.2", "create", windows)
	}
	if got := store.recorded(); got != 2 {
		t.Errorf("recorded %d events, want 2 (denials must not record)", got)
	}
}

func TestQuotaReturnsAfterWindowElapses(t *testing.T) {
	store := newFakeStore()
	l := newTestLimiter(t, store)
	windows := []Window{{Max: 2, Span: 50 * time.Millisecond}}
	addr := "10.0.0.9"

	for i := 0; i < 2; i++ {
		if res := l.Allow(context.Background(), addr, "create", windows); !res.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
	}
	if res := l.Allow(context.Background(), addr, "create", windows); res.Allowed {
		t.Fatal("third request allowed inside the window")
	}

	time.Sleep(60 * time.Millisecond)

	if res := l.Allow(context.Background(), addr, "create", windows); !res.Allowed {
		t.Error("request denied after the window elapsed")
	}
}

func TestNarrowestWindowWins(t *testing.T) {
	store := newFakeStore()
	l := newTestLimiter(t, store)
	windows := []Window{
		{Max: 2, Span: time.Minute},
		{Max: 100, Span: time.Hour},
	}
	addr := "10.0.0.3"
	l.Allow(context.Background(), addr, "read", windows)
	l.Allow(context.Background(), addr, "read", windows)
	res := l.Allow(context.Background(), addr, "read", windows)
	if res.Allowed {
		t.Error("narrow window ignored when wide window has headroom")
	}
}

func TestActionsAreIndependent(t *testing.T) {
	store := newFakeStore()
	l := newTestLimiter(t, store)
	windows := []Window{{Max: 1, Span: time.Minute}}
	addr := "10.0.0.4"

	if res := l.Allow(context.Background(), addr, "create", windows); !res.Allowed {
		t.Fatal("first create denied")
	}
	if res := l.Allow(context.Background(), addr, "create", windows); res.Allowed {
		t.Fatal("second create allowed")
	}
	if res := l.Allow(context.Background(), addr, "read", windows); !res.Allowed {
		t.Error("read consumed create quota")
	}
}

func TestBlockedBeatsRateLimit(t *testing.T) {
	store := newFakeStore()
	store.blocked["10.0.0.5"] = true
	l := newTestLimiter(t, store)
	windows := []Window{{Max: 100, Span: time.Minute}}

	res := l.Allow(context.Background(), "10.0.0.5", "read", windows)
	if res.Allowed || !res.Blocked {
		t.Errorf("blocked address admitted: %+v", res)
	}
	if store.recorded() != 0 {
		t.Error("blocked request recorded a rate event")
	}
}

func TestDenylistFailureDegradesOpen(t *testing.T) {
	store := newFakeStore()
	store.failing = true
	l := newTestLimiter(t, store)
	if l.IsBlocked(context.Background(), "10.0.0.6") {
		t.Error("failing denylist reported blocked")
	}
}

func TestStoreFailureFallsBackConservatively(t *testing.T) {
	store := newFakeStore()
	store.failing = true
	l := newTestLimiter(t, store)
	windows := []Window{{Max: 100, Span: time.Minute}}

	// The local token bucket admits bursts up to the conservative
	// limit, then rejects instead of failing open at the configured
	// window size.
	allowed := 0
	for i := 0; i < 20; i++ {
		if l.Allow(context.Background(), "10.0.0.7", "create", windows).Allowed {
			allowed++
		}
	}
	if allowed == 0 {
		t.Error("fallback denied everything")
	}
	if allowed > 6 {
		t.Errorf("fallback admitted %d requests, want at most the conservative burst", allowed)
	}
}

func TestNoWindowsAllows(t *testing.T) {
	store := newFakeStore()
	l := newTestLimiter(t, store)
	if res := l.Allow(context.Background(), "10.0.0.8", "meta", nil); !res.Allowed {
		t.Error("empty window set denied request")
	}
}

func TestAdaptiveModeHalvesWindows(t *testing.T) {
	store := newFakeStore()
	l := newTestLimiter(t, store)
	l.TriggerAdaptiveMode()
	windows := []Window{{Max: 4, Span: time.Minute}}
	addr := "10.0.0.9"

	allowed := 0
	for i := 0; i < 4; i++ {
		if l.Allow(context.Background(), addr, "create", windows).Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("adaptive mode admitted %d of 4, want 2", allowed)
	}
}

func TestParseWindows(t *testing.T) {
	windows, err := ParseWindows("30/1m, 200/1h")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("got %d windows", len(windows))
	}
	if windows[0].Max != 30 || windows[0].Span != time.Minute {
		t.Errorf("first window = %+v", windows[0])
	}
	if windows[1].Max != 200 || windows[1].Span != time.Hour {
		t.Errorf("second window = %+v", windows[1])
	}

	for _, bad := range []string{"abc", "0/1m", "10/", "/1m", "10/0s", "-1/1m"} {
		if _, err := ParseWindows(bad); err == nil {
			t.Errorf("ParseWindows(%q) accepted invalid spec", bad)
		}
	}

	if got := FormatWindows(windows); got != "30/1m0s,200/1h0m0s" {
		t.Errorf("format = %q", got)
	}
}
