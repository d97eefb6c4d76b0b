package lim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bindrop/metrics"
	"bindrop/svc/util"

	"golang.org/x/time/rate"
)

const (
	maxLocalLimiters = 10000
	cleanupInterval  = 5 * time.Minute
	limiterTTL       = 30 * time.Minute
)

// Window is one sliding-window threshold: at most Max events per Span.
// Several windows are checked in sequence for the same action; any
// rejection denies the request.
type Window struct {
	Max  int
	Span time.Duration
}

func (w Window) String() string {
	return fmt.Sprintf("%d/%s", w.Max, w.Span)
}

// Store is the authoritative bookkeeping backend (SQLite). Its errors
// never crash the request pipeline; the limiter degrades to a local
// conservative token bucket and logs the fallback.
type Store interface {
	IsBlocked(ctx context.Context, address string) (bool, error)
	CountRateEvents(ctx context.Context, address, action string, since time.Time) (int, error)
	RecordRateEvent(ctx context.Context, address, action string, at time.Time) error
	PurgeRateEvents(ctx context.Context, address, action string, before time.Time) error
}

// Counter is the optional shared fast path (Redis fixed-window
// counters). When it errors the limiter falls through to Store.
type Counter interface {
	IncrWindow(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

type Result struct {
	Allowed   bool
	Blocked   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

type Limiter struct {
	store             Store
	counter           Counter
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	conservativeLimit int
	localLimiters     map[string]*limiterEntry
	mu                sync.Mutex
	quit              chan struct{}
	quitOnce          sync.Once
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func New(store Store, counter Counter, conservativeLimit int) *Limiter {
	if store == nil {
		panic("limiter: nil store")
	}
	if conservativeLimit <= 0 {
		conservativeLimit = 5
	}
	l := &Limiter{
		store:             store,
		counter:           counter,
		conservativeLimit: conservativeLimit,
		localLimiters:     make(map[string]*limiterEntry),
		quit:              make(chan struct{}),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l
}

func (l *Limiter) Stop() {
	l.quitOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(60*time.Second).Unix())
}

func (l *Limiter) isAdaptiveMode() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

// IsBlocked consults the denylist. Blocking beats rate limiting, so
// this runs before any accounting; a broken denylist table degrades to
// "not blocked" with a logged warning rather than failing the request.
func (l *Limiter) IsBlocked(ctx context.Context, address string) bool {
	blocked, err := l.store.IsBlocked(ctx, address)
	if err != nil {
		util.Warn().Err(err).Str("address", util.RedactIP(address)).
			Msg("denylist unavailable, treating as not blocked")
		return false
	}
	return blocked
}

// Allow runs the full check for one action: denylist first, then each
// configured window in sequence. The event is recorded only when every
// window admits it, so rejected attempts do not consume quota.
func (l *Limiter) Allow(ctx context.Context, address, action string, windows []Window) Result {
	now := time.Now()
	if l.IsBlocked(ctx, address) {
		metrics.BlockedHits.Inc()
		return Result{Allowed: false, Blocked: true, Reset: now}
	}
	if len(windows) == 0 {
		return Result{Allowed: true, Remaining: 1, Reset: now}
	}
	if l.isAdaptiveMode() {
		halved := make([]Window, len(windows))
		for i, w := range windows {
			max := w.Max / 2
			if max < 1 {
				max = 1
			}
			halved[i] = Window{Max: max, Span: w.Span}
		}
		windows = halved
	}

	if l.counter != nil {
		if res, ok := l.allowCounter(ctx, address, action, windows, now); ok {
			return res
		}
		util.Warn().Str("action", action).Msg("shared rate counter unavailable, using window store")
	}
	return l.allowStore(ctx, address, action, windows, now)
}

func (l *Limiter) allowCounter(ctx context.Context, address, action string, windows []Window, now time.Time) (Result, bool) {
	res := Result{Allowed: true, Limit: windows[0].Max, Remaining: 1 << 30}
	for _, w := range windows {
		key := fmt.Sprintf("rl:%s:%s:%s", address, action, w.Span)
		usage, err := l.counter.IncrWindow(ctx, key, w.Max, w.Span)
		if err != nil {
			return Result{}, false
		}
		remaining := w.Max - usage
		if remaining < 0 {
			remaining = 0
		}
		if remaining < res.Remaining {
			res.Limit = w.Max
			res.Remaining = remaining
			res.Reset = now.Add(w.Span)
		}
		if usage > w.Max {
			metrics.RateLimitHits.WithLabelValues(action).Inc()
			res.Allowed = false
			res.Remaining = 0
			return res, true
		}
	}
	return res, true
}

func (l *Limiter) allowStore(ctx context.Context, address, action string, windows []Window, now time.Time) Result {
	res := Result{Allowed: true, Limit: windows[0].Max, Remaining: 1 << 30}
	var widest time.Duration
	for _, w := range windows {
		if w.Span > widest {
			widest = w.Span
		}
		count, err := l.store.CountRateEvents(ctx, address, action, now.Add(-w.Span))
		if err != nil {
			util.Warn().Err(err).Str("action", action).
				Msg("rate window store unavailable, using conservative local fallback")
			return l.allowLocal(address, action, now)
		}
		remaining := w.Max - count
		if remaining < 0 {
			remaining = 0
		}
		if remaining < res.Remaining {
			res.Limit = w.Max
			res.Remaining = remaining
			res.Reset = now.Add(w.Span)
		}
		if count >= w.Max {
			metrics.RateLimitHits.WithLabelValues(action).Inc()
			res.Allowed = false
			res.Remaining = 0
			return res
		}
	}
	if err := l.store.RecordRateEvent(ctx, address, action, now); err != nil {
		util.Warn().Err(err).Str("action", action).Msg("failed to record rate event")
	}
	// Amortized purge: anything outside the widest window is dead
	// weight for this pair.
	if err := l.store.PurgeRateEvents(ctx, address, action, now.Add(-widest)); err != nil {
		util.Debug().Err(err).Msg("rate event purge failed")
	}
	res.Remaining--
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	return res
}

// allowLocal is the last-resort verdict when every backend is failing:
// a per-address token bucket at the conservative limit.
func (l *Limiter) allowLocal(address, action string, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.localLimiters) >= maxLocalLimiters {
		util.Warn().Int("limiters", len(l.localLimiters)).
			Msg("local rate limiter at capacity, rejecting request")
		return Result{Allowed: false, Limit: l.conservativeLimit, Reset: now.Add(time.Minute)}
	}
	key := address + ":" + action
	entry, ok := l.localLimiters[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.conservativeLimit)/60.0, l.conservativeLimit),
		}
		l.localLimiters[key] = entry
	}
	entry.lastAccess = now
	if !entry.limiter.Allow() {
		metrics.RateLimitHits.WithLabelValues(action).Inc()
		return Result{Allowed: false, Limit: l.conservativeLimit, Reset: now.Add(time.Minute)}
	}
	return Result{
		Allowed:   true,
		Limit:     l.conservativeLimit,
		Remaining: l.conservativeLimit - 1,
		Reset:     now.Add(time.Minute),
	}
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictExpiredLimiters() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.localLimiters, key)
			evicted++
		}
	}
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("local limiter cleanup")
	}
}
