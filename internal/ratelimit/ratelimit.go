// Package ratelimit enforces per-tenant quotas on the operations that
// spend money or provider capacity. Each (tenant, kind) pair is tracked
// by three sliding windows: per minute, per hour and per day. A denied
// request carries the delay after which it would be admitted again.
package ratelimit

import (
	"sync"
	"time"
)

// Kind names a rate-limited operation class.
type Kind string

const (
	KindTranscribe Kind = "transcribe"
	KindSynthesize Kind = "synthesize"
	KindChat       Kind = "chat"
	KindDocuments  Kind = "documents"
	// KindSessions meters realtime session creation.
	KindSessions Kind = "sessions"
)

// Limit caps one kind across the three windows. Zero means unlimited for
// that window.
type Limit struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// unlimited reports whether no window is capped.
func (l Limit) unlimited() bool {
	return l.PerMinute == 0 && l.PerHour == 0 && l.PerDay == 0
}

// Config maps each kind to its limit. Kinds absent from the map are
// unlimited.
type Config map[Kind]Limit

// DefaultConfig returns the stock quota table.
func DefaultConfig() Config {
	return Config{
		KindTranscribe: {PerMinute: 30, PerHour: 500, PerDay: 3000},
		KindSynthesize: {PerMinute: 30, PerHour: 500, PerDay: 3000},
		KindChat:       {PerMinute: 20, PerHour: 300, PerDay: 2000},
		KindDocuments:  {PerMinute: 10, PerHour: 100, PerDay: 500},
		KindSessions:   {PerMinute: 20, PerHour: 200, PerDay: 1000},
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool

	// RetryAfter is how long until the request would be admitted. Zero
	// when Allowed.
	RetryAfter time.Duration

	// Window names the exhausted window ("minute", "hour", "day") when
	// denied.
	Window string
}

// Limiter tracks sliding-window usage per (tenant, kind).
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[entryKey]*entry

	stop chan struct{}
	once sync.Once
}

type entryKey struct {
	tenant string
	kind   Kind
}

type entry struct {
	minute   *window
	hour     *window
	day      *window
	lastSeen time.Time
}

// New builds a limiter and starts its janitor. Call Close to stop it.
func New(cfg Config) *Limiter {
	l := newLimiter(cfg, time.Now)
	go l.janitor()
	return l
}

// newLimiter exists so tests can inject a clock and skip the janitor.
func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{
		cfg:     cfg,
		now:     now,
		entries: make(map[entryKey]*entry),
		stop:    make(chan struct{}),
	}
}

// Allow reports whether one more operation of kind may proceed for the
// tenant, consuming quota in all three windows when it does. A denied
// call consumes nothing.
func (l *Limiter) Allow(tenant string, kind Kind) Decision {
	limit, ok := l.cfg[kind]
	if !ok || limit.unlimited() {
		return Decision{Allowed: true}
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	key := entryKey{tenant: tenant, kind: kind}
	e := l.entries[key]
	if e == nil {
		e = &entry{
			minute: newWindow(time.Minute, time.Second),
			hour:   newWindow(time.Hour, time.Minute),
			day:    newWindow(24*time.Hour, time.Hour),
		}
		l.entries[key] = e
	}
	e.lastSeen = now

	checks := []struct {
		name string
		w    *window
		cap  int
	}{
		{"minute", e.minute, limit.PerMinute},
		{"hour", e.hour, limit.PerHour},
		{"day", e.day, limit.PerDay},
	}
	for _, c := range checks {
		if c.cap > 0 && c.w.count(now) >= int64(c.cap) {
			return Decision{
				Allowed:    false,
				RetryAfter: c.w.retryAfter(now),
				Window:     c.name,
			}
		}
	}
	e.minute.add(now)
	e.hour.add(now)
	e.day.add(now)
	return Decision{Allowed: true}
}

// Usage reports the current counts per window for one (tenant, kind).
func (l *Limiter) Usage(tenant string, kind Kind) (minute, hour, day int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[entryKey{tenant: tenant, kind: kind}]
	if e == nil {
		return 0, 0, 0
	}
	now := l.now()
	return e.minute.count(now), e.hour.count(now), e.day.count(now)
}

// Close stops the janitor.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

// janitor drops entries idle for longer than the day window.
func (l *Limiter) janitor() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := l.now().Add(-24 * time.Hour)
			l.mu.Lock()
			for k, e := range l.entries {
				if e.lastSeen.Before(cutoff) {
					delete(l.entries, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// window is a sliding counter approximated by fixed-size buckets: the
// minute window counts per second, the hour per minute, the day per hour.
type window struct {
	span      time.Duration
	bucketDur time.Duration
	buckets   []int64
	total     int64
	lastTick  int64
}

func newWindow(span, bucketDur time.Duration) *window {
	return &window{
		span:      span,
		bucketDur: bucketDur,
		buckets:   make([]int64, int(span/bucketDur)),
		lastTick:  -1,
	}
}

func (w *window) tick(t time.Time) int64 {
	return t.UnixNano() / int64(w.bucketDur)
}

// advance zeroes every bucket that fell out of the window since the last
// observation.
func (w *window) advance(now time.Time) {
	tick := w.tick(now)
	if w.lastTick < 0 {
		w.lastTick = tick
		return
	}
	if tick <= w.lastTick {
		return
	}
	steps := tick - w.lastTick
	if steps > int64(len(w.buckets)) {
		steps = int64(len(w.buckets))
	}
	for i := int64(1); i <= steps; i++ {
		idx := (w.lastTick + i) % int64(len(w.buckets))
		w.total -= w.buckets[idx]
		w.buckets[idx] = 0
	}
	w.lastTick = tick
}

func (w *window) add(now time.Time) {
	w.advance(now)
	w.buckets[w.tick(now)%int64(len(w.buckets))]++
	w.total++
}

func (w *window) count(now time.Time) int64 {
	w.advance(now)
	return w.total
}

// retryAfter is the delay until the oldest counted bucket leaves the
// window, rounded up to a whole bucket.
func (w *window) retryAfter(now time.Time) time.Duration {
	w.advance(now)
	if w.total == 0 {
		return 0
	}
	n := int64(len(w.buckets))
	for i := int64(1); i <= n; i++ {
		idx := (w.lastTick - n + i + n*2) % n
		if w.buckets[idx] > 0 {
			oldestTick := w.lastTick - n + i
			expiry := (oldestTick + n) * int64(w.bucketDur)
			d := time.Duration(expiry - now.UnixNano())
			if d < w.bucketDur {
				d = w.bucketDur
			}
			return d
		}
	}
	return w.bucketDur
}
