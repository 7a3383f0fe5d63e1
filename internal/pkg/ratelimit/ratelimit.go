// Package ratelimit implements in-memory sliding-window counters keyed by
// client and bucket. State is process local and is lost on restart.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type Bucket string

const (
	BucketGeneral Bucket = "general"
	BucketAuth    Bucket = "auth"
	// BucketAuthFailure counts failed credential checks only; successful
	// logins never land here.
	BucketAuthFailure Bucket = "auth_failure"
)

type Policy struct {
	Limit  int
	Window time.Duration
}

func DefaultPolicies() map[Bucket]Policy {
	return map[Bucket]Policy{
		BucketGeneral:     {Limit: 60, Window: time.Minute},
		BucketAuth:        {Limit: 10, Window: time.Minute},
		BucketAuthFailure: {Limit: 5, Window: 15 * time.Minute},
	}
}

// Decision is the outcome of a check. RetryAfter is set only when the
// request was rejected; ResetAfter is when the oldest counted hit leaves
// the window.
type Decision struct {
	Bucket     Bucket
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1 when
// the request was rejected.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	return ceilSeconds(d.RetryAfter)
}

func (d Decision) ResetAfterSeconds() int {
	if d.ResetAfter <= 0 {
		return 0
	}
	return ceilSeconds(d.ResetAfter)
}

type windowKey struct {
	key    string
	bucket Bucket
}

type window struct {
	mu   sync.Mutex
	hits []time.Time
	dead bool
}

// Limiter is safe for concurrent use. Each (key, bucket) window has its own
// mutex; there is no lock spanning all keys.
type Limiter struct {
	policies map[Bucket]Policy
	windows  sync.Map
	now      func() time.Time
}

func New(policies map[Bucket]Policy, now func() time.Time) *Limiter {
	merged := DefaultPolicies()
	for b, p := range policies {
		if p.Limit > 0 && p.Window > 0 {
			merged[b] = p
		}
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{policies: merged, now: now}
}

func (l *Limiter) Policy(bucket Bucket) Policy {
	if p, ok := l.policies[bucket]; ok {
		return p
	}
	return l.policies[BucketGeneral]
}

// Allow counts this request if it fits in the window.
func (l *Limiter) Allow(key string, bucket Bucket) Decision {
	return l.check(key, bucket, true)
}

// Peek reports what Allow would decide without counting anything.
func (l *Limiter) Peek(key string, bucket Bucket) Decision {
	return l.check(key, bucket, false)
}

// Reserve is Allow for callers that only learn later whether the hit should
// count. The hit is recorded under the window lock before Reserve returns;
// release takes it back and is safe to call more than once.
func (l *Limiter) Reserve(key string, bucket Bucket) (Decision, func()) {
	p := l.Policy(bucket)
	var (
		d  Decision
		at time.Time
	)
	l.withWindow(key, bucket, func(w *window, now time.Time) {
		w.trim(now.Add(-p.Window))
		d = Decision{Bucket: bucket, Limit: p.Limit}
		if len(w.hits) >= p.Limit {
			d.RetryAfter = w.hits[0].Add(p.Window).Sub(now)
			d.ResetAfter = d.RetryAfter
			return
		}
		d.Allowed = true
		at = now
		w.hits = append(w.hits, now)
		d.Remaining = p.Limit - len(w.hits)
		d.ResetAfter = w.hits[0].Add(p.Window).Sub(now)
	})
	if !d.Allowed {
		return d, func() {}
	}

	var once sync.Once
	return d, func() {
		once.Do(func() {
			l.withWindow(key, bucket, func(w *window, _ time.Time) {
				w.remove(at)
			})
		})
	}
}

// Record adds a hit unconditionally.
func (l *Limiter) Record(key string, bucket Bucket) {
	p := l.Policy(bucket)
	l.withWindow(key, bucket, func(w *window, now time.Time) {
		w.trim(now.Add(-p.Window))
		w.hits = append(w.hits, now)
	})
}

// Reset forgets every hit for (key, bucket).
func (l *Limiter) Reset(key string, bucket Bucket) {
	k := windowKey{key: key, bucket: bucket}
	v, ok := l.windows.Load(k)
	if !ok {
		return
	}
	w := v.(*window)
	w.mu.Lock()
	w.hits = w.hits[:0]
	w.mu.Unlock()
}

func (l *Limiter) check(key string, bucket Bucket, record bool) Decision {
	p := l.Policy(bucket)
	var d Decision
	l.withWindow(key, bucket, func(w *window, now time.Time) {
		w.trim(now.Add(-p.Window))
		d = Decision{Bucket: bucket, Limit: p.Limit}

		if len(w.hits) >= p.Limit {
			d.RetryAfter = w.hits[0].Add(p.Window).Sub(now)
			d.ResetAfter = d.RetryAfter
			return
		}

		d.Allowed = true
		if record {
			w.hits = append(w.hits, now)
		}
		d.Remaining = p.Limit - len(w.hits)
		if len(w.hits) > 0 {
			d.ResetAfter = w.hits[0].Add(p.Window).Sub(now)
		}
	})
	return d
}

// withWindow runs fn with the window locked. A window removed by Sweep
// between load and lock is marked dead and the lookup is retried.
func (l *Limiter) withWindow(key string, bucket Bucket, fn func(w *window, now time.Time)) {
	k := windowKey{key: key, bucket: bucket}
	for {
		v, _ := l.windows.LoadOrStore(k, &window{})
		w := v.(*window)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		fn(w, l.now())
		w.mu.Unlock()
		return
	}
}

// Sweep drops windows with no hits left inside their bucket's window.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	l.windows.Range(func(k, v any) bool {
		wk := k.(windowKey)
		w := v.(*window)
		w.mu.Lock()
		w.trim(now.Add(-l.Policy(wk.bucket).Window))
		if len(w.hits) == 0 {
			w.dead = true
			l.windows.Delete(k)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Run sweeps every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *Limiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// trim discards hits at or before cutoff. Hits are appended under the
// window lock with a non-decreasing clock, so they stay ordered.
func (w *window) trim(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.hits, w.hits[i:])
	w.hits = w.hits[:n]
}

// remove drops the latest hit recorded at t, if the window still holds it.
func (w *window) remove(t time.Time) {
	for i := len(w.hits) - 1; i >= 0; i-- {
		if w.hits[i].Equal(t) {
			w.hits = append(w.hits[:i], w.hits[i+1:]...)
			return
		}
	}
}

func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
