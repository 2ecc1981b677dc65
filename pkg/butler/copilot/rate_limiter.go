package copilot

import (
	"sync"
	"time"
)

// RateLimitConfig bounds how fast one sender may send messages.
type RateLimitConfig struct {
	// PerMinute is the number of messages accepted per sliding minute.
	PerMinute int `yaml:"per_minute"`
}

// DefaultRateLimitConfig returns 10 messages per minute.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{PerMinute: 10}
}

// RateLimiter is a per-sender sliding-window limiter.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// NewRateLimiter creates a limiter with a one-minute window.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultRateLimitConfig().PerMinute
	}
	return &RateLimiter{
		limit:   cfg.PerMinute,
		window:  time.Minute,
		now:     time.Now,
		buckets: make(map[string][]time.Time),
	}
}

// Allow records a message from sender and reports whether it is within the
// limit. Rejected messages are not recorded.
func (r *RateLimiter) Allow(sender string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bucket := evictBefore(r.buckets[sender], now.Add(-r.window))
	if len(bucket) >= r.limit {
		r.buckets[sender] = bucket
		return false
	}
	r.buckets[sender] = append(bucket, now)
	return true
}

// Sweep drops senders with no activity inside the window and returns how
// many were removed.
func (r *RateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	removed := 0
	for sender, bucket := range r.buckets {
		if len(evictBefore(bucket, cutoff)) == 0 {
			delete(r.buckets, sender)
			removed++
		}
	}
	return removed
}

func evictBefore(bucket []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(bucket) && bucket[i].Before(cutoff) {
		i++
	}
	return bucket[i:]
}

// Dedup bounds.
const (
	dedupCapacity = 1000
	dedupKeep     = 500
)

// MessageDedup remembers recently seen message ids. When it grows past its
// capacity only the newest ids are kept.
type MessageDedup struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewMessageDedup creates an empty set.
func NewMessageDedup() *MessageDedup {
	return &MessageDedup{seen: make(map[string]struct{})}
}

// Seen reports whether id was already recorded, recording it otherwise.
// An empty id is never a duplicate.
func (d *MessageDedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > dedupCapacity {
		d.trimLocked(dedupKeep)
	}
	return false
}

// Len returns the number of remembered ids.
func (d *MessageDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

// Compact trims the set to the newest half of its capacity if it holds
// more than that. Called by the maintenance scheduler.
func (d *MessageDedup) Compact() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.order) > dedupKeep {
		d.trimLocked(dedupKeep)
	}
}

func (d *MessageDedup) trimLocked(keep int) {
	drop := d.order[:len(d.order)-keep]
	for _, id := range drop {
		delete(d.seen, id)
	}
	d.order = append([]string(nil), d.order[len(d.order)-keep:]...)
}
