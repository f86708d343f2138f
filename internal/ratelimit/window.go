package ratelimit

import "time"

// step is the outcome of one hit against a fixed window with escalation.
type step struct {
	rec     Record
	ttl     time.Duration
	limited bool
}

// advance applies one hit at now to prev (nil when absent).
//
// The block clock starts once, on the hit that finds count >= limit; later
// hits while blocked bump the count but keep BlockedUntil, so retries never
// extend the block.
func advance(prev *Record, rule Rule, now time.Time) step {
	if prev == nil || stale(*prev, rule, now) {
		return step{rec: Record{Count: 1, WindowStart: now}, ttl: rule.Window}
	}

	next := *prev
	next.Count++

	switch {
	case prev.Blocked():
		return step{rec: next, ttl: ttlSeconds(prev.BlockedUntil.Sub(now)), limited: true}
	case prev.Count >= rule.Limit:
		next.BlockedUntil = now.Add(rule.Block)
		return step{rec: next, ttl: rule.Block, limited: true}
	default:
		return step{rec: next, ttl: ttlSeconds(prev.WindowStart.Add(rule.Window).Sub(now))}
	}
}

// stale reports whether the record no longer constrains anything: its block
// has run out, or its window elapsed without ever blocking.
func stale(rec Record, rule Rule, now time.Time) bool {
	if rec.Blocked() {
		return !now.Before(rec.BlockedUntil)
	}
	return now.Sub(rec.WindowStart) > rule.Window
}

// ttlSeconds rounds up to whole seconds with a floor of one second.
func ttlSeconds(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}
