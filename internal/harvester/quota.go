package harvester

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Quota scope names used in Decision.Reason and QuotaExceededError.Scope.
const (
	scopeDaily   = "daily"
	scopeHourly  = "hourly"
	scopeSpacing = "spacing"
)

// Decision is the governor's answer to "may I call now?".
type Decision struct {
	Allowed bool
	Reason  string        // set when not allowed
	Wait    time.Duration // time until the violated ceiling would admit a call; zero for the daily ceiling
}

// QuotaSnapshot is a read-only view of one identity's counters, for
// operator display.
type QuotaSnapshot struct {
	Today        int
	TrailingHour int
	LastCall     time.Time
}

// minuteBucket accumulates calls recorded within one civil minute, so the
// trailing-hour window is a sum over at most 60 live buckets.
type minuteBucket struct {
	minute time.Time
	count  int
}

// quotaCounter holds per-identity call accounting. Mutated only by
// RecordCall, under the governor's lock.
type quotaCounter struct {
	day      time.Time // civil day the daily count belongs to
	dayCount int
	buckets  []minuteBucket
	lastCall time.Time
	spacing  *rate.Limiter
}

// Governor enforces the shared request budget for the external search API:
// a daily ceiling, a trailing-hour ceiling and a minimum spacing between
// consecutive calls, all per API identity. Check-and-record is atomic under
// an internal mutex so the governor stays correct if callers are ever run
// concurrently.
type Governor struct {
	mu          sync.Mutex
	dailyLimit  int
	hourlyLimit int
	minInterval time.Duration
	loc         *time.Location
	now         func() time.Time
	identities  map[string]*quotaCounter
}

// NewGovernor creates a governor with the given ceilings. Day boundaries
// are evaluated in loc; pass nil for the local timezone.
func NewGovernor(dailyLimit, hourlyLimit int, minInterval time.Duration, loc *time.Location) *Governor {
	if loc == nil {
		loc = time.Local
	}
	return &Governor{
		dailyLimit:  dailyLimit,
		hourlyLimit: hourlyLimit,
		minInterval: minInterval,
		loc:         loc,
		now:         time.Now,
		identities:  make(map[string]*quotaCounter),
	}
}

// CheckAllowed reports whether a call for identity may be issued now.
// It never mutates counters.
func (g *Governor) CheckAllowed(identity string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().In(g.loc)
	c := g.counter(identity)

	if g.dailyToday(c, now) >= g.dailyLimit {
		// No wait guidance: the caller should stop for the day.
		return Decision{Reason: scopeDaily}
	}

	if hour, oldest := g.trailingHour(c, now); hour >= g.hourlyLimit {
		// The oldest counted bucket covers calls up to oldest+1m, so the
		// window is guaranteed to admit a call once that bucket ages out.
		wait := oldest.Add(time.Hour + time.Minute).Sub(now)
		if wait > time.Hour {
			wait = time.Hour
		}
		return Decision{Reason: scopeHourly, Wait: wait}
	}

	if !c.lastCall.IsZero() {
		if elapsed := now.Sub(c.lastCall); elapsed < g.minInterval {
			return Decision{Reason: scopeSpacing, Wait: g.minInterval - elapsed}
		}
	}

	return Decision{Allowed: true}
}

// RecordCall accounts one issued request for identity. Call it after every
// actually-issued request, whether or not the request itself succeeded.
func (g *Governor) RecordCall(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().In(g.loc)
	c := g.counter(identity)

	day := civilDay(now)
	if !day.Equal(c.day) {
		c.day = day
		c.dayCount = 0
	}
	c.dayCount++

	minute := now.Truncate(time.Minute)
	if n := len(c.buckets); n > 0 && c.buckets[n-1].minute.Equal(minute) {
		c.buckets[n-1].count++
	} else {
		c.buckets = append(c.buckets, minuteBucket{minute: minute, count: 1})
	}
	c.pruneLocked(now)

	c.lastCall = now
}

// WaitForPermission blocks until the minimum spacing admits a call for
// identity, honouring ctx cancellation. It does not wait out the daily or
// hourly ceilings: those surface as a *QuotaExceededError the caller must
// act on.
func (g *Governor) WaitForPermission(ctx context.Context, identity string) error {
	d := g.CheckAllowed(identity)
	if !d.Allowed && d.Reason != scopeSpacing {
		return &QuotaExceededError{Scope: d.Reason, Wait: d.Wait}
	}

	g.mu.Lock()
	limiter := g.counter(identity).spacing
	g.mu.Unlock()

	return limiter.Wait(ctx)
}

// Snapshot returns the current counters for identity.
func (g *Governor) Snapshot(identity string) QuotaSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().In(g.loc)
	c := g.counter(identity)
	hour, _ := g.trailingHour(c, now)

	return QuotaSnapshot{
		Today:        g.dailyToday(c, now),
		TrailingHour: hour,
		LastCall:     c.lastCall,
	}
}

// counter returns the accounting state for identity, creating it on first
// use. Callers must hold g.mu.
func (g *Governor) counter(identity string) *quotaCounter {
	c, ok := g.identities[identity]
	if !ok {
		c = &quotaCounter{
			spacing: rate.NewLimiter(rate.Every(g.minInterval), 1),
		}
		g.identities[identity] = c
	}
	return c
}

// dailyToday returns the daily count, treating a stale civil day as zero
// without mutating state.
func (g *Governor) dailyToday(c *quotaCounter, now time.Time) int {
	if !civilDay(now).Equal(c.day) {
		return 0
	}
	return c.dayCount
}

// trailingHour sums calls recorded in the last 60 minutes and returns the
// minute of the oldest bucket still inside the window.
func (g *Governor) trailingHour(c *quotaCounter, now time.Time) (total int, oldest time.Time) {
	cutoff := now.Add(-time.Hour)
	for _, b := range c.buckets {
		if b.minute.Before(cutoff.Truncate(time.Minute)) {
			continue
		}
		if oldest.IsZero() {
			oldest = b.minute
		}
		total += b.count
	}
	return total, oldest
}

// pruneLocked drops buckets that aged out of the trailing hour.
func (c *quotaCounter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Hour).Truncate(time.Minute)
	i := 0
	for i < len(c.buckets) && c.buckets[i].minute.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.buckets = append(c.buckets[:0], c.buckets[i:]...)
	}
}

func civilDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
