package harvester

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the governor deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
func (c *fakeClock) Set(t time.Time)         { c.now = t }

func newTestGovernor(daily, hourly int, minInterval time.Duration) (*Governor, *fakeClock) {
	g := NewGovernor(daily, hourly, minInterval, time.UTC)
	clock := &fakeClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
	g.now = clock.Now
	return g, clock
}

func TestGovernorAllowsWithinLimits(t *testing.T) {
	g, _ := newTestGovernor(100, 10, 0)

	d := g.CheckAllowed("acct")
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestGovernorHourlyCeiling(t *testing.T) {
	g, clock := newTestGovernor(5000, 3, 0)

	for i := 0; i < 3; i++ {
		require.True(t, g.CheckAllowed("acct").Allowed)
		g.RecordCall("acct")
		clock.Advance(time.Minute)
	}

	d := g.CheckAllowed("acct")
	assert.False(t, d.Allowed)
	assert.Equal(t, "hourly", d.Reason)
	assert.Greater(t, d.Wait, time.Duration(0))
	assert.LessOrEqual(t, d.Wait, time.Hour)

	// The window admits calls again once the oldest ages out.
	clock.Advance(time.Hour)
	assert.True(t, g.CheckAllowed("acct").Allowed)
}

func TestGovernorDailyCeiling(t *testing.T) {
	g, clock := newTestGovernor(2, 500, 0)

	g.RecordCall("acct")
	g.RecordCall("acct")

	d := g.CheckAllowed("acct")
	assert.False(t, d.Allowed)
	assert.Equal(t, "daily", d.Reason)
	// No retry guidance for the daily ceiling.
	assert.Zero(t, d.Wait)

	// Crossing the civil-day boundary resets the count.
	clock.Set(time.Date(2024, 6, 2, 0, 0, 1, 0, time.UTC))
	assert.True(t, g.CheckAllowed("acct").Allowed)
}

func TestGovernorMinimumSpacing(t *testing.T) {
	g, clock := newTestGovernor(5000, 500, 2*time.Second)

	require.True(t, g.CheckAllowed("acct").Allowed)
	g.RecordCall("acct")

	clock.Advance(500 * time.Millisecond)
	d := g.CheckAllowed("acct")
	assert.False(t, d.Allowed)
	assert.Equal(t, "spacing", d.Reason)
	assert.Equal(t, 1500*time.Millisecond, d.Wait)

	clock.Advance(1500 * time.Millisecond)
	assert.True(t, g.CheckAllowed("acct").Allowed)
}

func TestGovernorIdentitiesAreIndependent(t *testing.T) {
	g, _ := newTestGovernor(1, 500, 0)

	g.RecordCall("acct-a")
	assert.False(t, g.CheckAllowed("acct-a").Allowed)
	assert.True(t, g.CheckAllowed("acct-b").Allowed)
}

func TestGovernorSnapshot(t *testing.T) {
	g, clock := newTestGovernor(5000, 500, 0)

	g.RecordCall("acct")
	clock.Advance(30 * time.Minute)
	g.RecordCall("acct")
	clock.Advance(45 * time.Minute)
	g.RecordCall("acct")

	snap := g.Snapshot("acct")
	assert.Equal(t, 3, snap.Today)
	// The first call is now 75 minutes old and outside the hour window.
	assert.Equal(t, 2, snap.TrailingHour)
	assert.Equal(t, clock.Now(), snap.LastCall)
}

func TestWaitForPermissionSurfacesCeilings(t *testing.T) {
	g, _ := newTestGovernor(0, 500, 0)

	err := g.WaitForPermission(context.Background(), "acct")
	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "daily", qe.Scope)
}

func TestWaitForPermissionHonorsContext(t *testing.T) {
	// Real clock: a long spacing with an already-cancelled context must
	// not block.
	g := NewGovernor(5000, 500, time.Hour, time.UTC)
	g.RecordCall("acct")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.WaitForPermission(ctx, "acct")
	assert.Error(t, err)
}
