package swcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe_AnnouncesRecoveryOnly(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/api/health", 200, "ok")
	clock := newFakeClock()
	e := newInstalledEngine(t, testConfig(t), origin, WithClock(clock.Now))
	sub := e.Subscribe()
	ctx := context.Background()

	assert.True(t, e.prober.probeOnce(ctx, false))
	assert.Empty(t, sub.Events, "no event without a preceding failure")

	origin.setDown(true)
	assert.False(t, e.prober.probeOnce(ctx, false))
	assert.False(t, e.prober.probeOnce(ctx, false))
	assert.Empty(t, sub.Events)

	origin.setDown(false)
	assert.True(t, e.prober.probeOnce(ctx, false))
	require.Len(t, sub.Events, 1)
	ev := <-sub.Events
	require.IsType(t, BackOnline{}, ev)
	assert.True(t, ev.(BackOnline).At.Equal(clock.Now()))

	assert.True(t, e.prober.probeOnce(ctx, false))
	assert.Empty(t, sub.Events)
}

func TestProbe_NonSuccessStatusIsFailure(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/api/health", 503, "down")
	e := newInstalledEngine(t, testConfig(t), origin)
	sub := e.Subscribe()

	assert.False(t, e.prober.probeOnce(context.Background(), false))
	origin.set("/api/health", 200, "ok")
	assert.True(t, e.prober.probeOnce(context.Background(), false))
	assert.Len(t, sub.Events, 1)
}

func TestSync_AlwaysAnnounces(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/api/health", 200, "ok")
	e := newInstalledEngine(t, testConfig(t), origin)
	a := e.Subscribe()
	b := e.Subscribe()

	assert.True(t, e.Sync(context.Background()))
	assert.Len(t, a.Events, 1)
	assert.Len(t, b.Events, 1)

	origin.setDown(true)
	assert.False(t, e.Sync(context.Background()))
	assert.Len(t, a.Events, 1)
}

func TestProbe_CustomURL(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/healthz", 200, "ok")
	cfg := testConfig(t, func(c *Config) { c.Probe.URL = "/healthz" })
	e := newInstalledEngine(t, cfg, origin)

	assert.True(t, e.Sync(context.Background()))
	assert.Equal(t, 1, origin.callsTo("/healthz"))
	assert.Equal(t, 0, origin.callsTo("/api/health"))
}
