package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dratasich/signalk-go-client-sdk/events"
)

const (
	selfContext  = "vessels.urn:mrn:imo:mmsi:230000001"
	otherContext = "vessels.urn:mrn:imo:mmsi:230099999"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingMetrics struct {
	size   int
	pruned int
}

func (m *countingMetrics) SetCacheSize(n int) { m.size = n }
func (m *countingMetrics) AddPruned(n int)    { m.pruned += n }

func fixture(t *testing.T) (*Cache, *clock) {
	clk := &clock{now: time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)}
	c := New(WithClock(clk.Now))
	c.SetSelf(selfContext)
	return c, clk
}

func TestStoreKeyForms(t *testing.T) {
	// arrange
	c, clk := fixture(t)

	// act
	c.Store(DataPoint{Path: "navigation.speedOverGround", Context: selfContext, Source: "n2k.1", Value: events.Number(3.6)})
	c.Store(DataPoint{Path: "navigation.position", Context: otherContext, Value: events.Object(map[string]any{"latitude": 1.0, "longitude": 2.0})})

	// assert
	snap := c.Snapshot()
	assert.Contains(t, snap, "navigation.speedOverGround")
	assert.Contains(t, snap, selfContext+".navigation.speedOverGround")
	assert.Contains(t, snap, "navigation.speedOverGround@n2k.1")
	assert.Contains(t, snap, otherContext+".navigation.position")
	assert.NotContains(t, snap, "navigation.position", "other vessels never shadow own paths")
	assert.Equal(t, 4, c.Len())

	p, ok := c.Get("navigation.speedOverGround", "n2k.1")
	require.True(t, ok)
	assert.Equal(t, clk.Now(), p.Timestamp, "missing timestamps default to now")

	p, ok = c.GetContext(otherContext, "navigation.position")
	require.True(t, ok)
	assert.Equal(t, otherContext, p.Context)
	assert.Equal(t, []string{otherContext}, c.Vessels())
}

func TestLastWriteWins(t *testing.T) {
	c, _ := fixture(t)

	c.Store(DataPoint{Path: "navigation.speedOverGround", Source: "gps", Value: events.Number(3.6)})
	c.Store(DataPoint{Path: "navigation.speedOverGround", Source: "log", Value: events.Number(3.4)})

	bare, _ := c.Get("navigation.speedOverGround", "")
	gps, _ := c.Get("navigation.speedOverGround", "gps")
	log, _ := c.Get("navigation.speedOverGround", "log")
	assert.True(t, events.Number(3.4).Equal(bare.Value))
	assert.True(t, events.Number(3.6).Equal(gps.Value))
	assert.True(t, events.Number(3.4).Equal(log.Value))
}

func TestIsFresh(t *testing.T) {
	c, clk := fixture(t)
	c.Store(DataPoint{Path: "environment.depth.belowKeel", Value: events.Number(4.2)})

	assert.True(t, c.IsFresh("environment.depth.belowKeel", "", 10*time.Second))
	clk.Advance(11 * time.Second)
	assert.False(t, c.IsFresh("environment.depth.belowKeel", "", 10*time.Second))

	// no ttl: freshness is opt-in
	assert.True(t, c.IsFresh("environment.depth.belowKeel", "", 0))
	assert.True(t, c.IsFresh("does.not.exist", "", 0))
	assert.False(t, c.IsFresh("does.not.exist", "", time.Second))
}

func TestPruneKeepsOwnAndRequired(t *testing.T) {
	// arrange
	c, clk := fixture(t)
	c.SetRequired([]string{"navigation.speedOverGround", "sensors.imported.value"})
	c.Store(DataPoint{Path: "navigation.speedOverGround", Context: events.ContextSelf, Source: "n2k.1", Value: events.Number(1)})
	c.Put("sensors.imported.value", DataPoint{Path: "sensors.imported.value", Context: "sensors.remote", Timestamp: clk.Now()})
	c.Put("aircraft.urn:mrn:imo:mmsi:111.navigation.position", DataPoint{
		Path: "navigation.altitude", Context: "aircraft.urn:mrn:imo:mmsi:111", Timestamp: clk.Now(),
	})

	// act
	clk.Advance(24 * time.Hour)
	removed := c.Prune()

	// assert
	assert.Equal(t, 1, removed)
	_, ok := c.Get("navigation.speedOverGround", "")
	assert.True(t, ok, "own vessel entries are never pruned")
	_, ok = c.Get("navigation.speedOverGround", "n2k.1")
	assert.True(t, ok)
	_, ok = c.Get("sensors.imported.value", "")
	assert.True(t, ok, "required keys are never pruned")
}

func TestRequiredPathDoesNotKeepOtherVessels(t *testing.T) {
	// arrange
	c, clk := fixture(t)
	c.SetRequired([]string{"navigation.position"})
	c.Store(DataPoint{Path: "navigation.position", Context: otherContext, Source: "ais.AI", Value: events.Null()})
	c.Store(DataPoint{Path: "navigation.position", Context: selfContext, Value: events.Null()})

	// act
	clk.Advance(time.Hour)
	removed := c.Prune()

	// assert
	assert.Equal(t, 2, removed)
	_, ok := c.GetContext(otherContext, "navigation.position")
	assert.False(t, ok)
	assert.Empty(t, c.Vessels())
	_, ok = c.Get("navigation.position", "")
	assert.True(t, ok)
}

func TestPruneVesselExpiry(t *testing.T) {
	// arrange
	c, clk := fixture(t)
	m := &countingMetrics{}
	c.metrics = m
	c.Store(DataPoint{Path: "navigation.courseOverGroundTrue", Context: otherContext, Value: events.Number(1)})
	clk.Advance(5 * time.Minute)
	c.Store(DataPoint{Path: "navigation.speedOverGround", Context: otherContext, Value: events.Number(2)})

	// act: first entry is exactly 10 minutes old
	clk.Advance(5 * time.Minute)
	removed := c.Prune()

	// assert
	assert.Equal(t, 0, removed, "age <= 10 minutes is retained")

	// act
	clk.Advance(time.Second)
	removed = c.Prune()

	// assert
	assert.Equal(t, 1, removed)
	_, ok := c.GetContext(otherContext, "navigation.courseOverGroundTrue")
	assert.False(t, ok)
	_, ok = c.GetContext(otherContext, "navigation.speedOverGround")
	assert.True(t, ok)
	assert.Equal(t, 1, m.pruned)
	assert.Equal(t, 1, m.size)
}

func TestPruneOtherExpiry(t *testing.T) {
	c, clk := fixture(t)
	c.Store(DataPoint{Path: "navigation.position", Context: "atons.urn:mrn:imo:mmsi:992", Value: events.Null()})

	clk.Advance(14 * time.Minute)
	assert.Equal(t, 0, c.Prune())
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.Prune())
}

func TestSnapshotInvalidation(t *testing.T) {
	// arrange
	c, _ := fixture(t)
	c.Store(DataPoint{Path: "a", Value: events.Number(1)})
	first := c.Snapshot()
	assert.Equal(t, first, c.Snapshot(), "unchanged cache hands out the same view")

	// act
	c.Store(DataPoint{Path: "b", Value: events.Number(2)})
	second := c.Snapshot()

	// assert
	assert.NotContains(t, first, "b", "old views are never mutated")
	assert.Contains(t, second, "b")

	c.Delete("a")
	assert.NotContains(t, c.Snapshot(), "a")
	assert.Contains(t, second, "a")
}

func TestClear(t *testing.T) {
	c, _ := fixture(t)
	c.Store(DataPoint{Path: "a", Value: events.Number(1)})
	snap := c.Snapshot()

	c.Clear()

	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Snapshot())
	assert.Len(t, snap, 2)
	assert.Equal(t, "", c.Self())
}

func TestRunEvery(t *testing.T) {
	c, clk := fixture(t)
	c.Store(DataPoint{Path: "navigation.position", Context: otherContext, Value: events.Null()})
	clk.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunEvery(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
