package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/riskmonitor/internal/model"
)

func classes(syms ...string) map[string]model.SymbolClass {
	out := make(map[string]model.SymbolClass, len(syms))
	for _, s := range syms {
		out[s] = model.ClassL1
	}
	return out
}

func TestIngestTrade_SideTotalsMatchWindowSum(t *testing.T) {
	agg := New(classes("BTCUSDT"), time.Hour, time.Hour, 15*time.Minute, 12)
	now := time.Now()

	agg.IngestTrade(model.Trade{Symbol: "BTCUSDT", Qty: 10, Side: model.SideLong, IngestTS: now})
	agg.IngestTrade(model.Trade{Symbol: "BTCUSDT", Qty: 4, Side: model.SideShort, IngestTS: now})
	agg.IngestTrade(model.Trade{Symbol: "BTCUSDT", Qty: 6, Side: model.SideLong, IngestTS: now})

	snap, ok := agg.Snapshot("BTCUSDT", now)
	require.True(t, ok)
	assert.Equal(t, 16.0, snap.LongVol)
	assert.Equal(t, 4.0, snap.ShortVol)
	assert.InDelta(t, 16.0/20.0, snap.PressureRatio, 1e-9)
}

func TestIngestTrade_EvictsAgedEntriesAndSubtractsTotals(t *testing.T) {
	agg := New(classes("BTCUSDT"), time.Minute, time.Minute, 15*time.Minute, 12)
	base := time.Now()

	agg.IngestTrade(model.Trade{Symbol: "BTCUSDT", Qty: 10, Side: model.SideLong, IngestTS: base})
	snap, _ := agg.Snapshot("BTCUSDT", base)
	assert.Equal(t, 10.0, snap.LongVol)

	// Well past the 1-minute window: the entry must be evicted and the
	// running total must reflect that (not merely the window slice).
	later := base.Add(2 * time.Minute)
	snap, _ = agg.Snapshot("BTCUSDT", later)
	assert.Equal(t, 0.0, snap.LongVol)
	assert.Equal(t, 0.5, snap.PressureRatio) // empty window => default 0.5
}

func TestIngestTrade_EmptyWindowPressureIsHalf(t *testing.T) {
	agg := New(classes("ETHUSDT"), time.Hour, time.Hour, 15*time.Minute, 12)
	snap, ok := agg.Snapshot("ETHUSDT", time.Now())
	require.True(t, ok)
	assert.Equal(t, 0.5, snap.PressureRatio)
}

func TestIngestLiquidation_SideSumsAndNotional(t *testing.T) {
	agg := New(classes("BTCUSDT"), time.Hour, time.Hour, 15*time.Minute, 12)
	now := time.Now()

	agg.IngestLiquidation(model.Liquidation{Symbol: "BTCUSDT", Qty: 2, Price: 30000, Side: model.SideLong, IngestTS: now})
	agg.IngestLiquidation(model.Liquidation{Symbol: "BTCUSDT", Qty: 1, Price: 30000, Side: model.SideShort, IngestTS: now})

	snap, ok := agg.Snapshot("BTCUSDT", now)
	require.True(t, ok)
	assert.Equal(t, 60000.0, snap.LiqLongSum)
	assert.Equal(t, 30000.0, snap.LiqShortSum)
	assert.Equal(t, 90000.0, snap.LiqSum)
}

func TestIngestMark_TracksFundingPair(t *testing.T) {
	agg := New(classes("BTCUSDT"), time.Hour, time.Hour, 15*time.Minute, 12)
	now := time.Now()

	agg.IngestMark(model.MarkTick{Symbol: "BTCUSDT", FundingRate: 0.001, MarkPrice: 100, IngestTS: now})
	snap, _ := agg.Snapshot("BTCUSDT", now)
	assert.True(t, snap.FundingKnown)
	assert.Equal(t, 0.001, snap.Funding)
	assert.Equal(t, 0.0, snap.PrevFunding)

	agg.IngestMark(model.MarkTick{Symbol: "BTCUSDT", FundingRate: 0.025, MarkPrice: 101, IngestTS: now.Add(time.Second)})
	snap, _ = agg.Snapshot("BTCUSDT", now.Add(time.Second))
	assert.Equal(t, 0.025, snap.Funding)
	assert.Equal(t, 0.001, snap.PrevFunding)
}

func TestIngestMark_UnknownWhenNeverSeen(t *testing.T) {
	agg := New(classes("BTCUSDT"), time.Hour, time.Hour, 15*time.Minute, 12)
	snap, ok := agg.Snapshot("BTCUSDT", time.Now())
	require.True(t, ok)
	assert.False(t, snap.FundingKnown)
	assert.False(t, snap.PriceKnown)
}

// TestOISeries_ColdStartSingleSampleThenTwoPoints checks that a lone first
// sample with nothing remembered is not synthesized into two points, and
// that a second in-window sample yields the real [first, second] series.
func TestOISeries_ColdStartSingleSampleThenTwoPoints(t *testing.T) {
	agg := New(classes("BTCUSDT"), time.Hour, time.Hour, 15*time.Minute, 12)
	base := time.Now()

	agg.IngestOISample(model.OISample{Symbol: "BTCUSDT", Value: 100, SourceTS: base})
	snap, _ := agg.Snapshot("BTCUSDT", base)
	require.Len(t, snap.OISeries, 1)

	agg.IngestOISample(model.OISample{Symbol: "BTCUSDT", Value: 104, SourceTS: base.Add(time.Minute)})
	snap, _ = agg.Snapshot("BTCUSDT", base.Add(time.Minute))
	require.Len(t, snap.OISeries, 2)
	assert.Equal(t, 100.0, snap.OISeries[0].Value)
	assert.Equal(t, 104.0, snap.OISeries[1].Value)
}

// TestOISample_TTLClearsWindowBeforeAppend exercises §4.1's TTL-clear rule
// together with the bootstrap rule: the stale sample is evicted from the
// window, but its (ts, value) is remembered as the last committed sample, so
// the lone post-clear sample is still reported as a synthesized two-point
// series per §4.1's "synthesize-if-available" bootstrap rule.
func TestOISample_TTLClearsWindowBeforeAppend(t *testing.T) {
	ttl := 15 * time.Minute
	agg := New(classes("BTCUSDT"), time.Hour, time.Hour, ttl, 12)
	base := time.Now()

	agg.IngestOISample(model.OISample{Symbol: "BTCUSDT", Value: 100, SourceTS: base})
	// Arrives after the fresh-TTL has elapsed: the window must be cleared
	// before this sample is appended, leaving exactly one in-window point.
	late := base.Add(ttl + time.Minute)
	agg.IngestOISample(model.OISample{Symbol: "BTCUSDT", Value: 999, SourceTS: late})

	snap, _ := agg.Snapshot("BTCUSDT", late)
	require.Len(t, snap.OISeries, 2, "bootstrap rule must synthesize [prev, current] from the remembered committed sample")
	assert.Equal(t, 100.0, snap.OISeries[0].Value)
	assert.Equal(t, 999.0, snap.OISeries[1].Value)
}

func TestOISample_MonotonicDedup(t *testing.T) {
	agg := New(classes("BTCUSDT"), time.Hour, time.Hour, 15*time.Minute, 12)
	base := time.Now()

	agg.IngestOISample(model.OISample{Symbol: "BTCUSDT", Value: 100, SourceTS: base})
	agg.IngestOISample(model.OISample{Symbol: "BTCUSDT", Value: 999, SourceTS: base}) // same ts, dropped
	agg.IngestOISample(model.OISample{Symbol: "BTCUSDT", Value: 50, SourceTS: base.Add(-time.Second)}) // older, dropped

	snap, _ := agg.Snapshot("BTCUSDT", base)
	require.Len(t, snap.OISeries, 1)
	assert.Equal(t, 100.0, snap.OISeries[0].Value)
}

func TestOISample_MaxPointsCap(t *testing.T) {
	agg := New(classes("BTCUSDT"), time.Hour, time.Hour, time.Hour, 3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		agg.IngestOISample(model.OISample{Symbol: "BTCUSDT", Value: float64(i), SourceTS: base.Add(time.Duration(i) * time.Second)})
	}
	snap, _ := agg.Snapshot("BTCUSDT", base.Add(5*time.Second))
	require.Len(t, snap.OISeries, 3)
	assert.Equal(t, 2.0, snap.OISeries[0].Value) // oldest two evicted by the cap
	assert.Equal(t, 4.0, snap.OISeries[2].Value)
}

func TestMalformedEvents_DroppedSilently(t *testing.T) {
	agg := New(classes("BTCUSDT"), time.Hour, time.Hour, 15*time.Minute, 12)
	now := time.Now()

	agg.IngestTrade(model.Trade{Symbol: "BTCUSDT", Qty: -1, Side: model.SideLong, IngestTS: now})
	agg.IngestTrade(model.Trade{Symbol: "BTCUSDT", Qty: 0, Side: model.SideLong, IngestTS: now})
	agg.IngestMark(model.MarkTick{Symbol: "BTCUSDT", FundingRate: nan(), MarkPrice: 100, IngestTS: now})
	agg.IngestOISample(model.OISample{Symbol: "BTCUSDT", Value: nan(), SourceTS: now})

	snap, ok := agg.Snapshot("BTCUSDT", now)
	require.True(t, ok)
	assert.Equal(t, 0.0, snap.LongVol)
	assert.False(t, snap.FundingKnown)
	assert.Empty(t, snap.OISeries)
}

func TestUnknownSymbol_SnapshotFails(t *testing.T) {
	agg := New(classes("BTCUSDT"), time.Hour, time.Hour, 15*time.Minute, 12)
	_, ok := agg.Snapshot("NOSUCH", time.Now())
	assert.False(t, ok)
}

func TestFreshestAge_ReportsMinimumAcrossSymbols(t *testing.T) {
	agg := New(classes("A", "B"), time.Hour, time.Hour, 15*time.Minute, 12)
	base := time.Now()
	agg.IngestTrade(model.Trade{Symbol: "A", Qty: 1, Side: model.SideLong, IngestTS: base.Add(-time.Minute)})
	agg.IngestTrade(model.Trade{Symbol: "B", Qty: 1, Side: model.SideLong, IngestTS: base})

	age, found := agg.FreshestAge(base)
	require.True(t, found)
	assert.Equal(t, time.Duration(0), age)
}

func TestFreshestAge_NoneSeenYet(t *testing.T) {
	agg := New(classes("A"), time.Hour, time.Hour, 15*time.Minute, 12)
	_, found := agg.FreshestAge(time.Now())
	assert.False(t, found)
}

func nan() float64 {
	var zero float64
	return zero / zero
}
