// Package window implements the per-symbol sliding-time-window aggregators
// of §4.1: bounded trade/liquidation/open-interest windows with O(1)
// amortized incremental side-totals, owned by a single writer per symbol
// and read via atomic-copy snapshots.
package window

import (
	"sync"
	"time"

	"github.com/sawpanic/riskmonitor/internal/model"
)

// entry is one window slot; kind-specific fields are zero when unused.
type entry struct {
	ts   time.Time
	qty  float64
	side model.Side
}

// oiEntry is one open-interest sample.
type oiEntry struct {
	ts  time.Time
	val float64
}

// Aggregator owns the rolling state for every configured symbol. The feed
// reader (marks, trades, liquidations) and the OI poller (OI samples) call
// Ingest*; Snapshot may be called concurrently by any reader. A per-symbol
// mutex serializes all of them.
type Aggregator struct {
	tradeWindow time.Duration
	liqWindow   time.Duration
	oiFreshTTL  time.Duration
	oiMaxPoints int

	mu sync.Mutex // guards the maps below; contention is trivial at this scale (§5)
	st map[string]*symbolState
}

type symbolState struct {
	mu sync.Mutex // per-symbol lock so one slow snapshot never blocks another symbol's writer

	class model.SymbolClass

	funding      float64
	prevFunding  float64
	fundingKnown bool
	lastFundingTS time.Time

	price      float64
	priceKnown bool

	trades []entry
	liqs   []entry
	oi     []oiEntry

	longVol, shortVol       float64
	liqLongSum, liqShortSum float64

	lastOISampleTS  time.Time
	lastCommittedOI *oiEntry  // last sample seen before the most recent TTL-clear, for bootstrap synthesis (§4.1)
	lastEventTS     time.Time // freshest event of any kind, for the feed watchdog
}

// New constructs an Aggregator seeded with the given symbols and classes.
func New(symbols map[string]model.SymbolClass, tradeWindow, liqWindow, oiFreshTTL time.Duration, oiMaxPoints int) *Aggregator {
	a := &Aggregator{
		tradeWindow: tradeWindow,
		liqWindow:   liqWindow,
		oiFreshTTL:  oiFreshTTL,
		oiMaxPoints: oiMaxPoints,
		st:          make(map[string]*symbolState, len(symbols)),
	}
	for sym, class := range symbols {
		a.st[sym] = &symbolState{class: class}
	}
	return a
}

func (a *Aggregator) symbol(sym string) *symbolState {
	a.mu.Lock()
	s := a.st[sym]
	a.mu.Unlock()
	return s
}

// IngestMark applies a funding/price tick (§4.1 ingest).
func (a *Aggregator) IngestMark(t model.MarkTick) {
	s := a.symbol(t.Symbol)
	if s == nil || !isFinite(t.FundingRate) || !isFinite(t.MarkPrice) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.FundingRate != s.funding || !s.fundingKnown {
		s.prevFunding = s.funding
		s.funding = t.FundingRate
		s.fundingKnown = true
		s.lastFundingTS = t.IngestTS
	}
	s.price = t.MarkPrice
	s.priceKnown = true
	s.lastEventTS = t.IngestTS
}

// IngestTrade appends a taker trade, updating running side totals in O(1)
// and evicting aged-out entries (subtract-on-evict), per §4.1/§9.
func (a *Aggregator) IngestTrade(t model.Trade) {
	s := a.symbol(t.Symbol)
	if s == nil || !isFinite(t.Qty) || t.Qty <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, entry{ts: t.IngestTS, qty: t.Qty, side: t.Side})
	addSide(&s.longVol, &s.shortVol, t.Side, t.Qty)
	s.evictTrades(t.IngestTS, a.tradeWindow)
	s.lastEventTS = t.IngestTS
}

// IngestLiquidation appends a forced liquidation; the liquidation window
// and its side sums are kept in notional (qty * price).
func (a *Aggregator) IngestLiquidation(l model.Liquidation) {
	s := a.symbol(l.Symbol)
	if s == nil || !isFinite(l.Qty) || l.Qty <= 0 || !isFinite(l.Price) {
		return
	}
	notional := l.Notional()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liqs = append(s.liqs, entry{ts: l.IngestTS, qty: notional, side: l.Side})
	addSide(&s.liqLongSum, &s.liqShortSum, l.Side, notional)
	s.evictLiqs(l.IngestTS, a.liqWindow)
	s.lastEventTS = l.IngestTS
}

// IngestOISample appends a polled OI value, applying the TTL-clear-before-
// append rule and the max-points cap of §4.1. On a TTL-clear, the cleared
// window's last sample is remembered as lastCommittedOI so the bootstrap
// rule can still synthesize a two-point series from the next single sample.
func (a *Aggregator) IngestOISample(o model.OISample) {
	s := a.symbol(o.Symbol)
	if s == nil || !isFinite(o.Value) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastOISampleTS.IsZero() && o.SourceTS.Sub(s.lastOISampleTS) > a.oiFreshTTL {
		if len(s.oi) > 0 {
			last := s.oi[len(s.oi)-1]
			s.lastCommittedOI = &last
		}
		s.oi = s.oi[:0]
	}
	if len(s.oi) > 0 && !o.SourceTS.After(s.lastOISampleTS) {
		return // monotonic dedup
	}
	s.oi = append(s.oi, oiEntry{ts: o.SourceTS, val: o.Value})
	if len(s.oi) > a.oiMaxPoints {
		s.oi = s.oi[len(s.oi)-a.oiMaxPoints:]
	}
	s.lastOISampleTS = o.SourceTS
	s.lastEventTS = o.SourceTS
}

func addSide(long, short *float64, side model.Side, qty float64) {
	if side == model.SideLong {
		*long += qty
	} else {
		*short += qty
	}
}

func (s *symbolState) evictTrades(now time.Time, horizon time.Duration) {
	cut := 0
	for cut < len(s.trades) && now.Sub(s.trades[cut].ts) > horizon {
		subSide(&s.longVol, &s.shortVol, s.trades[cut].side, s.trades[cut].qty)
		cut++
	}
	if cut > 0 {
		s.trades = append(s.trades[:0], s.trades[cut:]...)
	}
}

func (s *symbolState) evictLiqs(now time.Time, horizon time.Duration) {
	cut := 0
	for cut < len(s.liqs) && now.Sub(s.liqs[cut].ts) > horizon {
		subSide(&s.liqLongSum, &s.liqShortSum, s.liqs[cut].side, s.liqs[cut].qty)
		cut++
	}
	if cut > 0 {
		s.liqs = append(s.liqs[:0], s.liqs[cut:]...)
	}
}

func subSide(long, short *float64, side model.Side, qty float64) {
	if side == model.SideLong {
		*long -= qty
		if *long < 0 {
			*long = 0
		}
	} else {
		*short -= qty
		if *short < 0 {
			*short = 0
		}
	}
}

// Snapshot returns a read-only, atomically-copied view for the scorer and
// divergence detector (§4.1 snapshot). Eviction runs here too, so a snapshot
// taken long after the last ingest still reflects only in-window entries.
func (a *Aggregator) Snapshot(sym string, now time.Time) (model.Snapshot, bool) {
	s := a.symbol(sym)
	if s == nil {
		return model.Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictTrades(now, a.tradeWindow)
	s.evictLiqs(now, a.liqWindow)

	snap := model.Snapshot{
		Symbol:        sym,
		Class:         s.class,
		Funding:       s.funding,
		PrevFunding:   s.prevFunding,
		FundingKnown:  s.fundingKnown,
		Price:         s.price,
		PriceKnown:    s.priceKnown,
		LongVol:       s.longVol,
		ShortVol:      s.shortVol,
		LiqLongSum:    s.liqLongSum,
		LiqShortSum:   s.liqShortSum,
		LiqSum:        s.liqLongSum + s.liqShortSum,
		OISeries:      s.oiSeriesLocked(),
	}
	total := s.longVol + s.shortVol
	if total > 0 {
		snap.PressureRatio = s.longVol / total
	} else {
		snap.PressureRatio = 0.5
	}
	if !s.lastEventTS.IsZero() {
		snap.FeedAgeSeconds = now.Sub(s.lastEventTS).Seconds()
	} else {
		snap.FeedAgeSeconds = -1 // never seen
	}
	return snap, true
}

// oiSeriesLocked builds the scorer's OI input, applying the bootstrap rule
// of §4.1: when exactly one in-window sample exists and a previous
// committed sample was remembered across the last TTL-clear, synthesize the
// two-point series [(prev_ts,prev_value),(now_ts,value)] so trend
// computation is defined on the first sample after a clear. On a cold start
// nothing is remembered, so a lone first sample stays a one-point series.
// Must be called with s.mu held.
func (s *symbolState) oiSeriesLocked() []model.OIPoint {
	if len(s.oi) == 1 && s.lastCommittedOI != nil {
		prev := s.lastCommittedOI
		return []model.OIPoint{
			{TS: prev.ts, Value: prev.val},
			{TS: s.oi[0].ts, Value: s.oi[0].val},
		}
	}
	out := make([]model.OIPoint, len(s.oi))
	for i, e := range s.oi {
		out[i] = model.OIPoint{TS: e.ts, Value: e.val}
	}
	return out
}

// LastEventAge returns how long ago any event for sym was observed. The
// bool is false when sym is not tracked or no event for it has been seen yet.
func (a *Aggregator) LastEventAge(sym string, now time.Time) (time.Duration, bool) {
	s := a.symbol(sym)
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastEventTS.IsZero() {
		return 0, false
	}
	return now.Sub(s.lastEventTS), true
}

// FreshestAge returns the minimum staleness across all tracked symbols,
// i.e. the age of the single most recently updated symbol. Used by the
// feed watchdog, which restarts on overall staleness rather than per-symbol.
func (a *Aggregator) FreshestAge(now time.Time) (time.Duration, bool) {
	a.mu.Lock()
	syms := make([]*symbolState, 0, len(a.st))
	for _, s := range a.st {
		syms = append(syms, s)
	}
	a.mu.Unlock()

	var best time.Duration
	found := false
	for _, s := range syms {
		s.mu.Lock()
		ts := s.lastEventTS
		s.mu.Unlock()
		if ts.IsZero() {
			continue
		}
		age := now.Sub(ts)
		if !found || age < best {
			best = age
			found = true
		}
	}
	return best, found
}

// Symbols returns the tracked symbol set in no particular order.
func (a *Aggregator) Symbols() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.st))
	for sym := range a.st {
		out = append(out, sym)
	}
	return out
}

func isFinite(f float64) bool {
	return f == f && f < 1e308 && f > -1e308
}
