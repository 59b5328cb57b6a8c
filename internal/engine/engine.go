// Package engine owns all per-process state and wires the window, risk,
// divergence, regime, quality and alert packages into the fixed-cadence
// evaluation loop of §4.4, the regime recompute cadence of §4.3, and the
// two watchdogs of §4.8.
//
// Grounded on original_source/bot.py's global_risk_loop / ws_watchdog /
// risk_loop_watchdog; the module-scoped dictionaries of that file are
// replaced by this single owning Engine value per §9 ("model as a single
// owning engine value constructed at startup; never module-scoped").
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/riskmonitor/internal/alert"
	"github.com/sawpanic/riskmonitor/internal/divergence"
	"github.com/sawpanic/riskmonitor/internal/feed"
	"github.com/sawpanic/riskmonitor/internal/httpapi"
	"github.com/sawpanic/riskmonitor/internal/model"
	"github.com/sawpanic/riskmonitor/internal/obsmetrics"
	"github.com/sawpanic/riskmonitor/internal/oi"
	"github.com/sawpanic/riskmonitor/internal/quality"
	"github.com/sawpanic/riskmonitor/internal/regime"
	"github.com/sawpanic/riskmonitor/internal/risk"
	"github.com/sawpanic/riskmonitor/internal/window"
)

// Config aggregates every tunable named in spec §6.
type Config struct {
	Symbols         []string
	IntervalSeconds time.Duration // evaluation cadence, default 60s
	WindowSeconds   time.Duration // trade/liq window horizon, default 3600s
	RegimeCadence   time.Duration // default 900s

	EarlyLevel int
	HardLevel  int

	RiskThresholds risk.Thresholds
	LiqThresholds  map[string]float64 // per symbol, notional

	RegimeConfig     regime.Config
	DivergenceConfig divergence.Config
	AlertConfig      alert.Config

	FeedStaleTTL time.Duration // default 180s, §4.8
	FeedCheck    time.Duration // default 60s
	LoopStaleTTL time.Duration // default 330s
	LoopCheck    time.Duration // default 120s
}

// Engine is the single owning value for all process state (§9).
type Engine struct {
	cfg Config

	agg       *window.Aggregator
	scorer    risk.Thresholds
	divDet    *divergence.Detector
	regimeCls *regime.Classifier
	outbox    *alert.Outbox
	history   *alert.History
	worker    *alert.Worker
	feedAdpt  *feed.Adapter
	oiPoller  *oi.Poller
	metrics   *obsmetrics.Registry

	mu              sync.Mutex
	priceHistory    map[string][2]float64 // [first, last] over a short horizon, for divergence price trend
	lastEvalTS      time.Time
	committedRegime model.RegimeCandidate

	restartFeed func(context.Context) // installed by Run; lets the feed watchdog cancel+relaunch
}

// New builds an Engine. sender is the chat-bot collaborator (§1 out of
// scope); metrics may be nil to run without Prometheus instrumentation.
func New(cfg Config, classes map[string]model.SymbolClass, sender alert.Sender, metrics *obsmetrics.Registry) *Engine {
	agg := window.New(classes, cfg.WindowSeconds, cfg.WindowSeconds, 15*time.Minute, 12)
	outbox := alert.NewOutbox(cfg.AlertConfig.OutboxCapacity)
	history := alert.NewHistory(cfg.AlertConfig.AlertWindow)

	e := &Engine{
		cfg:             cfg,
		agg:             agg,
		scorer:          cfg.RiskThresholds,
		divDet:          divergence.NewDetector(cfg.DivergenceConfig),
		regimeCls:       regime.NewClassifier(cfg.RegimeConfig),
		outbox:          outbox,
		history:         history,
		worker:          alert.NewWorker(cfg.AlertConfig, outbox, history, sender),
		priceHistory:    make(map[string][2]float64, len(cfg.Symbols)),
		committedRegime: model.RegimeCalm,
		metrics:         metrics,
	}
	e.feedAdpt = feed.NewAdapter(feed.DefaultConfig(cfg.Symbols), agg)
	e.oiPoller = oi.NewPoller(oi.DefaultConfig(cfg.Symbols), agg)
	if metrics != nil {
		outbox.SetMetrics(metrics)
		e.worker.SetMetrics(metrics)
	}
	return e
}

// Run launches every cooperative task (§5) and blocks until ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup

	feedCtx, feedCancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.restartFeed = func(parent context.Context) {
		feedCancel()
		feedCtx, feedCancel = context.WithCancel(parent)
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.feedAdpt.Run(feedCtx)
		}()
	}
	e.mu.Unlock()

	wg.Add(5)
	go func() { defer wg.Done(); e.feedAdpt.Run(feedCtx) }()
	go func() { defer wg.Done(); e.oiPoller.Run(ctx) }()
	go func() { defer wg.Done(); e.worker.Run(ctx) }()
	go func() { defer wg.Done(); e.evaluationLoop(ctx) }()
	go func() { defer wg.Done(); e.regimeLoop(ctx) }()

	wg.Add(2)
	go func() { defer wg.Done(); e.feedWatchdog(ctx) }()
	go func() { defer wg.Done(); e.loopWatchdog(ctx) }()

	wg.Wait()
}

// evaluationLoop runs the fixed-cadence tick of §4.4. Ticks are serialized:
// a new ticker fire while a tick is mid-flight simply queues behind the
// channel send, so the 9-step sequence never interleaves across ticks.
func (e *Engine) evaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.IntervalSeconds)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(time.Now())
		}
	}
}

// tick implements the 9-step sequence of §4.4 for every configured symbol,
// in configuration order (§4.4 "Ordering").
func (e *Engine) tick(now time.Time) {
	for _, sym := range e.cfg.Symbols {
		e.evalSymbol(sym, now)
	}
	e.mu.Lock()
	e.lastEvalTS = now
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.OutboxDepth.Set(float64(e.outbox.Len()))
	}
}

func (e *Engine) evalSymbol(sym string, now time.Time) {
	snap, ok := e.agg.Snapshot(sym, now) // step 1
	if !ok {
		return
	}

	// step 2 (funding pair advance) is applied inside the aggregator itself
	// on ingest (window.Aggregator.IngestMark); the snapshot already carries
	// the current (Funding, PrevFunding) pair.

	in := risk.Input{
		Funding:              snap.Funding,
		PrevFunding:          snap.PrevFunding,
		FundingKnown:         snap.FundingKnown,
		PressureRatio:        snap.PressureRatio,
		OISeries:             snap.OISeries, // step 3: bootstrap already applied by the aggregator
		LiquidationSum:       snap.LiqSum,
		LiqLongSum:           snap.LiqLongSum,
		LiqShortSum:          snap.LiqShortSum,
		LiquidationThreshold: e.cfg.LiqThresholds[sym],
		Price:                snap.Price,
		PriceKnown:           snap.PriceKnown,
	}
	result := risk.Score(in, e.scorer) // step 4
	if e.metrics != nil {
		e.metrics.RiskScore.WithLabelValues(sym).Observe(float64(result.Score))
		e.metrics.FeedAge.WithLabelValues(sym).Set(snap.FeedAgeSeconds)
	}

	_, bucket := quality.Score(snap) // step 5
	log.Info().Str("symbol", sym).Int("score", result.Score).Str("direction", string(result.Direction)).
		Str("quality", string(bucket)).Msg("risk_eval")
	if bucket == model.QualityLow {
		return
	}

	confidence := quality.Confidence(result, e.cfg.EarlyLevel, snap.LiqSum) // step 6
	level := quality.Level(confidence)
	if e.metrics != nil {
		e.metrics.ConfidenceGauge.WithLabelValues(sym).Set(float64(confidence))
	}

	kind, fire := e.decideAlertKind(result, confidence) // step 7
	if fire {
		e.enqueueAlert(sym, kind, result, confidence, level, snap, now)
	}

	e.runDivergence(sym, result, snap, now) // steps 8-9
}

func (e *Engine) decideAlertKind(result model.RiskResult, confidence int) (model.AlertKind, bool) {
	if result.Score >= e.cfg.HardLevel && result.Direction != model.DirectionNeutral && confidence >= 3 {
		return model.AlertHard, true
	}
	if result.Score >= e.cfg.EarlyLevel {
		return model.AlertBuildup, true
	}
	return "", false
}

func (e *Engine) enqueueAlert(sym string, kind model.AlertKind, result model.RiskResult, confidence int, level model.ConfidenceLevel, snap model.Snapshot, now time.Time) {
	eventID := alert.MakeEventID(sym, now, string(kind), 0)
	if e.history.AlreadyRecorded(eventID) {
		return
	}
	evt := model.AlertEvent{
		EventID:    eventID,
		Symbol:     sym,
		Kind:       kind,
		Risk:       result.Score,
		Direction:  result.Direction,
		Confidence: confidence,
		Driver:     result.Driver,
		Price:      snap.Price,
		Text:       renderAlertText(sym, kind, result, confidence, level, snap),
		TS:         now,
	}
	e.outbox.Enqueue(evt, nil)
}

func (e *Engine) runDivergence(sym string, result model.RiskResult, snap model.Snapshot, now time.Time) {
	e.mu.Lock()
	committed := e.committedRegime
	hist := e.priceHistory[sym]
	e.priceHistory[sym] = [2]float64{hist[1], snap.Price}
	e.mu.Unlock()

	priceTrend := model.TrendFlat
	if hist[0] != 0 && snap.Price != 0 {
		priceTrend = e.cfg.DivergenceConfig.PriceTrendFromHistory(sym, hist[0], snap.Price)
	}

	kinds := e.divDet.Detect(sym, committed, snap.PressureRatio, snap.OISeries, priceTrend, snap.LiqSum, now)
	for i, k := range kinds {
		eventID := alert.MakeEventID(sym, now, string(k), i+1)
		if e.history.AlreadyRecorded(eventID) {
			continue
		}
		evt := model.AlertEvent{
			EventID:   eventID,
			Symbol:    sym,
			Kind:      model.AlertDivergence,
			Risk:      result.Score,
			Direction: result.Direction,
			Driver:    result.Driver,
			Price:     snap.Price,
			Text:      fmt.Sprintf("%s divergence: %s", sym, k),
			TS:        now,
		}
		e.outbox.Enqueue(evt, nil)
	}
}

func renderAlertText(sym string, kind model.AlertKind, result model.RiskResult, confidence int, level model.ConfidenceLevel, snap model.Snapshot) string {
	return fmt.Sprintf("%s %s risk=%d dir=%s conf=%d(%s) driver=%s reasons=%v",
		sym, kind, result.Score, result.Direction, confidence, level, result.Driver, result.Reasons)
}

// regimeLoop recomputes MarketState and advances the hysteresis classifier
// on the coarse cadence of §4.3.
func (e *Engine) regimeLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RegimeCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.regimeTick(time.Now())
		}
	}
}

func (e *Engine) regimeTick(now time.Time) {
	state := e.buildMarketState(now)
	candidate := regime.Candidate(e.cfg.RegimeConfig, state)

	e.mu.Lock()
	prevCommitted := e.committedRegime
	e.mu.Unlock()

	committed := e.regimeCls.Tick(candidate)

	e.mu.Lock()
	e.committedRegime = committed
	e.mu.Unlock()

	if e.metrics != nil && committed != prevCommitted {
		e.metrics.RecordRegimeChange(string(prevCommitted), string(committed), []string{
			string(model.RegimeCalm), string(model.RegimeLatentStress),
			string(model.RegimeCrowdImbalance), string(model.RegimeStress), string(model.RegimeNeutral),
		})
	}

	activity := regime.Activity(e.cfg.RegimeConfig, state.AlertsInWindow)
	log.Info().Str("regime", string(committed)).Str("activity", string(activity)).
		Float64("avg_risk", state.AvgRisk).Int("buildups", state.EarlyCount).Msg("regime_tick")
}

func (e *Engine) buildMarketState(now time.Time) model.MarketState {
	syms := e.cfg.Symbols
	var totalScore float64
	earlyCount, longBias, shortBias := 0, 0, 0
	for _, sym := range syms {
		snap, ok := e.agg.Snapshot(sym, now)
		if !ok {
			continue
		}
		result := risk.Score(risk.Input{
			Funding: snap.Funding, PrevFunding: snap.PrevFunding, FundingKnown: snap.FundingKnown,
			PressureRatio: snap.PressureRatio, OISeries: snap.OISeries,
			LiquidationSum: snap.LiqSum, LiqLongSum: snap.LiqLongSum, LiqShortSum: snap.LiqShortSum,
			LiquidationThreshold: e.cfg.LiqThresholds[sym],
			Price: snap.Price, PriceKnown: snap.PriceKnown,
		}, e.scorer)
		totalScore += float64(result.Score)
		if result.Score >= e.cfg.EarlyLevel {
			earlyCount++
		}
		switch result.Direction {
		case model.DirectionLong:
			longBias++
		case model.DirectionShort:
			shortBias++
		}
	}
	avg := 0.0
	if len(syms) > 0 {
		avg = totalScore / float64(len(syms))
	}
	return model.MarketState{
		AvgRisk:        avg,
		SymbolsTracked: len(syms),
		EarlyCount:     earlyCount,
		AlertsInWindow: e.history.TotalInWindow(),
		LongBias:       longBias,
		ShortBias:      shortBias,
	}
}

// feedWatchdog implements §4.8: restart the feed task when the freshest
// event across all symbols has gone stale.
func (e *Engine) feedWatchdog(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.FeedCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			age, found := e.agg.FreshestAge(time.Now())
			if !found {
				continue
			}
			if age > e.cfg.FeedStaleTTL {
				log.Warn().Dur("age", age).Msg("feed_watchdog_restart")
				e.mu.Lock()
				restart := e.restartFeed
				e.mu.Unlock()
				if restart != nil {
					restart(ctx)
				}
			}
		}
	}
}

// loopWatchdog implements §4.8: emit a system_warning when risk_eval has
// stopped advancing.
func (e *Engine) loopWatchdog(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.LoopCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			last := e.lastEvalTS
			e.mu.Unlock()
			if last.IsZero() {
				continue
			}
			if time.Since(last) > e.cfg.LoopStaleTTL {
				log.Warn().Time("last_eval", last).Msg("system_warning")
			}
		}
	}
}

// Symbols returns a copy of the configured symbols sorted alphabetically, for HTTP/health reporting.
func (e *Engine) Symbols() []string {
	out := append([]string(nil), e.cfg.Symbols...)
	sort.Strings(out)
	return out
}

// HealthSnapshot satisfies httpapi.HealthSource for the HTTP health surface.
func (e *Engine) HealthSnapshot() httpapi.Health {
	age, fresh := e.agg.FreshestAge(time.Now())
	e.mu.Lock()
	last := e.lastEvalTS
	committed := e.committedRegime
	e.mu.Unlock()
	return httpapi.Health{
		FeedAge:   age,
		FeedFresh: fresh,
		LastEval:  last,
		Regime:    string(committed),
		QueueLen:  e.outbox.Len(),
	}
}
