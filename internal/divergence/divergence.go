// Package divergence implements the per-symbol divergence detector of §4.5,
// ported from the source's divergence.py: class-parameterized thresholds,
// per-symbol overrides, and per-(symbol,kind) cooldowns.
package divergence

import (
	"time"

	"github.com/sawpanic/riskmonitor/internal/model"
)

// ClassParams are the four pressure thresholds plus the price-trend epsilon
// and cooldown multiplier for one symbol class (L1-L4).
type ClassParams struct {
	LongTrapPressure     float64 `yaml:"long_trap_pressure"`
	ShortSqueezePressure float64 `yaml:"short_squeeze_pressure"`
	FakeMovePressure     float64 `yaml:"fake_move_pressure"`
	CapitulationPressure float64 `yaml:"capitulation_pressure"`
	PriceTrendDelta      float64 `yaml:"price_trend_delta"`
	CooldownMultiplier   float64 `yaml:"cooldown_multiplier"`
}

// Config is the full divergence parameter set: base cooldowns per kind,
// per-class params, per-symbol overrides and the symbol->class map.
type Config struct {
	BaseCooldownSeconds map[model.DivergenceKind]int          `yaml:"base_cooldown_seconds"`
	ClassParams         map[model.SymbolClass]ClassParams     `yaml:"class_params"`
	SymbolClasses       map[string]model.SymbolClass          `yaml:"symbol_classes"`
	SymbolOverrides     map[string]ClassParams                `yaml:"symbol_overrides"` // zero fields mean "not overridden"
	DefaultClass        model.SymbolClass                     `yaml:"default_class"`
}

// DefaultConfig reproduces the exact table from original_source/divergence.py.
func DefaultConfig() Config {
	return Config{
		BaseCooldownSeconds: map[model.DivergenceKind]int{
			model.LongTrap:     1800,
			model.ShortSqueeze: 900,
			model.FakeMove:     1200,
			model.Capitulation: 1800,
		},
		DefaultClass: model.ClassL3,
		ClassParams: map[model.SymbolClass]ClassParams{
			model.ClassL1: {0.68, 0.74, 0.74, 0.32, 0.0007, 1.2},
			model.ClassL2: {0.66, 0.72, 0.72, 0.34, 0.0010, 1.0},
			model.ClassL3: {0.65, 0.71, 0.71, 0.35, 0.0012, 0.95},
			model.ClassL4: {0.64, 0.70, 0.70, 0.36, 0.0015, 0.9},
		},
		SymbolClasses: map[string]model.SymbolClass{
			"BTCUSDT": model.ClassL1, "ETHUSDT": model.ClassL1,
			"SOLUSDT": model.ClassL2, "DOGEUSDT": model.ClassL2, "ADAUSDT": model.ClassL2,
			"LINKUSDT": model.ClassL2, "LTCUSDT": model.ClassL2, "BCHUSDT": model.ClassL2,
			"BNBUSDT": model.ClassL3, "TRXUSDT": model.ClassL3, "XRPUSDT": model.ClassL3, "XLMUSDT": model.ClassL3,
			"HBARUSDT": model.ClassL4, "XMRUSDT": model.ClassL4, "ZECUSDT": model.ClassL4, "HYPEUSDT": model.ClassL4,
		},
		SymbolOverrides: map[string]ClassParams{
			"ETHUSDT":  {0.67, 0.73, 0.73, 0.33, 0, 1.15},
			"DOGEUSDT": {0, 0, 0, 0, 0.0010, 0},
			"ADAUSDT":  {0, 0, 0, 0, 0.0010, 0},
			"LINKUSDT": {0, 0, 0, 0, 0.0010, 0},
			"LTCUSDT":  {0, 0, 0, 0, 0.0010, 0},
			"BCHUSDT":  {0, 0, 0, 0, 0.0010, 0},
			"SOLUSDT":  {0, 0, 0, 0, 0.0009, 0},
			"BNBUSDT":  {0, 0, 0, 0, 0.0011, 0.95},
			"TRXUSDT":  {0, 0, 0, 0, 0.0011, 0.95},
			"XRPUSDT":  {0, 0, 0, 0, 0.0012, 0.95},
			"XLMUSDT":  {0, 0, 0, 0, 0.0012, 0.95},
			"HBARUSDT": {0, 0, 0, 0, 0.0014, 0},
			"XMRUSDT":  {0, 0, 0, 0, 0.0014, 0},
			"ZECUSDT":  {0, 0, 0, 0, 0.0015, 0},
			"HYPEUSDT": {0, 0, 0, 0, 0.0016, 0.85},
		},
	}
}

func (c Config) paramsFor(symbol string) ClassParams {
	class, ok := c.SymbolClasses[symbol]
	if !ok {
		class = c.DefaultClass
	}
	p := c.ClassParams[class]
	ov, ok := c.SymbolOverrides[symbol]
	if !ok {
		return p
	}
	if ov.LongTrapPressure != 0 {
		p.LongTrapPressure = ov.LongTrapPressure
	}
	if ov.ShortSqueezePressure != 0 {
		p.ShortSqueezePressure = ov.ShortSqueezePressure
	}
	if ov.FakeMovePressure != 0 {
		p.FakeMovePressure = ov.FakeMovePressure
	}
	if ov.CapitulationPressure != 0 {
		p.CapitulationPressure = ov.CapitulationPressure
	}
	if ov.PriceTrendDelta != 0 {
		p.PriceTrendDelta = ov.PriceTrendDelta
	}
	if ov.CooldownMultiplier != 0 {
		p.CooldownMultiplier = ov.CooldownMultiplier
	}
	return p
}

// Detector tracks per-(symbol,kind) cooldown state. Only the evaluation loop
// calls Detect, so no internal locking is required beyond what callers add
// if they ever share one Detector across goroutines.
type Detector struct {
	cfg      Config
	lastSeen map[cooldownKey]time.Time
}

type cooldownKey struct {
	symbol string
	kind   model.DivergenceKind
}

func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg, lastSeen: make(map[cooldownKey]time.Time)}
}

func (d *Detector) cooldownOK(symbol string, kind model.DivergenceKind, now time.Time, multiplier float64) bool {
	key := cooldownKey{symbol, kind}
	base := time.Duration(d.cfg.BaseCooldownSeconds[kind]) * time.Second
	ttl := time.Duration(float64(base) * multiplier)
	if last, ok := d.lastSeen[key]; ok && now.Sub(last) < ttl {
		return false
	}
	d.lastSeen[key] = now
	return true
}

// OITrend computes the first-to-last trend over a window, or OITrendNone
// when fewer than two points are available (§4.5 "oi_trend").
func OITrend(series []model.OIPoint) model.OITrend {
	if len(series) < 2 {
		return model.OITrendNone
	}
	start, end := series[0].Value, series[len(series)-1].Value
	switch {
	case end > start:
		return model.OITrendUp
	case end < start:
		return model.OITrendDown
	default:
		return model.OITrendNone
	}
}

// Detect evaluates the four divergence rules of §4.5 for one symbol on one
// tick and returns any that fire, respecting per-kind cooldowns. No
// divergence fires while regimeState is CALM.
func (d *Detector) Detect(symbol string, regimeState model.RegimeCandidate, pressure float64, oiSeries []model.OIPoint, priceTrend model.PriceTrend, liquidations float64, now time.Time) []model.DivergenceKind {
	if regimeState == model.RegimeCalm {
		return nil
	}

	params := d.cfg.paramsFor(symbol)
	trend := OITrend(oiSeries)

	var out []model.DivergenceKind

	inStressFamily := regimeState == model.RegimeLatentStress || regimeState == model.RegimeNeutral ||
		regimeState == model.RegimeCrowdImbalance || regimeState == model.RegimeStress
	inCrowdOrStress := regimeState == model.RegimeCrowdImbalance || regimeState == model.RegimeStress

	if inStressFamily &&
		pressure > params.LongTrapPressure &&
		trend == model.OITrendUp &&
		(priceTrend == model.TrendFlat || priceTrend == model.TrendDown) &&
		d.cooldownOK(symbol, model.LongTrap, now, params.CooldownMultiplier) {
		out = append(out, model.LongTrap)
	}

	if inCrowdOrStress &&
		pressure > params.ShortSqueezePressure &&
		trend == model.OITrendUp &&
		liquidations > 0 &&
		d.cooldownOK(symbol, model.ShortSqueeze, now, params.CooldownMultiplier) {
		out = append(out, model.ShortSqueeze)
	}

	if inStressFamily &&
		pressure > params.FakeMovePressure &&
		trend == model.OITrendDown &&
		(priceTrend == model.TrendUp || priceTrend == model.TrendFlat) &&
		d.cooldownOK(symbol, model.FakeMove, now, params.CooldownMultiplier) {
		out = append(out, model.FakeMove)
	}

	if regimeState == model.RegimeStress &&
		pressure < params.CapitulationPressure &&
		trend == model.OITrendDown &&
		liquidations > 0 &&
		d.cooldownOK(symbol, model.Capitulation, now, params.CooldownMultiplier) {
		out = append(out, model.Capitulation)
	}

	return out
}

// PriceTrendFromHistory computes the coarse UP/DOWN/FLAT label from a short
// price history, using the symbol's class/override epsilon (§4.5).
func (c Config) PriceTrendFromHistory(symbol string, first, last float64) model.PriceTrend {
	if first == 0 {
		return model.TrendFlat
	}
	delta := (last - first) / first
	eps := c.paramsFor(symbol).PriceTrendDelta
	switch {
	case delta > eps:
		return model.TrendUp
	case delta < -eps:
		return model.TrendDown
	default:
		return model.TrendFlat
	}
}
