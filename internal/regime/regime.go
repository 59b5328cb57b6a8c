// Package regime implements the market-wide regime and activity
// classifiers of §4.3, adapted from the teacher's internal/regime/detector.go
// majority-vote shape. The tick-confirmation/exit hysteresis state machine
// is new: neither the teacher's detector nor the original Python source
//(original_source/bot.py's detect_market_regime, or the duplicate vote
// logic in the teacher's internal/scheduler/scheduler.go) has it — this is
// the central REDESIGN FLAG of the spec.
package regime

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/riskmonitor/internal/model"
)

// Config holds every regime-classifier threshold and hysteresis tick count (§6).
type Config struct {
	CalmAvgMax          float64 `yaml:"calm_avg_max"`
	LatentStressAvgMin  float64 `yaml:"latent_stress_avg_min"`
	CrowdBuildupsMin    int     `yaml:"crowd_buildups_min"`
	StressAvgMin        float64 `yaml:"stress_avg_min"`
	StressBuildupsMin   int     `yaml:"stress_buildups_min"`

	StressConfirmTicks int `yaml:"stress_confirm_ticks"` // default 3
	StressExitTicks    int `yaml:"stress_exit_ticks"`    // default 2
	CrowdConfirmTicks  int `yaml:"crowd_confirm_ticks"`  // default 2

	ActivityWindow        time.Duration `yaml:"activity_window"`
	ActivityCalmMax       int           `yaml:"activity_calm_max"`
	ActivityFragileMax    int           `yaml:"activity_fragile_max"`
}

// DefaultConfig returns the thresholds named in spec.md §4.3/§9 and the
// activity thresholds from original_source/bot.py.
func DefaultConfig() Config {
	return Config{
		CalmAvgMax:         1,
		LatentStressAvgMin: 2,
		CrowdBuildupsMin:   3,
		StressAvgMin:       2,
		StressBuildupsMin:  3,
		StressConfirmTicks: 3,
		StressExitTicks:    2,
		CrowdConfirmTicks:  2,
		ActivityWindow:     4 * time.Hour,
		ActivityCalmMax:    2,
		ActivityFragileMax: 5,
	}
}

// Candidate computes the raw (unconfirmed) classification of §4.3's
// "Candidate map" from a MarketState.
func Candidate(cfg Config, state model.MarketState) model.RegimeCandidate {
	switch {
	case state.AvgRisk < cfg.CalmAvgMax && state.EarlyCount == 0:
		return model.RegimeCalm
	case state.AvgRisk >= cfg.LatentStressAvgMin && state.EarlyCount == 0 && state.AlertsInWindow == 0:
		return model.RegimeLatentStress
	case state.EarlyCount >= cfg.CrowdBuildupsMin && state.AvgRisk < cfg.StressAvgMin:
		return model.RegimeCrowdImbalance
	case state.AvgRisk >= cfg.StressAvgMin && state.EarlyCount >= cfg.StressBuildupsMin:
		return model.RegimeStress
	default:
		return model.RegimeNeutral
	}
}

// Classifier owns the committed regime and the confirmation/exit tick
// counters that gate transitions into and out of STRESS and into
// CROWD_IMBALANCE (§4.3). It is not safe for concurrent use; the engine's
// regime loop is its sole caller.
type Classifier struct {
	cfg Config

	committed model.RegimeCandidate

	stressConfirmCount int
	stressExitCount    int
	crowdConfirmCount  int

	changes int
}

// NewClassifier starts in CALM with zero history, matching a freshly
// restarted process (§6 "Persisted state: None").
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg, committed: model.RegimeCalm}
}

// Committed returns the currently confirmed regime.
func (c *Classifier) Committed() model.RegimeCandidate { return c.committed }

// Tick advances the hysteresis state machine with one new candidate and
// returns the regime to report: the (possibly unchanged) committed regime,
// except that while a STRESS streak is still short of StressConfirmTicks it
// returns LATENT_STRESS without committing it.
func (c *Classifier) Tick(candidate model.RegimeCandidate) model.RegimeCandidate {
	switch candidate {
	case model.RegimeStress:
		c.stressConfirmCount++
		c.stressExitCount = 0
		if c.committed != model.RegimeStress && c.stressConfirmCount >= c.cfg.StressConfirmTicks {
			c.commit(model.RegimeStress)
		} else if c.committed != model.RegimeStress {
			// Not yet confirmed: report the weaker interim state per §4.3.
			return model.RegimeLatentStress
		}
	default:
		c.stressConfirmCount = 0
		if c.committed == model.RegimeStress {
			c.stressExitCount++
			if c.stressExitCount >= c.cfg.StressExitTicks {
				c.commit(candidate)
			} else {
				return model.RegimeStress // still inside exit-confirmation window
			}
		}
	}

	if candidate == model.RegimeCrowdImbalance {
		c.crowdConfirmCount++
		if c.committed != model.RegimeCrowdImbalance && c.committed != model.RegimeStress {
			if c.crowdConfirmCount >= c.cfg.CrowdConfirmTicks {
				c.commit(model.RegimeCrowdImbalance)
			} else {
				return c.committed
			}
		}
	} else {
		c.crowdConfirmCount = 0
	}

	if candidate != model.RegimeStress && candidate != model.RegimeCrowdImbalance && c.committed != model.RegimeStress {
		c.commit(candidate)
	}

	return c.committed
}

func (c *Classifier) commit(r model.RegimeCandidate) {
	if r == c.committed {
		return
	}
	prev := c.committed
	c.committed = r
	c.changes++
	log.Info().Str("from", string(prev)).Str("to", string(r)).Int("changes", c.changes).Msg("market_regime_change")
}

// Activity buckets recent alert volume into CALM/FRAGILE_CALM/STRESS (§4.3
// "Activity regime"). It keeps no prior state and does not detect or report
// transitions between buckets.
func Activity(cfg Config, alertsInWindow int) model.ActivityRegime {
	switch {
	case alertsInWindow <= cfg.ActivityCalmMax:
		return model.ActivityCalm
	case alertsInWindow <= cfg.ActivityFragileMax:
		return model.ActivityFragile
	default:
		return model.ActivityStress
	}
}
