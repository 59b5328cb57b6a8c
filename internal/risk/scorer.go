// Package risk implements the pure per-symbol risk scorer of §4.2, ported
// rule-for-rule from the source's risk.py.
package risk

import "github.com/sawpanic/riskmonitor/internal/model"

// Thresholds holds every configurable numeric the scorer needs (§6). All
// fields are required; RiskConfig.Validate in internal/config enforces that.
type Thresholds struct {
	FundingExtreme float64 `yaml:"funding_extreme_threshold"`
	FundingSpike   float64 `yaml:"funding_spike_threshold"`
	OISpike        float64 `yaml:"oi_spike_threshold"`
}

// Input is everything the scorer needs for one symbol on one tick (§4.2).
type Input struct {
	Funding, PrevFunding float64
	FundingKnown         bool
	PressureRatio        float64 // long/(long+short), 0.5 when empty
	OISeries             []model.OIPoint
	LiquidationSum       float64
	LiqLongSum           float64 // side-of-dominance reason only (§4.2 "liq_sides")
	LiqShortSum          float64
	LiquidationThreshold float64
	Price                float64
	PriceKnown           bool
}

// Score runs the deterministic additive rule set of §4.2. It performs no
// I/O and reads no clock: identical Input always yields identical Result,
// making it safe for property-based testing (§8).
func Score(in Input, th Thresholds) model.RiskResult {
	var score int
	var reasons []string
	votes := map[model.Direction]int{}

	fundingSpike := false
	crowd := false
	liquidationDriver := false
	oiSpike := false

	if in.FundingKnown {
		if abs(in.Funding) > th.FundingExtreme {
			score += 3
			reasons = append(reasons, "funding extreme")
			if in.Funding > 0 {
				votes[model.DirectionLong]++
			} else {
				votes[model.DirectionShort]++
			}
		}
		if abs(in.Funding-in.PrevFunding) > th.FundingSpike {
			fundingSpike = true
		}
	}

	pressure := in.PressureRatio
	switch {
	case pressure > 0.85:
		score += 3
		votes[model.DirectionLong] += 2
		reasons = append(reasons, "extreme long pressure")
		crowd = true
	case pressure > 0.7:
		score += 2
		votes[model.DirectionLong]++
		reasons = append(reasons, "long pressure")
		crowd = true
	case pressure < 0.15:
		score += 3
		votes[model.DirectionShort] += 2
		reasons = append(reasons, "extreme short pressure")
		crowd = true
	case pressure < 0.30:
		score += 2
		votes[model.DirectionShort]++
		reasons = append(reasons, "short pressure")
		crowd = true
	}

	if len(in.OISeries) >= 2 {
		start := in.OISeries[0].Value
		end := in.OISeries[len(in.OISeries)-1].Value
		switch {
		case end > start:
			score += 3
			reasons = append(reasons, "OI rising")
		case end < start:
			score += 3
			reasons = append(reasons, "OI falling")
		}
		if start != 0 && abs(end-start)/abs(start) > th.OISpike {
			oiSpike = true
		}
	}

	if in.LiquidationThreshold > 0 && in.LiquidationSum > in.LiquidationThreshold {
		score += 3
		reasons = append(reasons, "liquidation threshold breached")
		liquidationDriver = true
		switch {
		case in.LiqLongSum > in.LiqShortSum:
			reasons = append(reasons, "long liquidations dominate")
		case in.LiqShortSum > in.LiqLongSum:
			reasons = append(reasons, "short liquidations dominate")
		}
	}

	direction := resolveDirection(votes, pressure)

	driver := classifyDriver(crowd, liquidationDriver, fundingSpike, oiSpike)

	if score < 0 {
		score = 0
	}

	return model.RiskResult{
		Score:        score,
		Direction:    direction,
		Reasons:      reasons,
		FundingSpike: fundingSpike,
		OISpike:      oiSpike,
		Driver:       driver,
	}
}

// resolveDirection picks the argmax of {LONG,SHORT} votes, breaking ties by
// pressure per §4.2. Absence of any vote is NEUTRAL.
func resolveDirection(votes map[model.Direction]int, pressure float64) model.Direction {
	longVotes := votes[model.DirectionLong]
	shortVotes := votes[model.DirectionShort]

	switch {
	case longVotes == 0 && shortVotes == 0:
		return model.DirectionNeutral
	case longVotes > shortVotes:
		return model.DirectionLong
	case shortVotes > longVotes:
		return model.DirectionShort
	default: // tie
		switch {
		case pressure >= 0.7:
			return model.DirectionLong
		case pressure <= 0.3:
			return model.DirectionShort
		default:
			return model.DirectionNeutral
		}
	}
}

// classifyDriver implements detect_risk_driver from risk.py: one active
// driver names itself, multiple collapse to MIXED, none is UNKNOWN.
func classifyDriver(crowd, liquidation, fundingSpike, oiSpike bool) model.Driver {
	active := 0
	var only model.Driver
	check := func(on bool, d model.Driver) {
		if on {
			active++
			only = d
		}
	}
	check(crowd, model.DriverCrowd)
	check(liquidation, model.DriverLiquidation)
	check(fundingSpike, model.DriverFunding)
	check(oiSpike, model.DriverOI)

	switch active {
	case 0:
		return model.DriverUnknown
	case 1:
		return only
	default:
		return model.DriverMixed
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
