// Package quality implements the stream-quality and confidence bucketing of
// §4.6. No original-source file implements this rule set (original_source's
// meta.py is a near-empty stub); spec.md §4.6 is the sole grounding.
package quality

import "github.com/sawpanic/riskmonitor/internal/model"

// FreshnessTTLSeconds is the "last event <= TTL" liveness check threshold.
const FreshnessTTLSeconds = 120

// Score counts the boolean checks of §4.6 and returns the bucket.
func Score(snap model.Snapshot) (score int, bucket model.QualityBucket) {
	if snap.FeedAgeSeconds >= 0 && snap.FeedAgeSeconds <= FreshnessTTLSeconds {
		score++
	}
	if snap.FundingKnown {
		score++
	}
	if len(snap.OISeries) >= 2 {
		score++
	}
	if snap.LongVol+snap.ShortVol > 0 {
		score++
	}
	if snap.LiqSum > 0 {
		score++
	}
	if snap.PriceKnown {
		score++
	}

	switch {
	case score < 3:
		bucket = model.QualityLow
	case score >= 5:
		bucket = model.QualityGood
	default:
		bucket = model.QualityMedium
	}
	return score, bucket
}

// Confidence computes the bounded 0..5 confidence of §4.4 step 6: the count
// of satisfied corroborators, plus a +1 bonus each for funding_spike and
// oi_spike, capped at 5.
func Confidence(result model.RiskResult, earlyLevel int, liqSum float64) int {
	corroborators := 0
	if result.Score >= earlyLevel {
		corroborators++
	}
	if result.Direction != model.DirectionNeutral {
		corroborators++
	}
	if result.OISpike {
		corroborators++
	}
	if result.FundingSpike {
		corroborators++
	}
	if liqSum > 0 {
		corroborators++
	}

	confidence := corroborators
	if result.FundingSpike {
		confidence++
	}
	if result.OISpike {
		confidence++
	}
	if confidence > 5 {
		confidence = 5
	}
	return confidence
}

// Level buckets a 0..5 confidence score per §4.6.
func Level(confidence int) model.ConfidenceLevel {
	switch {
	case confidence <= 2:
		return model.ConfidenceLow
	case confidence == 3:
		return model.ConfidenceMedium
	case confidence == 4:
		return model.ConfidenceHigh
	default:
		return model.ConfidenceVeryHigh
	}
}
