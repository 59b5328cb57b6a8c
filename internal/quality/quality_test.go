package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/riskmonitor/internal/model"
)

func TestScore_Buckets(t *testing.T) {
	// All six checks satisfied -> GOOD.
	full := model.Snapshot{
		FeedAgeSeconds: 1,
		FundingKnown:   true,
		OISeries:       []model.OIPoint{{}, {}},
		LongVol:        1,
		LiqSum:         1,
		PriceKnown:     true,
	}
	score, bucket := Score(full)
	assert.Equal(t, 6, score)
	assert.Equal(t, model.QualityGood, bucket)

	empty := model.Snapshot{FeedAgeSeconds: -1}
	score, bucket = Score(empty)
	assert.Equal(t, 0, score)
	assert.Equal(t, model.QualityLow, bucket)

	medium := model.Snapshot{
		FeedAgeSeconds: 1,
		FundingKnown:   true,
		PriceKnown:     true,
	}
	score, bucket = Score(medium)
	assert.Equal(t, 3, score)
	assert.Equal(t, model.QualityMedium, bucket)
}

func TestScore_StaleFeedFailsLivenessCheck(t *testing.T) {
	snap := model.Snapshot{FeedAgeSeconds: FreshnessTTLSeconds + 1}
	score, _ := Score(snap)
	assert.Equal(t, 0, score)
}

func TestConfidence_CountsCorroboratorsAndBonuses(t *testing.T) {
	result := model.RiskResult{
		Score:        6,
		Direction:    model.DirectionLong,
		FundingSpike: true,
		OISpike:      true,
	}
	// corroborators: score>=early, direction!=neutral, oi_spike, funding_spike, liq>0 = 5
	// bonuses: +1 funding_spike, +1 oi_spike = 7, capped at 5
	c := Confidence(result, 4, 10)
	assert.Equal(t, 5, c)
}

func TestConfidence_NoCorroborators(t *testing.T) {
	result := model.RiskResult{Score: 1, Direction: model.DirectionNeutral}
	c := Confidence(result, 4, 0)
	assert.Equal(t, 0, c)
}

func TestLevel_Buckets(t *testing.T) {
	assert.Equal(t, model.ConfidenceLow, Level(0))
	assert.Equal(t, model.ConfidenceLow, Level(2))
	assert.Equal(t, model.ConfidenceMedium, Level(3))
	assert.Equal(t, model.ConfidenceHigh, Level(4))
	assert.Equal(t, model.ConfidenceVeryHigh, Level(5))
}
