// Package qualify turns a pain score into a qualification decision,
// escalating marginal scores to an external adjudicator.
package qualify

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/qualify-cli/internal/resilience"
)

// Band is a score range with a fixed decision policy.
type Band string

const (
	BandLow      Band = "low"
	BandMarginal Band = "marginal"
	BandHigh     Band = "high"
)

// Bands holds the ordered thresholds splitting scores into three bands:
// score < Low is low, score >= High is high, anything between is marginal.
type Bands struct {
	Low  int `yaml:"low_threshold" mapstructure:"low_threshold"`
	High int `yaml:"high_threshold" mapstructure:"high_threshold"`
}

// DefaultBands returns the built-in thresholds.
func DefaultBands() Bands {
	return Bands{Low: 4, High: 8}
}

// Validate rejects overlapping or out-of-range thresholds.
func (b Bands) Validate() error {
	if b.Low < 0 || b.High > 100 {
		return eris.Wrapf(resilience.ErrInvalidBands, "thresholds %d/%d outside 0..100", b.Low, b.High)
	}
	if b.Low >= b.High {
		return eris.Wrapf(resilience.ErrInvalidBands, "low threshold %d must be below high threshold %d", b.Low, b.High)
	}
	return nil
}

// Classify returns the band containing score.
func (b Bands) Classify(score int) Band {
	switch {
	case score < b.Low:
		return BandLow
	case score >= b.High:
		return BandHigh
	default:
		return BandMarginal
	}
}
