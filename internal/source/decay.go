package source

import (
	"math"
	"time"
)

// DecayConfig holds time decay parameters for source confidence.
type DecayConfig struct {
	HalfLifeDays int     `yaml:"half_life_days" mapstructure:"half_life_days"`
	Floor        float64 `yaml:"floor" mapstructure:"floor"`
}

// EffectiveConfidence returns raw confidence decayed by data age:
// max(floor, raw * 2^(-ageDays/halfLifeDays)). Undated or future data is
// taken as current.
func EffectiveConfidence(raw float64, dataAsOf, now time.Time, decay DecayConfig) float64 {
	if raw <= 0 {
		return 0
	}
	if dataAsOf.IsZero() {
		return raw
	}
	ageDays := now.Sub(dataAsOf).Hours() / 24
	if ageDays <= 0 {
		return raw
	}

	halfLife := float64(decay.HalfLifeDays)
	if halfLife <= 0 {
		halfLife = 365
	}

	decayed := raw * math.Pow(2, -ageDays/halfLife)
	if decayed < decay.Floor {
		return math.Min(decay.Floor, raw)
	}
	return decayed
}
