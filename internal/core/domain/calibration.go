package domain

import "time"

// CalibrationFactor is the learned correction for one task category:
// an exponentially weighted mean of the ratio actual/estimated.
type CalibrationFactor struct {
	Ratio     float64   `json:"ratio"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CalibrationSnapshot is an immutable, versioned view of the
// calibration table. It is produced only by the feedback loop and
// passed into scheduling passes; a pass never mutates it.
type CalibrationSnapshot struct {
	Version int64                        `json:"version"`
	Factors map[string]CalibrationFactor `json:"factors"`
}

// EmptyCalibration is the initial state before any feedback arrived.
func EmptyCalibration() *CalibrationSnapshot {
	return &CalibrationSnapshot{Factors: make(map[string]CalibrationFactor)}
}

// Factor returns the correction ratio for a category, 1.0 when the
// category has no history yet.
func (c *CalibrationSnapshot) Factor(category string) float64 {
	if c == nil {
		return 1.0
	}
	if f, ok := c.Factors[category]; ok && f.Ratio > 0 {
		return f.Ratio
	}
	return 1.0
}

// Adjust applies the category correction to a raw oracle estimate.
// Exactly one layer applies this: the oracle adapter for remote
// estimators, or the test fake. Variance scales with the same ratio
// so the distribution keeps its relative spread.
func (c *CalibrationSnapshot) Adjust(category string, raw Estimate) Estimate {
	ratio := c.Factor(category)
	if ratio == 1.0 {
		return raw
	}
	raw.Mean = time.Duration(float64(raw.Mean) * ratio)
	raw.Variance = time.Duration(float64(raw.Variance) * ratio)
	raw.HistoricalDataUsed = true
	return raw
}
