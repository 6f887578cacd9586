package models

// LevelScores maps each level of one dimension to its additive score.
type LevelScores struct {
	Low  float64 `json:"low" yaml:"low"`
	Mid  float64 `json:"mid" yaml:"mid"`
	High float64 `json:"high" yaml:"high"`
}

func (s LevelScores) For(l Level) float64 {
	switch l {
	case LevelLow:
		return s.Low
	case LevelMid:
		return s.Mid
	case LevelHigh:
		return s.High
	}
	return 0
}

// ScoreConfig holds either the legacy per-dimension tables or the 27-entry
// combination table keyed "uncertainty-complexity-effort". Combinations win
// when both are set.
type ScoreConfig struct {
	Uncertainty  *LevelScores       `json:"uncertainty,omitempty" yaml:"uncertainty,omitempty"`
	Complexity   *LevelScores       `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	Effort       *LevelScores       `json:"effort,omitempty" yaml:"effort,omitempty"`
	Combinations map[string]float64 `json:"combinations" yaml:"combinations,omitempty"`
}

// CombinationKey builds the lookup key for a combination table.
func CombinationKey(uncertainty, complexity, effort Level) string {
	return string(uncertainty) + "-" + string(complexity) + "-" + string(effort)
}

// IsZero reports whether no scheme is configured at all.
func (c ScoreConfig) IsZero() bool {
	return c.Combinations == nil && c.Uncertainty == nil && c.Complexity == nil && c.Effort == nil
}
