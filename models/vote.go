package models

// Level is one rating on a voting dimension.
type Level string

const (
	LevelLow  Level = "low"
	LevelMid  Level = "mid"
	LevelHigh Level = "high"
)

// Levels lists the levels in ascending order.
var Levels = []Level{LevelLow, LevelMid, LevelHigh}

func (l Level) Valid() bool {
	switch l {
	case LevelLow, LevelMid, LevelHigh:
		return true
	}
	return false
}

type Vote struct {
	UserID      string  `json:"userId"`
	Username    string  `json:"username"`
	Uncertainty Level   `json:"uncertainty"`
	Complexity  Level   `json:"complexity"`
	Effort      Level   `json:"effort"`
	TotalScore  float64 `json:"totalScore"`
}

// Valid reports whether all three dimensions carry a known level.
func (v Vote) Valid() bool {
	return v.UserID != "" && v.Uncertainty.Valid() && v.Complexity.Valid() && v.Effort.Valid()
}
