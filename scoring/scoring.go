// Package scoring maps three-dimensional votes to numeric scores.
package scoring

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"planningpoker/models"
)

// DefaultScore is returned when no scheme covers a combination.
const DefaultScore = 1

// Score computes the score of one rating. A combination table, when present,
// takes precedence and scores missing keys as DefaultScore. Otherwise the legacy
// per-dimension tables are summed if all three are configured.
func Score(uncertainty, complexity, effort models.Level, cfg models.ScoreConfig) float64 {
	if cfg.Combinations != nil {
		if v, ok := cfg.Combinations[models.CombinationKey(uncertainty, complexity, effort)]; ok {
			return v
		}
		return DefaultScore
	}

	if cfg.Uncertainty != nil && cfg.Complexity != nil && cfg.Effort != nil {
		return cfg.Uncertainty.For(uncertainty) + cfg.Complexity.For(complexity) + cfg.Effort.For(effort)
	}

	return DefaultScore
}

// VoteScore scores a stored vote against cfg.
func VoteScore(v models.Vote, cfg models.ScoreConfig) float64 {
	return Score(v.Uncertainty, v.Complexity, v.Effort, cfg)
}

// ModeScore returns the most frequent score among votes. Ties go to the score
// seen first in vote order. ok is false when there are no votes.
func ModeScore(votes []models.Vote, cfg models.ScoreConfig) (score float64, ok bool) {
	if len(votes) == 0 {
		return 0, false
	}

	counts := make(map[float64]int, len(votes))
	order := make([]float64, 0, len(votes))
	for _, v := range votes {
		s := VoteScore(v, cfg)
		if _, seen := counts[s]; !seen {
			order = append(order, s)
		}
		counts[s]++
	}

	best := order[0]
	for _, s := range order[1:] {
		if counts[s] > counts[best] {
			best = s
		}
	}
	return best, true
}

var fibonacci = []float64{1, 2, 3, 5, 8, 13, 21}

// DefaultCombinations returns the stock Fibonacci table: the score grows with
// the summed level rank, from 1 for low-low-low to 21 for high-high-high.
func DefaultCombinations() map[string]float64 {
	table := make(map[string]float64, 27)
	for ui, u := range models.Levels {
		for ci, c := range models.Levels {
			for ei, e := range models.Levels {
				table[models.CombinationKey(u, c, e)] = fibonacci[ui+ci+ei]
			}
		}
	}
	return table
}

// DefaultConfig returns a config holding DefaultCombinations.
func DefaultConfig() models.ScoreConfig {
	return models.ScoreConfig{Combinations: DefaultCombinations()}
}

// LoadConfig reads a score config from a YAML file. Combination keys that do
// not name a valid level triple are rejected.
func LoadConfig(path string) (models.ScoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.ScoreConfig{}, fmt.Errorf("failed to read score config: %w", err)
	}

	var cfg models.ScoreConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return models.ScoreConfig{}, fmt.Errorf("failed to parse score config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return models.ScoreConfig{}, err
	}
	return cfg, nil
}

// Validate checks that every combination key is a known "u-c-e" triple.
func Validate(cfg models.ScoreConfig) error {
	if cfg.Combinations == nil {
		return nil
	}
	valid := DefaultCombinations()
	for key := range cfg.Combinations {
		if _, ok := valid[key]; !ok {
			return fmt.Errorf("unknown score combination %q", key)
		}
	}
	return nil
}
