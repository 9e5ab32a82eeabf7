// Package protocol also holds the session difficulty model. There is no
// auto-retargeting engine here: the proxy's only difficulty adjustment is
// a per-session static value, raised on mining.suggest_difficulty against a
// configured floor. Pool-style vardiff compatibility is explicitly out of
// scope.
package protocol

import (
	"math/big"

	"github.com/btcbridge/stratumproxy/pkg/crypto"
)

// DifficultyConfig bounds the static difficulty a session may be assigned.
type DifficultyConfig struct {
	InitialDifficulty float64
	MinDifficulty     float64
	MaxDifficulty     float64
}

// ClampDifficulty constrains d to [cfg.MinDifficulty, cfg.MaxDifficulty].
func (cfg DifficultyConfig) ClampDifficulty(d float64) float64 {
	if d < cfg.MinDifficulty {
		return cfg.MinDifficulty
	}
	if d > cfg.MaxDifficulty {
		return cfg.MaxDifficulty
	}
	return d
}

// TargetFromDifficulty converts a session difficulty into its share target,
// delegating to the shared big.Int math in pkg/crypto.
func TargetFromDifficulty(difficulty float64) *big.Int {
	return crypto.DifficultyToTarget(difficulty)
}

// DifficultyFromTarget converts a target back into a difficulty value.
func DifficultyFromTarget(target *big.Int) float64 {
	return crypto.TargetToDifficulty(target)
}
