// Package risk decides when an open hedge must be closed.
//
// Exit logic is split in two: pluggable ExitStrategy implementations rank
// the ordinary reasons (divergence flip, erosion, age) as a waterfall, while
// the Controller runs the critical detectors (liquidated legs, token
// imbalance, venue force orders) that pre-empt the waterfall and bypass the
// minimum-hold guard.
package risk

import (
	"fmt"
	"time"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

// ExitStrategy evaluates one position against the current funding rates.
// Implementations are pure: no I/O, no clock beyond the passed time.
type ExitStrategy interface {
	Name() string
	ShouldExit(pos *types.Position, rates types.FundingRates, now time.Time) (bool, string)
}

// NewExitStrategy builds the strategy named in the config.
func NewExitStrategy(cfg config.RiskConfig) (ExitStrategy, error) {
	switch cfg.Strategy {
	case "divergence":
		return &divergenceStrategy{cfg: cfg}, nil
	case "time_limit":
		return &timeLimitStrategy{cfg: cfg}, nil
	case "combined":
		return &combinedStrategy{
			divergence: &divergenceStrategy{cfg: cfg},
			timeLimit:  &timeLimitStrategy{cfg: cfg},
		}, nil
	default:
		return nil, fmt.Errorf("unknown exit strategy %q", cfg.Strategy)
	}
}

// divergenceStrategy exits when the funding divergence flips sign or erodes
// too far relative to the entry divergence.
type divergenceStrategy struct {
	cfg config.RiskConfig
}

func (s *divergenceStrategy) Name() string { return "divergence" }

func (s *divergenceStrategy) ShouldExit(pos *types.Position, rates types.FundingRates, _ time.Time) (bool, string) {
	if rates.Divergence < s.cfg.FlipMargin {
		return true, types.ExitDivergenceFlipped
	}
	if pos.EntryDivergence <= 0 {
		return false, ""
	}
	ratio := rates.Divergence / pos.EntryDivergence
	if ratio < s.cfg.SevereErosionRatio {
		return true, types.ExitSevereErosion
	}
	if ratio < s.cfg.MinErosionThreshold {
		return true, types.ExitProfitErosion
	}
	return false, ""
}

// timeLimitStrategy exits positions older than the configured maximum age.
type timeLimitStrategy struct {
	cfg config.RiskConfig
}

func (s *timeLimitStrategy) Name() string { return "time_limit" }

func (s *timeLimitStrategy) ShouldExit(pos *types.Position, _ types.FundingRates, now time.Time) (bool, string) {
	if s.cfg.MaxPositionAgeHours > 0 && pos.AgeHours(now) > s.cfg.MaxPositionAgeHours {
		return true, types.ExitTimeLimit
	}
	return false, ""
}

// combinedStrategy runs divergence checks first, then the age check.
// Production default.
type combinedStrategy struct {
	divergence *divergenceStrategy
	timeLimit  *timeLimitStrategy
}

func (s *combinedStrategy) Name() string { return "combined" }

func (s *combinedStrategy) ShouldExit(pos *types.Position, rates types.FundingRates, now time.Time) (bool, string) {
	if exit, reason := s.divergence.ShouldExit(pos, rates, now); exit {
		return true, reason
	}
	return s.timeLimit.ShouldExit(pos, rates, now)
}
