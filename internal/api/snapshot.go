package api

import (
	"time"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

// StatusSource is the engine-side view the dashboard reads. The orchestrator
// implements it.
type StatusSource interface {
	Session() types.Session
	DashboardPositions() []*types.Position
	TotalFundingUSD() float64
}

// BuildSnapshot aggregates live strategy state into a dashboard snapshot.
func BuildSnapshot(src StatusSource, cfg config.Config) DashboardSnapshot {
	now := time.Now()
	session := src.Session()
	positions := src.DashboardPositions()

	statuses := make([]PositionStatus, 0, len(positions))
	var exposure, pnl, fees, funding float64
	for _, pos := range positions {
		sizeUSD, _ := pos.SizeUSD.Float64()
		posPnL, _ := pos.PnLUSD.Float64()
		posFees, _ := pos.TotalFeesPaid.Float64()

		var unrealized, accrued float64
		for _, snap := range pos.SnapshotCache {
			u, _ := snap.UnrealizedPnL.Float64()
			f, _ := snap.FundingAccrued.Float64()
			unrealized += u
			accrued += f
		}

		exposure += sizeUSD
		pnl += posPnL + unrealized
		fees += posFees
		funding += accrued

		statuses = append(statuses, PositionStatus{
			ID:              pos.ID,
			Symbol:          pos.Symbol,
			LongVenue:       pos.LongVenue,
			ShortVenue:      pos.ShortVenue,
			SizeUSD:         sizeUSD,
			EntryDivergence: pos.EntryDivergence,
			AgeHours:        pos.AgeHours(now),
			UnrealizedPnL:   unrealized,
			FundingAccrued:  accrued,
			Status:          string(pos.Status),
			OpenedAt:        pos.OpenedAt,
		})
	}

	exposurePct := 0.0
	if cfg.Strategy.MaxTotalExposureUSD > 0 {
		exposurePct = exposure / cfg.Strategy.MaxTotalExposureUSD
	}

	return DashboardSnapshot{
		Timestamp: now,
		Session: SessionStatus{
			ID:            session.ID,
			StartedAt:     session.StartedAt,
			LastHeartbeat: session.LastHeartbeat,
			Health:        session.Health,
			Stage:         session.Stage,
			Paused:        session.Paused,
		},
		Positions: statuses,
		Portfolio: PortfolioStatus{
			OpenPositions:    len(positions),
			TotalExposureUSD: exposure,
			MaxExposureUSD:   cfg.Strategy.MaxTotalExposureUSD,
			ExposurePct:      exposurePct,
			TotalFundingUSD:  src.TotalFundingUSD(),
			TotalPnLUSD:      pnl,
			TotalFeesUSD:     fees,
		},
		Config: NewConfigSummary(cfg),
	}
}
