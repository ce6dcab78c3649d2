// internal/control/classifier.go
package control

import (
	"github.com/swarmlabs/solswarm/internal/market"
)

// Phase is the venue lifecycle stage. The Bonding→AMM transition is
// one-way: once migrated a session never reverts.
type Phase string

const (
	PhaseBonding Phase = "bonding"
	PhaseAMM     Phase = "amm"
)

// ProtocolStatus is the current market regime. It is recomputed on
// every update with no memory beyond the previous value.
type ProtocolStatus string

const (
	StatusMomentum    ProtocolStatus = "momentum"
	StatusStabilizing ProtocolStatus = "stabilizing"
	StatusCapturing   ProtocolStatus = "capturing"
)

// Thresholds parameterize regime classification.
type Thresholds struct {
	MomentumChangePct    float64 // 5m price change at or above which momentum applies
	StabilizationDropPct float64 // 5m price change at or below which the market is stabilizing
	LPHealthFloor        float64 // minimum liquidity depth score
}

// DefaultThresholds mirror the values used in production configs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MomentumChangePct:    5.0,
		StabilizationDropPct: -3.0,
		LPHealthFloor:        1.0,
	}
}

// minHoldersForMomentum guards against classifying thin markets as
// trending on a couple of wallets' activity.
const minHoldersForMomentum = 10

// ClassifyStatus derives the protocol status from a snapshot. Checks
// run in precedence order; the first match wins, so a move that
// qualifies as both momentum and stabilizing resolves to momentum.
func ClassifyStatus(state market.AssetState, th Thresholds) ProtocolStatus {
	stats := state.Stats

	if stats.PriceChange5m >= th.MomentumChangePct &&
		stats.Volume5m > 0 &&
		stats.Holders > minHoldersForMomentum {
		return StatusMomentum
	}

	if stats.PriceChange5m <= th.StabilizationDropPct ||
		state.LPHealth.Score < th.LPHealthFloor {
		return StatusStabilizing
	}

	if stats.CirculatingSupply > 0 && state.LPHealth.Score >= th.LPHealthFloor {
		return StatusCapturing
	}

	return StatusStabilizing
}
