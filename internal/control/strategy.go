// internal/control/strategy.go
package control

// Strategy names the policy governing volume distribution and trade
// direction per wallet.
type Strategy string

const (
	// StrategyDBPM distributes randomized buy pressure across wallets.
	StrategyDBPM Strategy = "dbpm"
	// StrategyPLD provisions liquidity defense with even concurrent legs.
	StrategyPLD Strategy = "pld"
	// StrategyCMWA runs cross-market wallet arbitrage pairs.
	StrategyCMWA Strategy = "cmwa"
)

// SelectStrategy maps (phase, status) to a strategy. Pure function:
// bonding always trades DBPM; post-migration the status decides.
func SelectStrategy(phase Phase, status ProtocolStatus) Strategy {
	if phase == PhaseBonding {
		return StrategyDBPM
	}
	switch status {
	case StatusStabilizing:
		return StrategyPLD
	case StatusCapturing:
		return StrategyCMWA
	default:
		return StrategyDBPM
	}
}
