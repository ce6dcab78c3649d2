// internal/allocation/guard.go
package allocation

import (
	"fmt"

	"github.com/swarmlabs/solswarm/internal/rules"
)

// ProfitContext carries optional profit/loss figures supplied by the
// caller. A nil field skips the corresponding check.
type ProfitContext struct {
	ExpectedProfitPercent *float64
	CurrentLossPercent    *float64
}

// checkRules evaluates every rule and returns all violations together,
// never stopping at the first failure.
func checkRules(rs rules.RuleSet, walletCount int, volume float64, profit ProfitContext) *RuleViolationError {
	var violations []Violation

	if walletCount > rs.InitialWalletCount {
		violations = append(violations, Violation{
			Rule: "initial_wallet_count",
			Message: fmt.Sprintf("requested %d wallets, limit is %d",
				walletCount, rs.InitialWalletCount),
		})
	}

	if volume > 0 && volume > rs.BuyPressureVolume {
		violations = append(violations, Violation{
			Rule: "buy_pressure_volume",
			Message: fmt.Sprintf("requested volume %.4f SOL exceeds limit %.4f SOL",
				volume, rs.BuyPressureVolume),
		})
	}

	if profit.ExpectedProfitPercent != nil && rs.ArbitrageProfitFloor != nil {
		if *profit.ExpectedProfitPercent < *rs.ArbitrageProfitFloor {
			violations = append(violations, Violation{
				Rule: "arbitrage_profit_floor",
				Message: fmt.Sprintf("expected profit %.2f%% is below floor %.2f%%",
					*profit.ExpectedProfitPercent, *rs.ArbitrageProfitFloor),
			})
		}
	}

	if profit.CurrentLossPercent != nil && rs.GlobalStopLoss != nil {
		if *profit.CurrentLossPercent > *rs.GlobalStopLoss {
			violations = append(violations, Violation{
				Rule: "global_stop_loss",
				Message: fmt.Sprintf("current loss %.2f%% exceeds stop loss %.2f%%",
					*profit.CurrentLossPercent, *rs.GlobalStopLoss),
			})
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &RuleViolationError{Violations: violations}
}
