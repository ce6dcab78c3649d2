// internal/allocation/engine.go
package allocation

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/swarmlabs/solswarm/internal/control"
	"github.com/swarmlabs/solswarm/internal/rules"
	"github.com/swarmlabs/solswarm/internal/wallet"
)

// WalletSource narrows which wallets a plan may use. Precedence:
// explicit group, then explicit id list, then all of the user's
// wallets.
type WalletSource struct {
	GroupID   string
	WalletIDs []string
}

// Summary describes the produced plan.
type Summary struct {
	AssetID     string
	Strategy    control.Strategy
	TotalVolume float64
	WalletCount int
	PreparedAt  time.Time
}

// Plan is the rule-checked per-wallet execution plan.
type Plan struct {
	Summary    Summary
	Allocation []Entry
}

// PlanResult is the non-throwing wrapper around PreparePlan.
type PlanResult struct {
	Plan    *Plan
	Error   string // "", "rule_violation", "allocation_error"
	Message string
}

// RuleResolver resolves the rule set for a (user, asset) pair.
type RuleResolver interface {
	Resolve(userID, assetID string) rules.RuleSet
}

// WalletProvider is the custody collaborator surface the engine needs.
type WalletProvider interface {
	Lookup(walletID string) (*wallet.Wallet, bool)
	ByGroup(owner, group string) []*wallet.Wallet
	ByOwner(owner string) []*wallet.Wallet
}

// Engine turns (strategy, volume, wallet pool) into a rule-checked
// execution plan.
type Engine struct {
	wallets WalletProvider
	rules   RuleResolver
	logger  *zap.Logger
}

// NewEngine creates the allocation engine.
func NewEngine(wallets WalletProvider, ruleStore RuleResolver, logger *zap.Logger) *Engine {
	return &Engine{
		wallets: wallets,
		rules:   ruleStore,
		logger:  logger.Named("allocation"),
	}
}

// PreparePlan sources wallets, resolves volume, enforces rules, and
// allocates. It raises *RuleViolationError or *AllocationError.
func (e *Engine) PreparePlan(userID, assetID string, strategy control.Strategy,
	totalVolume float64, source WalletSource, profit ProfitContext,
	ruleOverride *rules.RuleSet) (*Plan, error) {

	pool := e.sourceWallets(userID, source)
	if len(pool) == 0 {
		return nil, &AllocationError{Reason: "no usable wallets for user " + userID}
	}

	rs := e.rules.Resolve(userID, assetID)
	if ruleOverride != nil {
		rs = *ruleOverride
	}

	volume := totalVolume
	if volume <= 0 {
		volume = rs.BuyPressureVolume * volumeMultiplier(strategy)
	}

	if violation := checkRules(rs, len(pool), volume, profit); violation != nil {
		e.logger.Warn("Plan rejected by rule guard",
			zap.String("user", userID),
			zap.String("asset", assetID),
			zap.Int("violations", len(violation.Violations)))
		return nil, violation
	}

	entries, err := allocate(strategy, pool, volume)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Summary: Summary{
			AssetID:     assetID,
			Strategy:    strategy,
			TotalVolume: volume,
			WalletCount: len(entries),
			PreparedAt:  time.Now(),
		},
		Allocation: entries,
	}

	e.logger.Info("Execution plan prepared",
		zap.String("user", userID),
		zap.String("asset", assetID),
		zap.String("strategy", string(strategy)),
		zap.Float64("volume", volume),
		zap.Int("wallets", len(entries)))

	return plan, nil
}

// GenerateExecutionPlan wraps PreparePlan and converts raised errors
// into a tagged result for non-throwing callers.
func (e *Engine) GenerateExecutionPlan(userID, assetID string, strategy control.Strategy,
	totalVolume float64, source WalletSource, profit ProfitContext,
	ruleOverride *rules.RuleSet) PlanResult {

	plan, err := e.PreparePlan(userID, assetID, strategy, totalVolume, source, profit, ruleOverride)
	if err == nil {
		return PlanResult{Plan: plan}
	}

	var ruleErr *RuleViolationError
	if errors.As(err, &ruleErr) {
		return PlanResult{Error: "rule_violation", Message: ruleErr.Error()}
	}
	var allocErr *AllocationError
	if errors.As(err, &allocErr) {
		return PlanResult{Error: "allocation_error", Message: allocErr.Error()}
	}
	return PlanResult{Error: "allocation_error", Message: err.Error()}
}

// sourceWallets applies the sourcing precedence and drops wallets that
// fail to resolve. Ownership is always enforced.
func (e *Engine) sourceWallets(userID string, source WalletSource) []*wallet.Wallet {
	switch {
	case source.GroupID != "":
		return e.wallets.ByGroup(userID, source.GroupID)
	case len(source.WalletIDs) > 0:
		var pool []*wallet.Wallet
		for _, id := range source.WalletIDs {
			w, ok := e.wallets.Lookup(id)
			if !ok || w.Owner != userID {
				// Unusable wallet, not fatal to the whole plan.
				continue
			}
			pool = append(pool, w)
		}
		return pool
	default:
		return e.wallets.ByOwner(userID)
	}
}

// Side is the transaction direction derived from an allocation entry.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Intent is the per-entry transaction intent.
type Intent struct {
	WalletID string
	Side     Side
	Amount   float64
}

// DeriveIntents maps allocation roles to trade directions. Liquidity
// roles alternate by allocation index so the plan never degenerates
// into a one-directional buy program.
func DeriveIntents(entries []Entry) []Intent {
	intents := make([]Intent, len(entries))
	for i, entry := range entries {
		side := SideBuy
		switch {
		case entry.Role == RoleExit || strings.Contains(entry.Role, "sell"):
			side = SideSell
		case entry.Role == RoleLiquidity:
			if i%2 == 1 {
				side = SideSell
			}
		}
		intents[i] = Intent{WalletID: entry.WalletID, Side: side, Amount: entry.Amount}
	}
	return intents
}
