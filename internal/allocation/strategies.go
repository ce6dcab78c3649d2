// internal/allocation/strategies.go
package allocation

import (
	"math/rand"
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/swarmlabs/solswarm/internal/control"
	"github.com/swarmlabs/solswarm/internal/wallet"
)

// Entry is one wallet's share of the execution plan. Entries are
// ephemeral: produced per call, never persisted.
type Entry struct {
	WalletID    string
	PublicKey   solana.PublicKey
	Role        string
	Amount      float64
	Concurrency bool
}

// Roles assigned by the allocation strategies.
const (
	RoleEntry         = "entry"
	RoleExit          = "exit"
	RoleLiquidity     = "liquidity"
	RoleArbitrageBuy  = "arbitrage_buy"
	RoleArbitrageSell = "arbitrage_sell"
)

// volumeMultiplier scales the default volume per strategy.
func volumeMultiplier(strategy control.Strategy) float64 {
	switch strategy {
	case control.StrategyPLD:
		return 1.5
	case control.StrategyCMWA:
		return 2.0
	default:
		return 1.0
	}
}

// allocate dispatches to the strategy's allocation algorithm.
func allocate(strategy control.Strategy, wallets []*wallet.Wallet, volume float64) ([]Entry, error) {
	switch strategy {
	case control.StrategyDBPM:
		return allocateDBPM(wallets, volume), nil
	case control.StrategyPLD:
		return allocateEven(wallets, volume, func(int) string { return RoleLiquidity }, true), nil
	case control.StrategyCMWA:
		return allocateEven(wallets, volume, func(i int) string {
			if i%2 == 0 {
				return RoleArbitrageBuy
			}
			return RoleArbitrageSell
		}, true), nil
	default:
		return nil, &AllocationError{Reason: "unknown strategy " + string(strategy)}
	}
}

// allocateDBPM shuffles the wallet order and splits the volume by
// stick-breaking: N−1 uniform cut points sorted ascending yield N
// non-negative shares summing to the total. Roles alternate
// entry/exit by shuffled position.
func allocateDBPM(wallets []*wallet.Wallet, volume float64) []Entry {
	n := len(wallets)

	shuffled := make([]*wallet.Wallet, n)
	copy(shuffled, wallets)
	rand.Shuffle(n, func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	shares := stickBreak(n, volume)

	entries := make([]Entry, n)
	for i, w := range shuffled {
		role := RoleEntry
		if i%2 == 1 {
			role = RoleExit
		}
		entries[i] = Entry{
			WalletID:    w.ID,
			PublicKey:   w.PublicKey,
			Role:        role,
			Amount:      shares[i],
			Concurrency: false,
		}
	}
	return entries
}

// stickBreak splits total into n non-negative shares that sum to total.
func stickBreak(n int, total float64) []float64 {
	if n == 1 {
		return []float64{total}
	}
	cuts := make([]float64, n-1)
	for i := range cuts {
		cuts[i] = rand.Float64() * total
	}
	sort.Float64s(cuts)

	shares := make([]float64, n)
	prev := 0.0
	for i, c := range cuts {
		shares[i] = c - prev
		prev = c
	}
	shares[n-1] = total - prev
	return shares
}

// allocateEven splits the volume equally, assigning roles by index.
func allocateEven(wallets []*wallet.Wallet, volume float64, role func(i int) string, concurrency bool) []Entry {
	n := len(wallets)
	share := volume / float64(n)

	entries := make([]Entry, n)
	for i, w := range wallets {
		entries[i] = Entry{
			WalletID:    w.ID,
			PublicKey:   w.PublicKey,
			Role:        role(i),
			Amount:      share,
			Concurrency: concurrency,
		}
	}
	return entries
}
