// internal/market/state.go
package market

import (
	"time"
)

// Reserves holds the pool's current base/quote amounts.
type Reserves struct {
	Base     float64
	Quote    float64
	Decimals uint8
}

// LPHealth is the conservative liquidity view. Score is a lower bound
// on withdrawable depth, not an exact figure.
type LPHealth struct {
	SolReserve   float64
	TokenReserve float64
	Score        float64
}

// LastTrade retains only the most recent classified trade.
type LastTrade struct {
	Classification TradeClassification
	Signature      string
	Slot           uint64
	At             time.Time
}

// Stats carries the rolling figures the control layer classifies on.
// Holders and circulating supply arrive as external numeric facts from
// the parsed pool account.
type Stats struct {
	PriceChange5m     float64 // percent
	Volume5m          float64 // quote units
	Holders           float64
	CirculatingSupply float64
}

// AssetState is the per-asset snapshot folded from stream events. It
// exists exactly while the asset's subscriptions are active.
type AssetState struct {
	AssetID           string
	Price             float64
	Reserves          Reserves
	LPHealth          LPHealth
	LastTrade         *LastTrade
	Stats             Stats
	MigrationDetected bool
	LastUpdate        time.Time
}

// MonitorConfig selects what to subscribe to for one asset.
type MonitorConfig struct {
	PoolAccount        string // account whose parsed data carries reserves
	TradeLogTarget     string // mentions filter for trade logs; defaults to the asset id
	MigrationProgram   string // program watched for migration events
	MigrationAuthority string // authority whose event flips the migration flag
}

// merge overlays non-empty fields of other onto c.
func (c *MonitorConfig) merge(other MonitorConfig) {
	if other.PoolAccount != "" {
		c.PoolAccount = other.PoolAccount
	}
	if other.TradeLogTarget != "" {
		c.TradeLogTarget = other.TradeLogTarget
	}
	if other.MigrationProgram != "" {
		c.MigrationProgram = other.MigrationProgram
	}
	if other.MigrationAuthority != "" {
		c.MigrationAuthority = other.MigrationAuthority
	}
}

type pricePoint struct {
	at    time.Time
	price float64
}

type volumePoint struct {
	at     time.Time
	amount float64
}

const statsWindow = 5 * time.Minute

// priceChangeOver returns the percent change from the oldest point in
// the window to current.
func priceChangeOver(points []pricePoint, current float64) float64 {
	if len(points) == 0 {
		return 0
	}
	oldest := points[0].price
	if oldest == 0 {
		return 0
	}
	return (current - oldest) / oldest * 100
}

func sumVolume(points []volumePoint) float64 {
	var total float64
	for _, p := range points {
		total += p.amount
	}
	return total
}

func pruneOld[T any](points []T, at func(T) time.Time, now time.Time) []T {
	cutoff := now.Add(-statsWindow)
	i := 0
	for i < len(points) && at(points[i]).Before(cutoff) {
		i++
	}
	return points[i:]
}
