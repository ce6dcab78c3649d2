// internal/control/classifier_test.go
package control

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swarmlabs/solswarm/internal/market"
)

func stateWith(change, volume, holders, supply, lpScore float64) market.AssetState {
	return market.AssetState{
		Stats: market.Stats{
			PriceChange5m:     change,
			Volume5m:          volume,
			Holders:           holders,
			CirculatingSupply: supply,
		},
		LPHealth: market.LPHealth{Score: lpScore},
	}
}

func TestClassifyStatus(t *testing.T) {
	th := Thresholds{
		MomentumChangePct:    5.0,
		StabilizationDropPct: -3.0,
		LPHealthFloor:        1.0,
	}

	tests := []struct {
		name  string
		state market.AssetState
		want  ProtocolStatus
	}{
		{
			name:  "momentum on rising price with volume and holders",
			state: stateWith(6.0, 10, 50, 1e9, 5),
			want:  StatusMomentum,
		},
		{
			name:  "momentum needs volume",
			state: stateWith(6.0, 0, 50, 1e9, 5),
			want:  StatusCapturing,
		},
		{
			name:  "momentum needs more than 10 holders",
			state: stateWith(6.0, 10, 10, 1e9, 5),
			want:  StatusCapturing,
		},
		{
			name:  "stabilizing on drop",
			state: stateWith(-4.0, 10, 50, 1e9, 5),
			want:  StatusStabilizing,
		},
		{
			name:  "stabilizing on thin liquidity",
			state: stateWith(1.0, 10, 50, 1e9, 0.5),
			want:  StatusStabilizing,
		},
		{
			name:  "capturing on healthy supply and depth",
			state: stateWith(1.0, 10, 50, 1e9, 5),
			want:  StatusCapturing,
		},
		{
			name:  "default stabilizing when nothing matches",
			state: stateWith(1.0, 10, 50, 0, 5),
			want:  StatusStabilizing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.state, th))
		})
	}
}

// A move qualifying as both momentum and stabilizing resolves to
// momentum: precedence is checked in order and the first match wins.
func TestMomentumWinsOverStabilizingTie(t *testing.T) {
	th := Thresholds{
		MomentumChangePct:    5.0,
		StabilizationDropPct: -3.0,
		LPHealthFloor:        100.0,
	}
	// Rising hard but liquidity below the floor.
	state := stateWith(6.0, 10, 50, 1e9, 1)
	assert.Equal(t, StatusMomentum, ClassifyStatus(state, th))
}
