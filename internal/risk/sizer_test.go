package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testSettings = Settings{
	MaxRiskPerTrade: 0.02,
	MaxTotalRisk:    0.06,
	MinCashReserve:  0,
}

func TestSizeComputesTurtleUnit(t *testing.T) {
	snap := Snapshot{CurrentCash: 1000000, TotalEquity: 1000000}

	// Risk budget 20,000; stop distance 2 * 200 = 400 -> 50 shares.
	proposal, reject, err := Size("005930", 200, 10000, snap, testSettings, 2.0)

	assert.NoError(t, err)
	assert.Empty(t, reject)
	assert.Equal(t, int64(50), proposal.Quantity)
	assert.Equal(t, 9600.0, proposal.StopLossPrice)
	assert.Equal(t, 20000.0, proposal.RiskAmount)
	assert.Equal(t, 500000.0, proposal.Cost)
}

func TestSizeFloorsFractionalUnits(t *testing.T) {
	snap := Snapshot{CurrentCash: 1000000, TotalEquity: 1000000}

	// Budget 20,000 / stop distance 666 = 30.03 -> 30 shares.
	proposal, reject, err := Size("005930", 333, 1000, snap, testSettings, 2.0)

	assert.NoError(t, err)
	assert.Empty(t, reject)
	assert.Equal(t, int64(30), proposal.Quantity)
}

func TestSizeRejections(t *testing.T) {
	testCases := []struct {
		name           string
		atr            float64
		price          float64
		snap           Snapshot
		settings       Settings
		expectedReason string
	}{
		{
			name:           "unit size rounds to zero",
			atr:            50000,
			price:          100000,
			snap:           Snapshot{CurrentCash: 1000000, TotalEquity: 1000000},
			settings:       testSettings,
			expectedReason: RejectZeroQuantity,
		},
		{
			name:  "cost exceeds cash minus reserve",
			atr:   200,
			price: 100000, // 50 shares would cost 5,000,000
			snap:  Snapshot{CurrentCash: 1000000, TotalEquity: 10000000},
			settings: Settings{
				MaxRiskPerTrade: 0.02,
				MaxTotalRisk:    0.5,
				MinCashReserve:  500000,
			},
			expectedReason: RejectInsufficientCash,
		},
		{
			name:  "total risk cap exceeded",
			atr:   200,
			price: 10000,
			snap: Snapshot{
				CurrentCash:     1000000,
				TotalEquity:     1000000,
				TotalRiskAmount: 45000, // 45,000 + 20,000 > 60,000
			},
			settings:       testSettings,
			expectedReason: RejectRiskCapExceeded,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			proposal, reject, err := Size("005930", tc.atr, tc.price, tc.snap, tc.settings, 2.0)

			assert.NoError(t, err)
			assert.Nil(t, proposal)
			assert.Equal(t, tc.expectedReason, reject)
		})
	}
}

func TestSizeInvalidInputs(t *testing.T) {
	snap := Snapshot{CurrentCash: 1000000, TotalEquity: 1000000}

	_, _, err := Size("005930", 0, 10000, snap, testSettings, 2.0)
	assert.Error(t, err)

	_, _, err = Size("005930", 200, 0, snap, testSettings, 2.0)
	assert.Error(t, err)
}
