package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_ExactAtDefaultRate(t *testing.T) {
	calc, err := NewCalculator(15)
	require.NoError(t, err)

	// $10,000.00 at 15% → fee $1,500.00, net $8,500.00
	split, err := calc.Split(1000000)
	require.NoError(t, err)
	assert.Equal(t, int64(150000), split.FeeCents)
	assert.Equal(t, int64(850000), split.ProviderCents)

	// $12,000.00 at 15% → fee $1,800.00, net $10,200.00
	split, err = calc.Split(1200000)
	require.NoError(t, err)
	assert.Equal(t, int64(180000), split.FeeCents)
	assert.Equal(t, int64(1020000), split.ProviderCents)
}

func TestSplit_RoundingHalfUp(t *testing.T) {
	calc, err := NewCalculator(15)
	require.NoError(t, err)

	tests := []struct {
		name  string
		gross int64
		fee   int64
	}{
		{"one cent", 1, 0},              // 0.15 cents → 0
		{"three cents", 3, 0},           // 0.45 → 0
		{"four cents", 4, 1},            // 0.60 → 1
		{"ten cents", 10, 2},            // 1.5 → 2 (half rounds up)
		{"thirty cents", 30, 5},         // 4.5 → 5
		{"$33.33", 3333, 500},           // 499.95 → 500
		{"$0.99", 99, 15},               // 14.85 → 15
		{"$66.67", 6667, 1000},          // 1000.05 → 1000
		{"$100.10", 10010, 1502},        // 1501.5 → 1502
		{"large", 999999999, 150000000}, // 149999999.85 → 150000000
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			split, err := calc.Split(tt.gross)
			require.NoError(t, err)
			assert.Equal(t, tt.fee, split.FeeCents, "fee for %d", tt.gross)
			// The core invariant: no cent is ever lost or created.
			assert.Equal(t, tt.gross, split.FeeCents+split.ProviderCents)
		})
	}
}

func TestSplit_InvariantHoldsAcrossRates(t *testing.T) {
	rates := []float64{0, 0.5, 5, 12.5, 15, 33.33, 50, 99.99, 100}
	amounts := []int64{0, 1, 2, 99, 100, 3333, 10007, 1000000}

	for _, rate := range rates {
		calc, err := NewCalculator(rate)
		require.NoError(t, err)
		for _, gross := range amounts {
			split, err := calc.Split(gross)
			require.NoError(t, err)
			assert.Equal(t, gross, split.FeeCents+split.ProviderCents,
				"rate=%v gross=%d", rate, gross)
			assert.GreaterOrEqual(t, split.FeeCents, int64(0))
			assert.GreaterOrEqual(t, split.ProviderCents, int64(0))
		}
	}
}

func TestSplit_ZeroRate(t *testing.T) {
	calc, err := NewCalculator(0)
	require.NoError(t, err)

	split, err := calc.Split(12345)
	require.NoError(t, err)
	assert.Equal(t, int64(0), split.FeeCents)
	assert.Equal(t, int64(12345), split.ProviderCents)
}

func TestSplit_FullRate(t *testing.T) {
	calc, err := NewCalculator(100)
	require.NoError(t, err)

	split, err := calc.Split(12345)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), split.FeeCents)
	assert.Equal(t, int64(0), split.ProviderCents)
}

func TestSplit_NegativeAmount(t *testing.T) {
	calc, err := NewCalculator(15)
	require.NoError(t, err)

	_, err = calc.Split(-1)
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestNewCalculator_InvalidRates(t *testing.T) {
	for _, rate := range []float64{-1, 100.01, nan(), inf()} {
		_, err := NewCalculator(rate)
		assert.ErrorIs(t, err, ErrInvalidRate, "rate=%v", rate)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	calc, err := NewCalculator(15)
	require.NoError(t, err)

	first, err := calc.Split(3333)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := calc.Split(3333)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func inf() float64 {
	var zero float64
	return 1 / zero
}
