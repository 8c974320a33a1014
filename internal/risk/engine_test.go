package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/mirror/internal/chain"
)

type fakeSecurity struct {
	report SecurityReport
	err    error
}

func (f *fakeSecurity) TokenSecurity(context.Context, chain.Network, string) (SecurityReport, error) {
	return f.report, f.err
}

type fakeMarket struct {
	snap MarketSnapshot
	err  error
}

func (f *fakeMarket) TokenMarket(context.Context, chain.Network, string) (MarketSnapshot, error) {
	return f.snap, f.err
}

func nd(v int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(v))
}

func healthyMarket() MarketSnapshot {
	return MarketSnapshot{
		PriceUSD:          nd(1),
		MarketCapUSD:      nd(5_000_000),
		Volume24hUSD:      nd(1_000_000),
		PriceChange24hPct: nd(5),
	}
}

func newTestAssessor(t *testing.T, sec SecurityReport, mkt MarketSnapshot) *Assessor {
	t.Helper()
	return New(DefaultConfig(), &fakeSecurity{report: sec}, &fakeMarket{snap: mkt})
}

func TestAssess_CleanTokenIsSafe(t *testing.T) {
	a := newTestAssessor(t, SecurityReport{}, healthyMarket())

	out := a.Assess(context.Background(), chain.Ethereum, "0xabc", true)
	assert.Equal(t, LevelSafe, out.Level)
	assert.True(t, out.SafeToTrade)
	assert.True(t, out.MaxTradeUSD.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "0xabc", out.Token)
	assert.Empty(t, out.Factors)
}

func TestAssess_TrapIsCritical(t *testing.T) {
	a := newTestAssessor(t, SecurityReport{IsTrap: true}, healthyMarket())

	out := a.Assess(context.Background(), chain.Ethereum, "0xabc", false)
	assert.Equal(t, LevelCritical, out.Level)
	assert.False(t, out.SafeToTrade)
	assert.True(t, out.MaxTradeUSD.IsZero())
	assert.Equal(t, int64(1), a.Metrics().Blocked)
}

func TestAssess_HighRiskDependsOnSafeMode(t *testing.T) {
	// 30 (market cap) + 25 (volume) + 15 (volatility) = 70
	mkt := MarketSnapshot{MarketCapUSD: nd(50_000), Volume24hUSD: nd(5_000), PriceChange24hPct: nd(-60)}
	a := newTestAssessor(t, SecurityReport{}, mkt)

	on := a.Assess(context.Background(), chain.BSC, "0xabc", true)
	assert.Equal(t, LevelHigh, on.Level)
	assert.Equal(t, 70.0, on.Score)
	assert.False(t, on.SafeToTrade)
	assert.True(t, on.MaxTradeUSD.Equal(decimal.NewFromInt(10)))

	off := a.Assess(context.Background(), chain.BSC, "0xabc", false)
	assert.Equal(t, LevelHigh, off.Level)
	assert.True(t, off.SafeToTrade)
}

func TestAssess_ProviderFailureFailsClosed(t *testing.T) {
	a := New(DefaultConfig(), &fakeSecurity{err: errors.New("timeout")}, &fakeMarket{snap: healthyMarket()})

	out := a.Assess(context.Background(), chain.Ethereum, "0xabc", false)
	assert.Equal(t, LevelCritical, out.Level)
	assert.False(t, out.SafeToTrade)
	assert.True(t, out.MaxTradeUSD.IsZero())
	assert.True(t, out.Failed)
	require.Len(t, out.Factors, 1)
	assert.Contains(t, out.Factors[0], "Risk assessment failed")
	assert.Equal(t, int64(1), a.Metrics().Failures)

	a = New(DefaultConfig(), &fakeSecurity{}, &fakeMarket{err: errors.New("503")})
	out = a.Assess(context.Background(), chain.Ethereum, "0xabc", false)
	assert.Equal(t, LevelCritical, out.Level)
	assert.False(t, out.SafeToTrade)
}

func TestEvaluate_ProviderScoreAndFactorCap(t *testing.T) {
	sec := SecurityReport{
		Score:   60,
		Factors: []string{"a", "b", "c", "d", "e"},
	}
	out := Evaluate(sec, healthyMarket(), true, 1)

	assert.Equal(t, 30.0, out.Score)
	assert.Equal(t, LevelLow, out.Level)
	assert.Equal(t, []string{"a", "b", "c"}, out.Factors)
	assert.True(t, out.MaxTradeUSD.Equal(decimal.NewFromInt(50)))

	// Provider score at the floor contributes nothing.
	out = Evaluate(SecurityReport{Score: 50, Factors: []string{"x"}}, healthyMarket(), true, 1)
	assert.Equal(t, 0.0, out.Score)
	assert.Empty(t, out.Factors)
}

func TestEvaluate_TaxesAndMissingMarketFields(t *testing.T) {
	sec := SecurityReport{BuyTax: 12, SellTax: 15}
	out := Evaluate(sec, MarketSnapshot{}, true, 1)

	assert.Equal(t, 40.0, out.Score)
	assert.Equal(t, LevelMedium, out.Level)
	assert.True(t, out.SafeToTrade)
	assert.True(t, out.MaxTradeUSD.Equal(decimal.NewFromInt(25)))
	assert.Len(t, out.Factors, 2)

	// Exactly at the threshold is not penalised.
	out = Evaluate(SecurityReport{BuyTax: 10, SellTax: 10}, MarketSnapshot{}, true, 1)
	assert.Equal(t, 0.0, out.Score)
}

func TestEvaluate_MultipleFactorsRecommendation(t *testing.T) {
	sec := SecurityReport{BuyTax: 20, SellTax: 20}
	mkt := MarketSnapshot{MarketCapUSD: nd(1_000), Volume24hUSD: nd(100)}
	out := Evaluate(sec, mkt, false, 1)

	assert.Len(t, out.Factors, 4)
	assert.Contains(t, out.Recommendations, recommendationMulti)
	assert.Equal(t, LevelCritical, out.Level)
}

func TestEvaluate_SizeScale(t *testing.T) {
	out := Evaluate(SecurityReport{}, healthyMarket(), true, 2.5)
	assert.True(t, out.MaxTradeUSD.Equal(decimal.NewFromInt(250)))
}

func TestPolicy_Monotonic(t *testing.T) {
	prevLevel := LevelSafe
	prevMax := decimal.NewFromInt(1_000_000)
	for score := 0.0; score <= 200; score += 5 {
		level, _, max := Policy(score, false)
		assert.GreaterOrEqual(t, int(level), int(prevLevel), "score %v", score)
		assert.True(t, max.LessThanOrEqual(prevMax), "score %v", score)
		prevLevel, prevMax = level, max
	}
}

func TestPolicy_Bands(t *testing.T) {
	tests := []struct {
		score float64
		level Level
		max   int64
	}{
		{0, LevelSafe, 100},
		{19.9, LevelSafe, 100},
		{20, LevelLow, 50},
		{40, LevelMedium, 25},
		{60, LevelHigh, 10},
		{79, LevelHigh, 10},
		{80, LevelCritical, 0},
		{185, LevelCritical, 0},
	}
	for _, tt := range tests {
		level, _, max := Policy(tt.score, true)
		assert.Equal(t, tt.level, level, "score %v", tt.score)
		assert.True(t, max.Equal(decimal.NewFromInt(tt.max)), "score %v", tt.score)
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "critical", LevelCritical.String())
	b, err := LevelMedium.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "medium", string(b))
}
