package engine

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/mirror/internal/config"
)

func TestParseConfigUpdate_Whitelist(t *testing.T) {
	u, err := ParseConfigUpdate(map[string]any{
		"safe_mode":             false,
		"mirror_buy_enabled":    true,
		"mirror_sell_enabled":   false,
		"max_auto_buy_usd":      75.0,
		"max_position_size_usd": json.Number("1000"),
		"max_slippage":          "0.03",
		"min_liquidity_usd":     0,
		"min_signal_confidence": 0.4,
		"blacklist":             []any{"0xBAD"},
		"trusted":               []string{"0xgood"},
	})
	require.NoError(t, err)
	assert.Len(t, u.Keys(), 10)
	assert.False(t, *u.SafeMode)
	assert.True(t, u.MaxPositionSizeUSD.Equal(decimal.NewFromInt(1000)))
	assert.True(t, u.MaxSlippage.Equal(decimal.RequireFromString("0.03")))
	assert.Equal(t, 0.4, *u.MinSignalConfidence)
	assert.Equal(t, []string{"0xBAD"}, *u.Blacklist)
}

func TestParseConfigUpdate_Rejects(t *testing.T) {
	cases := map[string]map[string]any{
		"empty":              {},
		"unknown key":        {"dry_run": true},
		"wrong bool type":    {"safe_mode": "yes"},
		"negative size":      {"max_auto_buy_usd": -5.0},
		"zero position size": {"max_position_size_usd": 0},
		"slippage too big":   {"max_slippage": 1.5},
		"zero slippage":      {"max_slippage": 0.0},
		"confidence range":   {"min_signal_confidence": 2.0},
		"negative liquidity": {"min_liquidity_usd": -1},
		"bad number":         {"max_auto_buy_usd": "lots"},
		"list of numbers":    {"blacklist": []any{1, 2}},
		"blank address":      {"trusted": []string{" "}},
		"not a list":         {"blacklist": "0xabc"},
		"one bad key":        {"safe_mode": false, "colour": "red"},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			u, err := ParseConfigUpdate(raw)
			assert.Error(t, err)
			assert.Empty(t, u.Keys(), "no partial update")
		})
	}
}

func TestConfigStore_UpdateIsVersioned(t *testing.T) {
	s := NewConfigStore(DefaultTradingConfig())
	old, v1 := s.Snapshot()
	assert.Equal(t, uint64(1), v1)

	on := true
	bl := []string{"0xDEAD", "0xdead", ""}
	cfg, v2 := s.Update(ConfigUpdate{MirrorBuyEnabled: &on, Blacklist: &bl})
	assert.Equal(t, uint64(2), v2)
	assert.True(t, cfg.MirrorBuyEnabled)
	assert.Equal(t, []string{"0xdead"}, cfg.Blacklist)
	assert.True(t, cfg.Blacklisted("0xDeAd"))

	assert.False(t, old.MirrorBuyEnabled, "earlier snapshots are unchanged")
	assert.False(t, old.Blacklisted("0xdead"))
}

func TestConfigStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	s := NewConfigStore(DefaultTradingConfig())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			// Both fields always move together.
			on := i%2 == 0
			size := decimal.NewFromInt(int64(100 + i%2))
			s.Update(ConfigUpdate{MirrorBuyEnabled: &on, MaxAutoBuyUSD: &size})
		}(i)
		go func() {
			defer wg.Done()
			cfg, _ := s.Snapshot()
			if cfg.MirrorBuyEnabled {
				assert.True(t, cfg.MaxAutoBuyUSD.Equal(decimal.NewFromInt(100)))
			}
		}()
	}
	wg.Wait()
	_, v := s.Snapshot()
	assert.Equal(t, uint64(51), v)
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.TradingConfig{
		SafeMode:                true,
		MaxAutoBuyUSD:           50,
		MaxSlippage:             0.05,
		PanicSlippageMultiplier: 2,
		Trusted:                 []string{"0xAbC"},
	})
	assert.True(t, cfg.IsTrusted("0xabc"))
	assert.True(t, cfg.PanicSlippage().Equal(decimal.RequireFromString("0.1")))
}

func TestPanicSlippage_Capped(t *testing.T) {
	cfg := DefaultTradingConfig()
	cfg.MaxSlippage = decimal.RequireFromString("0.4")
	assert.True(t, cfg.PanicSlippage().Equal(decimal.RequireFromString("0.5")))
}
