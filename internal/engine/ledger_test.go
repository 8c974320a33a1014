package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/mirror/internal/chain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLedger_OpenAddClose(t *testing.T) {
	l := NewLedger()
	now := time.Now()

	p := l.ApplyBuy("u1", chain.BSC, tokenA, d("100"), d("10"), wallet1, true, now)
	assert.True(t, p.Amount.Equal(d("100")))
	assert.Equal(t, now, p.EntryTime)

	later := now.Add(time.Minute)
	p = l.ApplyBuy("u1", chain.BSC, upper(tokenA), d("300"), d("60"), "", false, later)
	assert.True(t, p.Amount.Equal(d("400")))
	assert.True(t, p.EntryCostUSD.Equal(d("70")))
	assert.Equal(t, now, p.EntryTime, "entry time is the first buy")
	assert.True(t, p.Mirror, "origin of the opening buy is kept")

	pnl, rest := l.ApplySell("u1", chain.BSC, tokenA, d("100"), d("30"), later)
	assert.True(t, pnl.Equal(d("12.5")), pnl.String()) // 30 - 70/4
	require.NotNil(t, rest)
	assert.True(t, rest.Amount.Equal(d("300")))
	assert.True(t, rest.EntryCostUSD.Equal(d("52.5")))

	pnl, rest = l.ApplySell("u1", chain.BSC, tokenA, d("1000"), d("40"), later)
	assert.Nil(t, rest)
	assert.True(t, pnl.Equal(d("-12.5")))
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.Realized("u1").IsZero())
}

func TestLedger_SellWithoutPosition(t *testing.T) {
	l := NewLedger()
	pnl, rest := l.ApplySell("u1", chain.BSC, tokenA, d("1"), d("1"), time.Now())
	assert.True(t, pnl.IsZero())
	assert.Nil(t, rest)
	assert.True(t, l.Realized("u1").IsZero())
}

func TestLedger_PositionsFilterAndOrder(t *testing.T) {
	l := NewLedger()
	now := time.Now()
	l.ApplyBuy("u1", chain.Solana, tokenA, d("1"), d("1"), "", false, now)
	l.ApplyBuy("u1", chain.BSC, tokenB, d("1"), d("1"), "", false, now)
	l.ApplyBuy("u1", chain.BSC, tokenA, d("1"), d("1"), "", false, now)
	l.ApplyBuy("u2", chain.BSC, tokenA, d("1"), d("1"), "", false, now)

	all := l.Positions("u1", "")
	require.Len(t, all, 3)
	assert.Equal(t, chain.BSC, all[0].Network)
	assert.Equal(t, tokenA, all[0].Token)
	assert.Equal(t, chain.Solana, all[2].Network)

	assert.Len(t, l.Positions("u1", chain.BSC), 2)
	assert.Empty(t, l.Positions("u3", ""))
}

func TestLedger_SolanaMintsAreCaseSensitive(t *testing.T) {
	l := NewLedger()
	now := time.Now()
	mint := "7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr"
	other := "7gcihgdb8fe6knjn2mytkzzcrjqy3t9ghdc8uhymw2hr"

	l.ApplyBuy("u1", chain.Solana, mint, d("5"), d("5"), "", false, now)
	l.ApplyBuy("u1", chain.Solana, other, d("7"), d("7"), "", false, now)
	assert.Equal(t, 2, l.Len())

	p, ok := l.Get("u1", chain.Solana, mint)
	require.True(t, ok)
	assert.True(t, p.Amount.Equal(d("5")))

	_, rest := l.ApplySell("u1", chain.Solana, other, d("7"), d("7"), now)
	assert.Nil(t, rest)
	_, ok = l.Get("u1", chain.Solana, mint)
	assert.True(t, ok, "selling one mint leaves the other open")
}
