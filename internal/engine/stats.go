package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Stats aggregates settled mirror trades.
type Stats struct {
	TotalTrades      int64           `json:"total_trades"`
	SuccessfulTrades int64           `json:"successful_trades"`
	FailedTrades     int64           `json:"failed_trades"`
	RealizedPnLUSD   decimal.Decimal `json:"realized_pnl_usd"`
	WinRate          float64         `json:"win_rate"`
	OpenPositions    int             `json:"open_positions"`
	LastTradeAt      *time.Time      `json:"last_trade_at,omitempty"`
}

type statsBook struct {
	mu sync.Mutex
	s  Stats
}

// settle counts one settled trade and adds its realized P&L.
func (b *statsBook) settle(success bool, pnl decimal.Decimal, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.s.TotalTrades++
	if success {
		b.s.SuccessfulTrades++
	} else {
		b.s.FailedTrades++
	}
	b.s.RealizedPnLUSD = b.s.RealizedPnLUSD.Add(pnl)
	b.s.WinRate = float64(b.s.SuccessfulTrades) / float64(b.s.TotalTrades)
	t := now
	b.s.LastTradeAt = &t
}

func (b *statsBook) snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}
