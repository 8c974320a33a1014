package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/lock"
	"github.com/nexus-trading/mirror/internal/store"
)

// ---------------------------------------------------------------------------
// Position
// ---------------------------------------------------------------------------

// Position is a user's open holding of one token on one network.
type Position struct {
	UserID       string          `json:"user_id"`
	Network      chain.Network   `json:"network"`
	Token        string          `json:"token"`
	Amount       decimal.Decimal `json:"amount"`
	EntryCostUSD decimal.Decimal `json:"entry_cost_usd"`
	EntryTime    time.Time       `json:"entry_time"`
	SourceWallet string          `json:"source_wallet,omitempty"`
	Mirror       bool            `json:"mirror"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// Ledger holds open positions keyed by (user, network, token) and each
// user's realized P&L. Safe for concurrent access; callers serialize
// read-modify-write sequences on one key with the engine's keyed lock.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*Position
	realized  map[string]decimal.Decimal // user -> realized P&L
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[string]*Position),
		realized:  make(map[string]decimal.Decimal),
	}
}

func positionKey(userID string, network chain.Network, token string) string {
	return lock.Key(userID, string(network), token)
}

// Get returns a copy of the open position for the key.
func (l *Ledger) Get(userID string, network chain.Network, token string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[positionKey(userID, network, token)]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// ApplyBuy adds amount tokens bought for costUSD. Adding to an open position
// sums the cost basis, so the average entry price is weighted by amount.
func (l *Ledger) ApplyBuy(userID string, network chain.Network, token string, amount, costUSD decimal.Decimal, sourceWallet string, mirror bool, ts time.Time) Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := positionKey(userID, network, token)
	p, ok := l.positions[key]
	if !ok {
		p = &Position{
			UserID:       userID,
			Network:      network,
			Token:        token,
			EntryTime:    ts,
			SourceWallet: sourceWallet,
			Mirror:       mirror,
		}
		l.positions[key] = p
	}
	p.Amount = p.Amount.Add(amount)
	p.EntryCostUSD = p.EntryCostUSD.Add(costUSD)
	p.UpdatedAt = ts
	return *p
}

// ApplySell removes amount tokens sold for proceedsUSD and returns the
// realized P&L against the proportional cost basis. Selling the whole
// holding (or more) deletes the position. The returned position is nil
// when nothing remains. Selling with no open position realizes nothing.
func (l *Ledger) ApplySell(userID string, network chain.Network, token string, amount, proceedsUSD decimal.Decimal, ts time.Time) (decimal.Decimal, *Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := positionKey(userID, network, token)
	p, ok := l.positions[key]
	if !ok || !p.Amount.IsPositive() {
		return decimal.Zero, nil
	}

	var costPortion decimal.Decimal
	if amount.GreaterThanOrEqual(p.Amount) {
		costPortion = p.EntryCostUSD
		delete(l.positions, key)
		p = nil
	} else {
		costPortion = p.EntryCostUSD.Mul(amount).Div(p.Amount)
		p.Amount = p.Amount.Sub(amount)
		p.EntryCostUSD = p.EntryCostUSD.Sub(costPortion)
		p.UpdatedAt = ts
	}

	pnl := proceedsUSD.Sub(costPortion)
	l.realized[userID] = l.realized[userID].Add(pnl)
	if p == nil {
		return pnl, nil
	}
	cp := *p
	return pnl, &cp
}

// Positions returns a user's open positions, optionally filtered by network,
// sorted by network then token.
func (l *Ledger) Positions(userID string, network chain.Network) []Position {
	l.mu.RLock()
	out := make([]Position, 0)
	for _, p := range l.positions {
		if p.UserID != userID {
			continue
		}
		if network != "" && p.Network != network {
			continue
		}
		out = append(out, *p)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Network != out[j].Network {
			return out[i].Network < out[j].Network
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// Realized returns a user's realized P&L.
func (l *Ledger) Realized(userID string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized[userID]
}

// Len returns the number of open positions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// Restore rebuilds positions from confirmed trade history, replacing the
// ledger's contents. Per (user, network, token) the net amount is
// Σ buy.AmountOut − Σ sell.AmountIn; keys with a non-positive net are
// closed. The cost basis is the bought USD scaled by the share still held.
// Returns the number of open positions.
func (l *Ledger) Restore(history []store.TradeRecord) int {
	type agg struct {
		pos       Position
		bought    decimal.Decimal
		sold      decimal.Decimal
		boughtUSD decimal.Decimal
	}
	groups := make(map[string]*agg)
	var order []string

	for _, r := range history {
		if r.Status != store.StatusConfirmed {
			continue
		}
		network := chain.Network(r.Network)
		key := positionKey(r.UserID, network, r.Token)
		g, ok := groups[key]
		if !ok {
			g = &agg{pos: Position{UserID: r.UserID, Network: network, Token: r.Token}}
			groups[key] = g
			order = append(order, key)
		}
		ts := r.CreatedAt
		if r.ExecutedAt != nil {
			ts = *r.ExecutedAt
		}
		switch r.TradeType {
		case store.TradeBuy:
			if g.bought.IsZero() || g.pos.EntryTime.IsZero() {
				g.pos.EntryTime = ts
			}
			g.bought = g.bought.Add(r.AmountOut)
			g.boughtUSD = g.boughtUSD.Add(r.AmountUSD)
			if r.Origin == store.OriginMirror {
				g.pos.Mirror = true
				if r.SourceWallet != "" {
					g.pos.SourceWallet = r.SourceWallet
				}
			}
		case store.TradeSell:
			g.sold = g.sold.Add(r.AmountIn)
		}
		g.pos.UpdatedAt = ts
	}

	positions := make(map[string]*Position)
	for _, key := range order {
		g := groups[key]
		net := g.bought.Sub(g.sold)
		if !net.IsPositive() {
			continue
		}
		p := g.pos
		p.Amount = net
		if g.bought.IsPositive() {
			p.EntryCostUSD = g.boughtUSD.Mul(net).Div(g.bought)
		}
		positions[key] = &p
	}

	l.mu.Lock()
	l.positions = positions
	l.mu.Unlock()
	return len(positions)
}
