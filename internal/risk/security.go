package risk

import (
	"context"
	"errors"

	"github.com/nexus-trading/mirror/internal/chain"
)

// Combined merges several security providers. Every provider must succeed;
// trap flags are OR-ed, the highest score and taxes win, and factors are
// concatenated in provider order.
type Combined []SecurityProvider

// TokenSecurity implements SecurityProvider.
func (c Combined) TokenSecurity(ctx context.Context, network chain.Network, token string) (SecurityReport, error) {
	if len(c) == 0 {
		return SecurityReport{}, errors.New("risk: no security providers")
	}
	var out SecurityReport
	for _, p := range c {
		r, err := p.TokenSecurity(ctx, network, token)
		if err != nil {
			return SecurityReport{}, err
		}
		out.IsTrap = out.IsTrap || r.IsTrap
		out.Score = max(out.Score, r.Score)
		out.BuyTax = max(out.BuyTax, r.BuyTax)
		out.SellTax = max(out.SellTax, r.SellTax)
		out.Factors = append(out.Factors, r.Factors...)
		if r.LiquidityUSD.GreaterThan(out.LiquidityUSD) {
			out.LiquidityUSD = r.LiquidityUSD
		}
	}
	return out, nil
}

// ByNetwork routes security scans to a per-network provider.
type ByNetwork map[chain.Network]SecurityProvider

// TokenSecurity implements SecurityProvider.
func (b ByNetwork) TokenSecurity(ctx context.Context, network chain.Network, token string) (SecurityReport, error) {
	p, ok := b[network]
	if !ok {
		return SecurityReport{}, errors.New("risk: no security provider for " + string(network))
	}
	return p.TokenSecurity(ctx, network, token)
}
