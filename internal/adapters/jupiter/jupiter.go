package jupiter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/risk"
)

// ---------------------------------------------------------------------------
// Sell-route simulation: a token that cannot be quoted back to SOL, or only
// at a ruinous price impact, is treated as a trap.
// ---------------------------------------------------------------------------

// SimulatorConfig configures the round-trip simulation.
type SimulatorConfig struct {
	TradeLamports    uint64          // size of the simulated buy
	MaxImpact        decimal.Decimal // fraction, 0.5 = 50%
	MaxRoundTripLoss decimal.Decimal
	SlippageBps      int
}

// DefaultSimulatorConfig simulates with 0.1 SOL.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		TradeLamports:    100_000_000,
		MaxImpact:        decimal.NewFromFloat(0.5),
		MaxRoundTripLoss: decimal.NewFromFloat(0.5),
		SlippageBps:      500,
	}
}

// Simulator implements risk.SecurityProvider for Solana tokens by quoting a
// buy and the matching sell.
type Simulator struct {
	config SimulatorConfig
	api    *APIClient

	simulations atomic.Int64
	traps       atomic.Int64
}

// NewSimulator creates a sell-route simulator.
func NewSimulator(cfg SimulatorConfig, api *APIClient) *Simulator {
	return &Simulator{config: cfg, api: api}
}

// TokenSecurity implements risk.SecurityProvider.
func (s *Simulator) TokenSecurity(ctx context.Context, network chain.Network, token string) (risk.SecurityReport, error) {
	if network != chain.Solana {
		return risk.SecurityReport{}, fmt.Errorf("jupiter: simulation unsupported on %s", network)
	}
	s.simulations.Add(1)

	buy, err := s.api.GetQuote(ctx, QuoteRequest{
		InputMint:   SOLMint,
		OutputMint:  token,
		Amount:      s.config.TradeLamports,
		SlippageBps: s.config.SlippageBps,
	})
	if err != nil {
		return risk.SecurityReport{}, fmt.Errorf("jupiter: simulated buy: %w", err)
	}

	var rep risk.SecurityReport
	trap := func(factor string) {
		rep.IsTrap = true
		rep.Score = 100
		rep.Factors = append(rep.Factors, factor)
	}

	if buy.PriceImpact().GreaterThan(s.config.MaxImpact) {
		trap(fmt.Sprintf("Buy price impact %s%%", buy.PriceImpact().Shift(2).StringFixed(1)))
	}

	sell, err := s.api.GetQuote(ctx, QuoteRequest{
		InputMint:   token,
		OutputMint:  SOLMint,
		Amount:      buy.OutAmountUnits(),
		SlippageBps: s.config.SlippageBps,
	})
	switch {
	case errors.Is(err, ErrQuoteUnavailable) && ctx.Err() == nil:
		trap("No sell route")
	case err != nil:
		return risk.SecurityReport{}, fmt.Errorf("jupiter: simulated sell: %w", err)
	default:
		if sell.PriceImpact().GreaterThan(s.config.MaxImpact) {
			trap(fmt.Sprintf("Sell price impact %s%%", sell.PriceImpact().Shift(2).StringFixed(1)))
		}
		back := decimal.NewFromInt(int64(sell.OutAmountUnits()))
		spent := decimal.NewFromInt(int64(s.config.TradeLamports))
		loss := decimal.NewFromInt(1).Sub(back.Div(spent))
		if loss.GreaterThan(s.config.MaxRoundTripLoss) {
			trap(fmt.Sprintf("Round trip loses %s%%", loss.Shift(2).StringFixed(1)))
		}
	}

	if rep.IsTrap {
		s.traps.Add(1)
		log.Warn().Str("token", token).Strs("factors", rep.Factors).Msg("jupiter: sell simulation flagged token")
	}
	return rep, nil
}

// SimulatorStats are simulation counters.
type SimulatorStats struct {
	Simulations int64 `json:"simulations"`
	Traps       int64 `json:"traps"`
}

func (s *Simulator) Stats() SimulatorStats {
	return SimulatorStats{Simulations: s.simulations.Load(), Traps: s.traps.Load()}
}
