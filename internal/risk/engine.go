package risk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/chain"
)

// Level is an ordered risk band.
type Level int

const (
	LevelSafe Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelSafe:
		return "safe"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// MarshalText renders the level name in JSON.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// SecurityReport is the contract-scan result for one token.
type SecurityReport struct {
	IsTrap       bool
	Score        float64  // provider-assigned, 0-100
	Factors      []string // provider-reported risk factors
	BuyTax       float64  // percent
	SellTax      float64  // percent
	LiquidityUSD decimal.Decimal
}

// MarketSnapshot is market data for one token. Missing fields are invalid
// NullDecimals and skip their score contribution.
type MarketSnapshot struct {
	PriceUSD          decimal.NullDecimal
	MarketCapUSD      decimal.NullDecimal
	Volume24hUSD      decimal.NullDecimal
	PriceChange24hPct decimal.NullDecimal
}

// SecurityProvider scans token contracts.
type SecurityProvider interface {
	TokenSecurity(ctx context.Context, network chain.Network, token string) (SecurityReport, error)
}

// MarketProvider returns market data for tokens.
type MarketProvider interface {
	TokenMarket(ctx context.Context, network chain.Network, token string) (MarketSnapshot, error)
}

// Assessment is the go/no-go verdict for trading a token.
type Assessment struct {
	Token           string          `json:"token"`
	Network         chain.Network   `json:"network"`
	Level           Level           `json:"level"`
	Score           float64         `json:"score"`
	Factors         []string        `json:"factors"`
	Recommendations []string        `json:"recommendations"`
	SafeToTrade     bool            `json:"safe_to_trade"`
	MaxTradeUSD     decimal.Decimal `json:"max_trade_usd"`
	LiquidityUSD    decimal.Decimal `json:"liquidity_usd"`
	Failed          bool            `json:"failed,omitempty"`
	AssessedAt      time.Time       `json:"assessed_at"`
}

// Config holds assessor configuration.
type Config struct {
	// SizeScale multiplies the per-band maximum trade sizes.
	SizeScale float64
	// Timeout bounds one assessment including both provider calls.
	Timeout time.Duration
}

// DefaultConfig returns the stock band sizes with a 15s timeout.
func DefaultConfig() Config {
	return Config{SizeScale: 1, Timeout: 15 * time.Second}
}

// Scoring thresholds.
const (
	trapPoints          = 100
	providerScoreFloor  = 50
	maxProviderFactors  = 3
	taxThresholdPct     = 10
	taxPoints           = 20
	lowMarketCapUSD     = 100_000
	lowMarketCapPoints  = 30
	lowVolumeUSD        = 10_000
	lowVolumePoints     = 25
	volatilityPct       = 50
	volatilityPoints    = 15
	manyFactorsCount    = 3
	failedScore         = 100
	recommendationMulti = "Multiple risk factors detected - exercise extreme caution"
)

// Assessor combines a security scan and a market snapshot into an
// Assessment. It never returns an error: any failure to gather inputs
// yields a critical, not-safe verdict.
type Assessor struct {
	config   Config
	security SecurityProvider
	market   MarketProvider

	assessed atomic.Int64
	blocked  atomic.Int64
	failures atomic.Int64
}

// New creates a new assessor.
func New(cfg Config, security SecurityProvider, market MarketProvider) *Assessor {
	if cfg.SizeScale <= 0 {
		cfg.SizeScale = 1
	}
	return &Assessor{config: cfg, security: security, market: market}
}

// Assess evaluates a token. safeMode controls whether high-risk tokens are
// tradeable.
func (a *Assessor) Assess(ctx context.Context, network chain.Network, token string, safeMode bool) Assessment {
	a.assessed.Add(1)

	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}

	var (
		wg             sync.WaitGroup
		sec            SecurityReport
		mkt            MarketSnapshot
		secErr, mktErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		sec, secErr = a.security.TokenSecurity(ctx, network, token)
	}()
	go func() {
		defer wg.Done()
		mkt, mktErr = a.market.TokenMarket(ctx, network, token)
	}()
	wg.Wait()

	var err error
	switch {
	case secErr != nil:
		err = fmt.Errorf("security scan: %w", secErr)
	case mktErr != nil:
		err = fmt.Errorf("market data: %w", mktErr)
	}
	if err != nil {
		a.failures.Add(1)
		a.blocked.Add(1)
		log.Warn().Err(err).Str("token", token).Str("network", string(network)).
			Msg("risk: assessment failed, failing closed")
		return Failed(network, token, err)
	}

	out := Evaluate(sec, mkt, safeMode, a.config.SizeScale)
	out.Token = token
	out.Network = network
	if !out.SafeToTrade {
		a.blocked.Add(1)
	}

	log.Debug().
		Str("token", token).
		Str("network", string(network)).
		Str("level", out.Level.String()).
		Float64("score", out.Score).
		Bool("safe", out.SafeToTrade).
		Msg("risk: assessment complete")
	return out
}

// Failed is the fail-closed verdict used when inputs cannot be gathered.
func Failed(network chain.Network, token string, err error) Assessment {
	return Assessment{
		Token:           token,
		Network:         network,
		Level:           LevelCritical,
		Score:           failedScore,
		Factors:         []string{fmt.Sprintf("Risk assessment failed: %v", err)},
		Recommendations: []string{"Unable to assess risk - do not trade"},
		SafeToTrade:     false,
		MaxTradeUSD:     decimal.Zero,
		Failed:          true,
		AssessedAt:      time.Now(),
	}
}

// Evaluate scores already-fetched inputs. It is pure apart from the
// timestamp.
func Evaluate(sec SecurityReport, mkt MarketSnapshot, safeMode bool, sizeScale float64) Assessment {
	var score float64
	var factors []string

	if sec.IsTrap {
		score += trapPoints
		factors = append(factors, "Honeypot detected")
	}
	if sec.Score > providerScoreFloor {
		score += sec.Score / 2
		n := len(sec.Factors)
		if n > maxProviderFactors {
			n = maxProviderFactors
		}
		factors = append(factors, sec.Factors[:n]...)
	}
	if sec.BuyTax > taxThresholdPct {
		score += taxPoints
		factors = append(factors, fmt.Sprintf("High buy tax: %.1f%%", sec.BuyTax))
	}
	if sec.SellTax > taxThresholdPct {
		score += taxPoints
		factors = append(factors, fmt.Sprintf("High sell tax: %.1f%%", sec.SellTax))
	}

	if mkt.MarketCapUSD.Valid && mkt.MarketCapUSD.Decimal.LessThan(decimal.NewFromInt(lowMarketCapUSD)) {
		score += lowMarketCapPoints
		factors = append(factors, fmt.Sprintf("Low market cap: $%s", mkt.MarketCapUSD.Decimal.StringFixed(0)))
	}
	if mkt.Volume24hUSD.Valid && mkt.Volume24hUSD.Decimal.LessThan(decimal.NewFromInt(lowVolumeUSD)) {
		score += lowVolumePoints
		factors = append(factors, fmt.Sprintf("Low 24h volume: $%s", mkt.Volume24hUSD.Decimal.StringFixed(0)))
	}
	if mkt.PriceChange24hPct.Valid && mkt.PriceChange24hPct.Decimal.Abs().GreaterThan(decimal.NewFromInt(volatilityPct)) {
		score += volatilityPoints
		factors = append(factors, fmt.Sprintf("High volatility: %s%% in 24h", mkt.PriceChange24hPct.Decimal.StringFixed(1)))
	}

	level, safe, maxUSD := Policy(score, safeMode)
	scale := decimal.NewFromFloat(sizeScale)
	if sizeScale <= 0 {
		scale = decimal.NewFromInt(1)
	}

	return Assessment{
		Level:           level,
		Score:           score,
		Factors:         factors,
		Recommendations: recommendations(level, len(factors)),
		SafeToTrade:     safe,
		MaxTradeUSD:     maxUSD.Mul(scale),
		LiquidityUSD:    sec.LiquidityUSD,
		AssessedAt:      time.Now(),
	}
}

// Policy maps a score to its band, tradeability and unscaled maximum size.
func Policy(score float64, safeMode bool) (Level, bool, decimal.Decimal) {
	switch {
	case score >= 80:
		return LevelCritical, false, decimal.Zero
	case score >= 60:
		return LevelHigh, !safeMode, decimal.NewFromInt(10)
	case score >= 40:
		return LevelMedium, true, decimal.NewFromInt(25)
	case score >= 20:
		return LevelLow, true, decimal.NewFromInt(50)
	default:
		return LevelSafe, true, decimal.NewFromInt(100)
	}
}

func recommendations(level Level, factorCount int) []string {
	var recs []string
	switch level {
	case LevelCritical:
		recs = append(recs, "Critical risk - do not trade")
	case LevelHigh:
		recs = append(recs, "High risk - trade only with safe mode disabled and minimal size")
	case LevelMedium:
		recs = append(recs, "Medium risk - reduce position size")
	case LevelLow:
		recs = append(recs, "Low risk - trade with standard caution")
	default:
		recs = append(recs, "No significant risks detected")
	}
	if factorCount > manyFactorsCount {
		recs = append(recs, recommendationMulti)
	}
	return recs
}

// Metrics are assessor counters.
type Metrics struct {
	Assessed int64 `json:"assessed"`
	Blocked  int64 `json:"blocked"`
	Failures int64 `json:"failures"`
}

func (a *Assessor) Metrics() Metrics {
	return Metrics{
		Assessed: a.assessed.Load(),
		Blocked:  a.blocked.Load(),
		Failures: a.failures.Load(),
	}
}
