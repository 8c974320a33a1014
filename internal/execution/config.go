package execution

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the settings shared by every executor.
type Config struct {
	// DryRun signs but never broadcasts, for every order.
	DryRun         bool
	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	GasBuffer          float64
	PriorityFee        *big.Int // wei
	FallbackGasLimit   uint64
	FallbackGasPrice   *big.Int // wei
	ApprovalMultiplier int64

	DefaultSlippage decimal.Decimal
	// FallbackNativeUSD prices the native asset when the live price is
	// unavailable. Results priced with it are marked Degraded.
	FallbackNativeUSD decimal.Decimal
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmTimeout:     2 * time.Minute,
		PollInterval:       2 * time.Second,
		GasBuffer:          1.2,
		PriorityFee:        big.NewInt(2 * gwei),
		FallbackGasLimit:   300_000,
		FallbackGasPrice:   big.NewInt(20 * gwei),
		ApprovalMultiplier: 2,
		DefaultSlippage:    decimal.RequireFromString("0.01"),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.GasBuffer < 1 {
		c.GasBuffer = d.GasBuffer
	}
	if c.PriorityFee == nil {
		c.PriorityFee = d.PriorityFee
	}
	if c.FallbackGasLimit == 0 {
		c.FallbackGasLimit = d.FallbackGasLimit
	}
	if c.FallbackGasPrice == nil {
		c.FallbackGasPrice = d.FallbackGasPrice
	}
	if c.ApprovalMultiplier < 1 {
		c.ApprovalMultiplier = d.ApprovalMultiplier
	}
	if !c.DefaultSlippage.IsPositive() {
		c.DefaultSlippage = d.DefaultSlippage
	}
}
