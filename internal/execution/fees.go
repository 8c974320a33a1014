package execution

import (
	"context"
	"errors"
	"math/big"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/evm"
)

const gwei = 1_000_000_000

// GweiToWei converts a gwei amount to wei.
func GweiToWei(g float64) *big.Int {
	return decimal.NewFromFloat(g).Shift(9).Truncate(0).BigInt()
}

// FeeNode is the part of an EVM node the fee calculator reads.
type FeeNode interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	BaseFee(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, tx evm.Transaction) (uint64, error)
}

// FeePlan is the gas limit and per-unit pricing chosen for one transaction.
type FeePlan struct {
	Modern       bool     `json:"modern"`
	GasLimit     uint64   `json:"gas_limit"`
	GasPrice     *big.Int `json:"gas_price,omitempty"`
	BaseFee      *big.Int `json:"base_fee,omitempty"`
	PriorityFee  *big.Int `json:"priority_fee,omitempty"`
	MaxFeePerGas *big.Int `json:"max_fee_per_gas,omitempty"`
	// Capped is set when the network ceiling lowered the computed price.
	Capped bool `json:"capped,omitempty"`
	// Fallback is set when any estimate failed and defaults were used.
	Fallback bool `json:"fallback,omitempty"`
}

// Apply copies the plan onto tx.
func (p FeePlan) Apply(tx *evm.Transaction) {
	tx.Gas = p.GasLimit
	if p.Modern {
		tx.MaxFeePerGas = p.MaxFeePerGas
		tx.MaxPriorityFeePerGas = p.PriorityFee
		tx.GasPrice = nil
		return
	}
	tx.GasPrice = p.GasPrice
	tx.MaxFeePerGas = nil
	tx.MaxPriorityFeePerGas = nil
}

// UnitPrice is the per-unit cap the plan pays at most.
func (p FeePlan) UnitPrice() *big.Int {
	if p.Modern {
		return p.MaxFeePerGas
	}
	return p.GasPrice
}

// MaxCost is the worst-case fee in wei.
func (p FeePlan) MaxCost() *big.Int {
	price := p.UnitPrice()
	if price == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(price, new(big.Int).SetUint64(p.GasLimit))
}

// FeeCalculator produces fee plans for one EVM network.
type FeeCalculator struct {
	node             FeeNode
	modern           bool
	ceiling          *big.Int // zero means uncapped
	buffer           decimal.Decimal
	priorityFee      *big.Int
	fallbackGasLimit uint64
	fallbackGasPrice *big.Int
}

// NewFeeCalculator creates a calculator from the network parameters and
// the execution settings.
func NewFeeCalculator(node FeeNode, cc chain.Config, cfg Config) *FeeCalculator {
	cfg.applyDefaults()
	return &FeeCalculator{
		node:             node,
		modern:           cc.ModernFees,
		ceiling:          GweiToWei(cc.MaxGasGwei),
		buffer:           decimal.NewFromFloat(cfg.GasBuffer),
		priorityFee:      new(big.Int).Set(cfg.PriorityFee),
		fallbackGasLimit: cfg.FallbackGasLimit,
		fallbackGasPrice: new(big.Int).Set(cfg.FallbackGasPrice),
	}
}

// Plan estimates tx and prices it. It always returns a usable plan; when
// any estimate failed the plan is built from defaults, Fallback is set and
// the returned error carries CodeFeeEstimationFailed.
func (f *FeeCalculator) Plan(ctx context.Context, tx evm.Transaction) (FeePlan, error) {
	plan := FeePlan{Modern: f.modern}
	var errs []error

	gas, err := f.node.EstimateGas(ctx, tx)
	if err != nil || gas == 0 {
		if err == nil {
			err = errors.New("node returned zero gas")
		}
		errs = append(errs, err)
		plan.GasLimit = f.fallbackGasLimit
		plan.Fallback = true
	} else {
		plan.GasLimit = f.buffered(gas)
	}

	if f.modern {
		base, err := f.node.BaseFee(ctx)
		if err != nil {
			errs = append(errs, err)
			plan.Fallback = true
			f.priceModernFallback(&plan)
		} else {
			f.priceModern(&plan, base)
		}
	} else {
		price, err := f.node.GasPrice(ctx)
		if err != nil {
			errs = append(errs, err)
			plan.Fallback = true
			price = f.fallbackGasPrice
		}
		plan.GasPrice = new(big.Int).Set(price)
		if f.capped(plan.GasPrice) {
			plan.GasPrice = new(big.Int).Set(f.ceiling)
			plan.Capped = true
		}
	}

	if len(errs) > 0 {
		log.Warn().Err(errors.Join(errs...)).
			Uint64("gas_limit", plan.GasLimit).
			Bool("modern", plan.Modern).
			Msg("execution: fee estimation failed, using defaults")
		return plan, &Error{Code: CodeFeeEstimationFailed, Err: errors.Join(errs...)}
	}
	return plan, nil
}

// priceModern sets maxFee = min(2*base + tip, ceiling).
func (f *FeeCalculator) priceModern(plan *FeePlan, base *big.Int) {
	plan.BaseFee = new(big.Int).Set(base)
	plan.PriorityFee = new(big.Int).Set(f.priorityFee)
	maxFee := new(big.Int).Mul(base, big.NewInt(2))
	maxFee.Add(maxFee, plan.PriorityFee)
	if f.capped(maxFee) {
		maxFee = new(big.Int).Set(f.ceiling)
		plan.Capped = true
	}
	plan.MaxFeePerGas = maxFee
	if plan.PriorityFee.Cmp(maxFee) > 0 {
		plan.PriorityFee = new(big.Int).Set(maxFee)
	}
}

func (f *FeeCalculator) priceModernFallback(plan *FeePlan) {
	maxFee := new(big.Int).Set(f.fallbackGasPrice)
	if f.capped(maxFee) {
		maxFee = new(big.Int).Set(f.ceiling)
		plan.Capped = true
	}
	plan.MaxFeePerGas = maxFee
	plan.PriorityFee = new(big.Int).Set(f.priorityFee)
	if plan.PriorityFee.Cmp(maxFee) > 0 {
		plan.PriorityFee = new(big.Int).Set(maxFee)
	}
}

func (f *FeeCalculator) capped(price *big.Int) bool {
	return f.ceiling.Sign() > 0 && price.Cmp(f.ceiling) > 0
}

func (f *FeeCalculator) buffered(gas uint64) uint64 {
	return uint64(decimal.NewFromInt(int64(gas)).Mul(f.buffer).Ceil().IntPart())
}
