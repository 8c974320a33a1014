package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/store"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// Code classifies an execution failure.
type Code string

const (
	CodeQuoteUnavailable    Code = "quote_unavailable"
	CodeAllowanceUnresolved Code = "insufficient_allowance_unresolved"
	CodeFeeEstimationFailed Code = "fee_estimation_failed" // warning only, fallback applied
	CodeSigningFailed       Code = "signing_failed"
	CodeBroadcastFailed     Code = "broadcast_failed"
	CodeConfirmationTimeout Code = "confirmation_timeout"
	CodeReverted            Code = "reverted"
	CodeInvalidRequest      Code = "invalid_request"
	CodeRecordFailed        Code = "record_failed"
)

// IsCallerBug reports whether a code signals a programming or input error
// rather than an operational failure.
func IsCallerBug(c Code) bool {
	return c == CodeSigningFailed || c == CodeInvalidRequest
}

// Error carries a Code across the executor boundary.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted cause.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the Code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ---------------------------------------------------------------------------
// Orders and results
// ---------------------------------------------------------------------------

// BuyOrder spends AmountUSD worth of the native asset on Token.
type BuyOrder struct {
	UserID       string
	Token        string
	AmountUSD    decimal.Decimal
	Slippage     decimal.Decimal // fraction; zero uses the executor default
	Origin       store.Origin
	SourceWallet string
	DryRun       bool
}

// Validate rejects malformed orders before any external call.
func (o BuyOrder) Validate(f chain.Family) error {
	if o.UserID == "" {
		return errors.New("user id is required")
	}
	if !chain.ValidAddress(f, o.Token) {
		return fmt.Errorf("invalid token address %q", o.Token)
	}
	if !o.AmountUSD.IsPositive() {
		return fmt.Errorf("amount_usd must be positive, got %s", o.AmountUSD)
	}
	return validSlippage(o.Slippage)
}

// SellOrder sells Amount (whole-token units) of Token for the native asset.
type SellOrder struct {
	UserID       string
	Token        string
	Amount       decimal.Decimal
	Slippage     decimal.Decimal
	Origin       store.Origin
	SourceWallet string
	DryRun       bool
	// Urgent bids a higher priority fee where the network supports it.
	Urgent bool
}

// Validate rejects malformed orders before any external call.
func (o SellOrder) Validate(f chain.Family) error {
	if o.UserID == "" {
		return errors.New("user id is required")
	}
	if !chain.ValidAddress(f, o.Token) {
		return fmt.Errorf("invalid token address %q", o.Token)
	}
	if !o.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", o.Amount)
	}
	return validSlippage(o.Slippage)
}

func validSlippage(s decimal.Decimal) error {
	if s.IsNegative() || s.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("slippage must be in [0, 1), got %s", s)
	}
	return nil
}

// QuoteSummary is the part of a quote kept for manual recovery.
type QuoteSummary struct {
	SellToken  string          `json:"sell_token"`
	BuyToken   string          `json:"buy_token"`
	SellAmount string          `json:"sell_amount"`
	BuyAmount  string          `json:"buy_amount"`
	Price      decimal.Decimal `json:"price"`
	Target     string          `json:"target,omitempty"`
}

// ExecutionResult is the outcome of one Buy or Sell. Failures are data:
// Success=false with a Code and whatever context was gathered.
type ExecutionResult struct {
	Success  bool          `json:"success"`
	Code     Code          `json:"code,omitempty"`
	Error    string        `json:"error,omitempty"`
	Warnings []Code        `json:"warnings,omitempty"`
	Network  chain.Network `json:"network"`

	RecordID       string `json:"record_id,omitempty"`
	TxHash         string `json:"tx_hash,omitempty"`
	ApprovalTxHash string `json:"approval_tx_hash,omitempty"`
	DryRun         bool   `json:"dry_run,omitempty"`
	SignedPayload  string `json:"signed_payload,omitempty"`

	// AmountIn is spent in sell-side units, AmountOut received in buy-side
	// units (whole tokens or native units).
	AmountIn    decimal.Decimal `json:"amount_in"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	Price       decimal.Decimal `json:"price"` // USD per token
	FeeEstimate decimal.Decimal `json:"fee_estimate"`
	GasUsed     uint64          `json:"gas_used,omitempty"`
	BlockNumber uint64          `json:"block_number,omitempty"`
	Degraded    bool            `json:"degraded,omitempty"`

	Quote   *QuoteSummary `json:"quote,omitempty"`
	FeePlan *FeePlan      `json:"fee_plan,omitempty"`
	Latency time.Duration `json:"latency"`
}

// fail marks r failed with err's code (or fallback when err has none).
func (r *ExecutionResult) fail(err error, fallback Code) ExecutionResult {
	r.Success = false
	r.Code = CodeOf(err)
	if r.Code == "" {
		r.Code = fallback
	}
	r.Error = err.Error()
	return *r
}

func (r *ExecutionResult) warn(c Code) {
	for _, w := range r.Warnings {
		if w == c {
			return
		}
	}
	r.Warnings = append(r.Warnings, c)
}

// Executor runs swaps on one network.
type Executor interface {
	Network() chain.Network
	Buy(ctx context.Context, order BuyOrder) ExecutionResult
	Sell(ctx context.Context, order SellOrder) ExecutionResult
}

// ---------------------------------------------------------------------------
// Unit conversion
// ---------------------------------------------------------------------------

// ToBaseUnits converts a whole-unit amount to the smallest unit, truncating.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits converts a smallest-unit amount to whole units.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// usdToNative converts a USD size to the native smallest unit at priceUSD.
func usdToNative(usd, priceUSD decimal.Decimal, decimals int32) *big.Int {
	if !priceUSD.IsPositive() {
		return big.NewInt(0)
	}
	return ToBaseUnits(usd.DivRound(priceUSD, 18), decimals)
}

// pricePerToken is USD per whole token, zero when tokens is zero.
func pricePerToken(usd, tokens decimal.Decimal) decimal.Decimal {
	if tokens.IsZero() {
		return decimal.Zero
	}
	return usd.DivRound(tokens, 18)
}

// slippageOr returns s, or def when s is zero.
func slippageOr(s, def decimal.Decimal) decimal.Decimal {
	if s.IsZero() {
		return def
	}
	return s
}
