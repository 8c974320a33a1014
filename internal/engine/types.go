package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/execution"
)

// Action is what an operation did.
type Action string

const (
	ActionAlertSent     Action = "alert_sent"
	ActionBlocked       Action = "blocked"
	ActionBought        Action = "bought"
	ActionSold          Action = "sold"
	ActionSkipped       Action = "skipped"
	ActionPanicSell     Action = "panic_sell"
	ActionConfigUpdated Action = "config_updated"
)

// Reason explains a rejection or failure.
type Reason string

const (
	ReasonBlacklisted           Reason = "blacklisted"
	ReasonUnknownAction         Reason = "unknown_action"
	ReasonInvalidRequest        Reason = "invalid_request"
	ReasonLowConfidence         Reason = "low_confidence"
	ReasonDisabled              Reason = "disabled"
	ReasonNoPosition            Reason = "no_position"
	ReasonPositionExists        Reason = "position_exists"
	ReasonBlockedByRisk         Reason = "blocked_by_risk"
	ReasonBlockedBySafeMode     Reason = "blocked_by_safe_mode"
	ReasonInsufficientLiquidity Reason = "insufficient_liquidity"
	ReasonUnsupportedNetwork    Reason = "unsupported_network"
	ReasonExecutionFailed       Reason = "execution_failed"
	ReasonInternalError         Reason = "internal_error"
)

// Result is returned by every public engine operation. Failures are data:
// no error or panic crosses this boundary.
type Result struct {
	Success bool   `json:"success"`
	Action  Action `json:"action,omitempty"`
	Reason  Reason `json:"reason,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func ok(action Action, data any) Result {
	return Result{Success: true, Action: action, Data: data}
}

func reject(action Action, reason Reason, err error) Result {
	r := Result{Action: action, Reason: reason}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

const (
	SignalBuy  = "buy"
	SignalSell = "sell"
)

// TradeSignal is a trade observed on a monitored source wallet.
type TradeSignal struct {
	SourceWallet string          `json:"source_wallet"`
	Token        string          `json:"token"`
	Action       string          `json:"action"` // buy|sell
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	TxRef        string          `json:"tx_ref"`
	Network      chain.Network   `json:"network"`
	Timestamp    time.Time       `json:"timestamp"`
	Confidence   float64         `json:"confidence"`
}

// Validate checks required fields. The action is not checked here so that
// unknown actions get their own reason.
func (s TradeSignal) Validate() error {
	var errs []error
	if s.SourceWallet == "" {
		errs = append(errs, errors.New("source_wallet is required"))
	}
	if s.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if s.Network == "" {
		errs = append(errs, errors.New("network is required"))
	}
	if s.Amount.IsNegative() {
		errs = append(errs, errors.New("amount must not be negative"))
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		errs = append(errs, fmt.Errorf("confidence %v outside [0,1]", s.Confidence))
	}
	return errors.Join(errs...)
}

func (s TradeSignal) normalizedAction() string {
	return strings.ToLower(strings.TrimSpace(s.Action))
}

// ---------------------------------------------------------------------------
// Manual requests
// ---------------------------------------------------------------------------

// BuyRequest is a user-initiated buy sized in USD.
type BuyRequest struct {
	UserID    string          `json:"user_id"`
	Network   chain.Network   `json:"network"`
	Token     string          `json:"token"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	// Slippage is a fraction; zero uses the configured maximum.
	Slippage decimal.Decimal `json:"slippage"`
	DryRun   bool            `json:"dry_run"`
}

func (r BuyRequest) Validate() error {
	var errs []error
	errs = append(errs, validateTarget(r.UserID, r.Network, r.Token)...)
	if !r.AmountUSD.IsPositive() {
		errs = append(errs, errors.New("amount_usd must be positive"))
	}
	if err := validateSlippage(r.Slippage); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SellRequest is a user-initiated sell of token units. A nil Amount sells
// the whole tracked position.
type SellRequest struct {
	UserID   string           `json:"user_id"`
	Network  chain.Network    `json:"network"`
	Token    string           `json:"token"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Slippage decimal.Decimal  `json:"slippage"`
	DryRun   bool             `json:"dry_run"`
}

func (r SellRequest) Validate() error {
	var errs []error
	errs = append(errs, validateTarget(r.UserID, r.Network, r.Token)...)
	if r.Amount != nil && !r.Amount.IsPositive() {
		errs = append(errs, errors.New("amount must be positive"))
	}
	if err := validateSlippage(r.Slippage); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validateTarget(userID string, network chain.Network, token string) []error {
	var errs []error
	if userID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if network == "" {
		errs = append(errs, errors.New("network is required"))
	}
	if token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	return errs
}

func validateSlippage(s decimal.Decimal) error {
	if s.IsNegative() || s.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("slippage %s outside [0,1)", s)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Operation payloads
// ---------------------------------------------------------------------------

// TradeData is the Data of a successful or failed trade Result.
type TradeData struct {
	Execution   execution.ExecutionResult `json:"execution"`
	SizeUSD     decimal.Decimal           `json:"size_usd,omitempty"`
	RiskLevel   string                    `json:"risk_level,omitempty"`
	RealizedPnL *decimal.Decimal          `json:"realized_pnl_usd,omitempty"`
	Position    *Position                 `json:"position,omitempty"`
	ExplorerURL string                    `json:"explorer_url,omitempty"`
}

// PositionResult is one liquidation attempt inside a panic sell.
type PositionResult struct {
	Network chain.Network `json:"network"`
	Token   string        `json:"token"`
	Success bool          `json:"success"`
	Reason  Reason        `json:"reason,omitempty"`
	Error   string        `json:"error,omitempty"`
	TxHash  string        `json:"tx_hash,omitempty"`
}

// PanicReport aggregates a panic sell.
type PanicReport struct {
	Attempted  int              `json:"attempted"`
	Liquidated int              `json:"liquidated"`
	Results    []PositionResult `json:"results"`
}

// PortfolioSummary lists a user's open positions.
type PortfolioSummary struct {
	UserID         string          `json:"user_id"`
	PositionCount  int             `json:"position_count"`
	TotalCostUSD   decimal.Decimal `json:"total_cost_usd"`
	RealizedPnLUSD decimal.Decimal `json:"realized_pnl_usd"`
	Positions      []Position      `json:"positions"`
}
