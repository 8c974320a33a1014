package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a trade record.
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusDryRun    Status = "dry_run"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusDryRun
}

// TradeType is the direction of a trade.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// Origin says what triggered a trade.
type Origin string

const (
	OriginManual Origin = "manual"
	OriginMirror Origin = "mirror"
	OriginPanic  Origin = "panic"
)

// TradeRecord is the durable record of one execution attempt. It is created
// in StatusPreparing before anything is broadcast, so a crash between
// broadcast and confirmation leaves a detectable preparing row.
type TradeRecord struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	UserID       string          `gorm:"size:64;index:idx_trade_user_created,priority:1" json:"user_id"`
	Network      string          `gorm:"size:16" json:"network"`
	Token        string          `gorm:"size:64;index" json:"token"`
	TradeType    TradeType       `gorm:"size:8" json:"trade_type"`
	Origin       Origin          `gorm:"size:8" json:"origin"`
	SourceWallet string          `gorm:"size:64" json:"source_wallet,omitempty"`
	AmountUSD    decimal.Decimal `gorm:"type:text" json:"amount_usd"`
	AmountIn     decimal.Decimal `gorm:"type:text" json:"amount_in"`
	AmountOut    decimal.Decimal `gorm:"type:text" json:"amount_out"`
	TokenIn      string          `gorm:"size:64" json:"token_in"`
	TokenOut     string          `gorm:"size:64" json:"token_out"`
	Price        decimal.Decimal `gorm:"type:text" json:"price"`
	TxHash       *string         `gorm:"size:100;index" json:"tx_hash"`
	GasUsed      uint64          `json:"gas_used"`
	// GasPrice is wei (EVM) or micro-lamports per compute unit (Solana).
	GasPrice string `gorm:"size:40" json:"gas_price"`
	// FeeEstimate is in native units (ETH, BNB, SOL).
	FeeEstimate  decimal.Decimal `gorm:"type:text" json:"fee_estimate"`
	BlockNumber  uint64          `json:"block_number"`
	Status       Status          `gorm:"size:16;index" json:"status"`
	ErrorMessage string          `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time       `gorm:"index:idx_trade_user_created,priority:2" json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
}

// TableName pins the table name across drivers.
func (TradeRecord) TableName() string { return "trade_records" }

// ---------------------------------------------------------------------------
// Lifecycle transitions
// ---------------------------------------------------------------------------

// Event drives a record transition.
type Event string

const (
	EventBroadcast Event = "BROADCAST" // tx hash known, awaiting receipt
	EventConfirm   Event = "CONFIRM"
	EventFail      Event = "FAIL"
	EventDryRun    Event = "DRY_RUN"
)

type transition struct {
	from  Status
	event Event
}

// transitions is the authoritative table. Every valid (state, event) pair
// maps to exactly one target state.
var transitions = map[transition]Status{
	{StatusPreparing, EventBroadcast}: StatusPreparing,
	{StatusPreparing, EventConfirm}:   StatusConfirmed,
	{StatusPreparing, EventFail}:      StatusFailed,
	{StatusPreparing, EventDryRun}:    StatusDryRun,
}

// ErrInvalidTransition is returned for events not allowed in the current state.
var ErrInvalidTransition = errors.New("store: invalid transition")

// Next returns the state reached from s on ev.
func Next(s Status, ev Event) (Status, error) {
	next, ok := transitions[transition{s, ev}]
	if !ok {
		return "", fmt.Errorf("%w: state=%s event=%s", ErrInvalidTransition, s, ev)
	}
	return next, nil
}

// Update is a lifecycle event plus the fields it settles. Zero values leave
// the stored field unchanged.
type Update struct {
	Event       Event
	TxHash      string
	AmountIn    decimal.NullDecimal
	AmountOut   decimal.NullDecimal
	Price       decimal.NullDecimal
	GasUsed     uint64
	GasPrice    string
	FeeEstimate decimal.NullDecimal
	BlockNumber uint64
	Error       string
}

// Apply validates the transition and applies u to r.
func (r *TradeRecord) Apply(u Update, now time.Time) error {
	next, err := Next(r.Status, u.Event)
	if err != nil {
		return err
	}
	if u.TxHash != "" {
		h := u.TxHash
		r.TxHash = &h
	}
	if u.AmountIn.Valid {
		r.AmountIn = u.AmountIn.Decimal
	}
	if u.AmountOut.Valid {
		r.AmountOut = u.AmountOut.Decimal
	}
	if u.Price.Valid {
		r.Price = u.Price.Decimal
	}
	if u.GasUsed > 0 {
		r.GasUsed = u.GasUsed
	}
	if u.GasPrice != "" {
		r.GasPrice = u.GasPrice
	}
	if u.FeeEstimate.Valid {
		r.FeeEstimate = u.FeeEstimate.Decimal
	}
	if u.BlockNumber > 0 {
		r.BlockNumber = u.BlockNumber
	}
	if u.Error != "" {
		r.ErrorMessage = u.Error
	}
	if next == StatusConfirmed {
		t := now
		r.ExecutedAt = &t
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}

// Hash returns the transaction hash or "".
func (r *TradeRecord) Hash() string {
	if r.TxHash == nil {
		return ""
	}
	return *r.TxHash
}
