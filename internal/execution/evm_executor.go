package execution

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/adapters/zerox"
	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/evm"
	"github.com/nexus-trading/mirror/internal/metrics"
	"github.com/nexus-trading/mirror/internal/store"
)

// EVMNode is the node surface the EVM executor needs. *evm.Client
// satisfies it.
type EVMNode interface {
	ApprovalNode
	PendingNonce(ctx context.Context, addr string) (uint64, error)
	Decimals(ctx context.Context, token string) (int32, error)
}

// EVMQuoter fetches executable swap quotes. *zerox.Client satisfies it.
type EVMQuoter interface {
	GetQuote(ctx context.Context, req zerox.QuoteRequest) (*zerox.Quote, error)
}

// EVMSigner signs for users. *evm.RemoteSigner satisfies it.
type EVMSigner interface {
	Address(ctx context.Context, userID string) (string, error)
	SignTransaction(ctx context.Context, userID string, tx evm.Transaction) (evm.SignedTransaction, error)
}

// NativePricer prices a network's native asset in USD.
type NativePricer interface {
	NativePriceUSD(ctx context.Context, network chain.Network) (decimal.Decimal, error)
}

// EVMDeps are the collaborators of an EVMExecutor.
type EVMDeps struct {
	Node   EVMNode
	Quoter EVMQuoter
	Signer EVMSigner
	Prices NativePricer
	Store  store.Store
}

// EVMExecutor runs swaps through the 0x aggregator on one EVM network.
type EVMExecutor struct {
	chain     chain.Config
	cfg       Config
	node      EVMNode
	quoter    EVMQuoter
	signer    EVMSigner
	prices    NativePricer
	store     store.Store
	fees      *FeeCalculator
	approvals *ApprovalManager
}

// NewEVMExecutor creates an executor for cc.
func NewEVMExecutor(cc chain.Config, cfg Config, deps EVMDeps) *EVMExecutor {
	cfg.applyDefaults()
	fees := NewFeeCalculator(deps.Node, cc, cfg)
	return &EVMExecutor{
		chain:     cc,
		cfg:       cfg,
		node:      deps.Node,
		quoter:    deps.Quoter,
		signer:    deps.Signer,
		prices:    deps.Prices,
		store:     deps.Store,
		fees:      fees,
		approvals: NewApprovalManager(deps.Node, deps.Signer, fees, cc.ChainID, cfg),
	}
}

func (e *EVMExecutor) Network() chain.Network { return e.chain.Network }

// Buy swaps the native asset for order.Token.
func (e *EVMExecutor) Buy(ctx context.Context, order BuyOrder) (res ExecutionResult) {
	start := time.Now()
	res.Network = e.chain.Network
	defer func() { res.Latency = time.Since(start) }()

	if err := order.Validate(e.chain.Family); err != nil {
		return res.fail(err, CodeInvalidRequest)
	}
	if e.chain.IsNative(order.Token) {
		return res.fail(Errorf(CodeInvalidRequest, "token %s is the native asset", order.Token), "")
	}
	taker, err := e.signer.Address(ctx, order.UserID)
	if err != nil {
		return res.fail(Errorf(CodeSigningFailed, "%w", err), "")
	}

	nativeUSD := e.nativePrice(ctx, &res)
	sellAmount := usdToNative(order.AmountUSD, nativeUSD, e.chain.NativeDecimals)
	if sellAmount.Sign() <= 0 {
		return res.fail(Errorf(CodeInvalidRequest, "amount %s USD rounds to zero", order.AmountUSD), "")
	}

	tokenDecimals, err := e.node.Decimals(ctx, order.Token)
	if err != nil {
		return res.fail(Errorf(CodeQuoteUnavailable, "read token decimals: %w", err), "")
	}
	quote, err := e.quoter.GetQuote(ctx, zerox.QuoteRequest{
		SellToken:    chain.NativePlaceholder,
		BuyToken:     order.Token,
		SellAmount:   sellAmount,
		Slippage:     slippageOr(order.Slippage, e.cfg.DefaultSlippage),
		TakerAddress: taker,
	})
	metrics.RecordQuote("zerox", err)
	if err != nil {
		return res.fail(Errorf(CodeQuoteUnavailable, "%w", err), "")
	}

	res.AmountIn = FromBaseUnits(quote.SellAmount, e.chain.NativeDecimals)
	res.AmountOut = FromBaseUnits(quote.BuyAmount, tokenDecimals)
	res.AmountUSD = order.AmountUSD
	res.Price = pricePerToken(res.AmountUSD, res.AmountOut)
	res.Quote = summarizeQuote(quote)

	value := quote.Value
	if value == nil || value.Sign() == 0 {
		value = quote.SellAmount
	}
	return e.submit(ctx, &res, swap{
		userID: order.UserID,
		taker:  taker,
		quote:  quote,
		value:  value,
		dryRun: e.cfg.DryRun || order.DryRun,
		record: &store.TradeRecord{
			UserID:       order.UserID,
			Network:      string(e.chain.Network),
			Token:        order.Token,
			TradeType:    store.TradeBuy,
			Origin:       order.Origin,
			SourceWallet: order.SourceWallet,
			AmountUSD:    res.AmountUSD,
			AmountIn:     res.AmountIn,
			AmountOut:    res.AmountOut,
			TokenIn:      e.chain.NativeSymbol,
			TokenOut:     order.Token,
			Price:        res.Price,
		},
	})
}

// Sell swaps order.Amount of order.Token for the native asset, approving
// the swap target first when the allowance is short.
func (e *EVMExecutor) Sell(ctx context.Context, order SellOrder) (res ExecutionResult) {
	start := time.Now()
	res.Network = e.chain.Network
	defer func() { res.Latency = time.Since(start) }()

	if err := order.Validate(e.chain.Family); err != nil {
		return res.fail(err, CodeInvalidRequest)
	}
	if e.chain.IsNative(order.Token) {
		return res.fail(Errorf(CodeInvalidRequest, "token %s is the native asset", order.Token), "")
	}
	taker, err := e.signer.Address(ctx, order.UserID)
	if err != nil {
		return res.fail(Errorf(CodeSigningFailed, "%w", err), "")
	}

	tokenDecimals, err := e.node.Decimals(ctx, order.Token)
	if err != nil {
		return res.fail(Errorf(CodeQuoteUnavailable, "read token decimals: %w", err), "")
	}
	sellAmount := ToBaseUnits(order.Amount, tokenDecimals)
	if sellAmount.Sign() <= 0 {
		return res.fail(Errorf(CodeInvalidRequest, "amount %s rounds to zero", order.Amount), "")
	}

	quote, err := e.quoter.GetQuote(ctx, zerox.QuoteRequest{
		SellToken:    order.Token,
		BuyToken:     chain.NativePlaceholder,
		SellAmount:   sellAmount,
		Slippage:     slippageOr(order.Slippage, e.cfg.DefaultSlippage),
		TakerAddress: taker,
	})
	metrics.RecordQuote("zerox", err)
	if err != nil {
		return res.fail(Errorf(CodeQuoteUnavailable, "%w", err), "")
	}
	res.Quote = summarizeQuote(quote)

	dryRun := e.cfg.DryRun || order.DryRun
	nonce, err := e.node.PendingNonce(ctx, taker)
	if err != nil {
		return res.fail(Errorf(CodeBroadcastFailed, "read nonce: %w", err), "")
	}

	spender := quote.AllowanceTarget
	if spender == "" {
		spender = quote.To
	}
	approval, err := e.approvals.Ensure(ctx, ApprovalRequest{
		UserID:   order.UserID,
		Owner:    taker,
		Token:    order.Token,
		Spender:  spender,
		Required: quote.SellAmount,
		Nonce:    nonce,
		DryRun:   dryRun,
	})
	for _, w := range approval.Warnings {
		res.warn(w)
	}
	if approval.Needed {
		res.ApprovalTxHash = approval.TxHash
	}
	if err != nil {
		return res.fail(err, CodeAllowanceUnresolved)
	}
	var swapNonce *uint64
	if approval.NonceUsed {
		n := nonce + 1
		swapNonce = &n
	}

	nativeUSD := e.nativePrice(ctx, &res)
	res.AmountIn = FromBaseUnits(quote.SellAmount, tokenDecimals)
	res.AmountOut = FromBaseUnits(quote.BuyAmount, e.chain.NativeDecimals)
	res.AmountUSD = res.AmountOut.Mul(nativeUSD)
	res.Price = pricePerToken(res.AmountUSD, res.AmountIn)

	return e.submit(ctx, &res, swap{
		userID: order.UserID,
		taker:  taker,
		quote:  quote,
		value:  quote.Value,
		nonce:  swapNonce,
		dryRun: dryRun,
		record: &store.TradeRecord{
			UserID:       order.UserID,
			Network:      string(e.chain.Network),
			Token:        order.Token,
			TradeType:    store.TradeSell,
			Origin:       order.Origin,
			SourceWallet: order.SourceWallet,
			AmountUSD:    res.AmountUSD,
			AmountIn:     res.AmountIn,
			AmountOut:    res.AmountOut,
			TokenIn:      order.Token,
			TokenOut:     e.chain.NativeSymbol,
			Price:        res.Price,
		},
	})
}

// ---------------------------------------------------------------------------
// Shared pipeline: fee plan, sign, record, broadcast, confirm
// ---------------------------------------------------------------------------

type swap struct {
	userID string
	taker  string
	quote  *zerox.Quote
	value  *big.Int
	nonce  *uint64 // nil reads the pending nonce
	dryRun bool
	record *store.TradeRecord
}

func (e *EVMExecutor) submit(ctx context.Context, res *ExecutionResult, s swap) ExecutionResult {
	value := s.value
	if value == nil {
		value = big.NewInt(0)
	}
	tx := evm.Transaction{
		ChainID: e.chain.ChainID,
		From:    s.taker,
		To:      s.quote.To,
		Data:    s.quote.Data,
		Value:   value,
	}

	plan, err := e.fees.Plan(ctx, tx)
	if err != nil {
		res.warn(CodeFeeEstimationFailed)
	}
	plan.Apply(&tx)
	res.FeePlan = &plan
	res.FeeEstimate = FromBaseUnits(plan.MaxCost(), e.chain.NativeDecimals)

	if s.nonce != nil {
		tx.Nonce = *s.nonce
	} else {
		nonce, err := e.node.PendingNonce(ctx, s.taker)
		if err != nil {
			return res.fail(Errorf(CodeBroadcastFailed, "read nonce: %w", err), "")
		}
		tx.Nonce = nonce
	}

	signed, err := e.signer.SignTransaction(ctx, s.userID, tx)
	if err != nil {
		return res.fail(Errorf(CodeSigningFailed, "%w", err), "")
	}

	rec := s.record
	rec.FeeEstimate = res.FeeEstimate
	if p := plan.UnitPrice(); p != nil {
		rec.GasPrice = p.String()
	}
	if err := e.store.Create(ctx, rec); err != nil {
		return res.fail(Errorf(CodeRecordFailed, "%w", err), "")
	}
	res.RecordID = rec.ID

	logger := log.With().
		Str("network", string(e.chain.Network)).
		Str("user", s.userID).
		Str("token", rec.Token).
		Str("side", string(rec.TradeType)).
		Str("record", rec.ID).
		Logger()

	if s.dryRun {
		res.DryRun = true
		res.SignedPayload = signed.Raw
		res.TxHash = signed.Hash
		e.settle(ctx, res, rec.ID, store.Update{Event: store.EventDryRun, TxHash: signed.Hash})
		res.Success = true
		logger.Info().
			Str("tx", signed.Hash).
			Str("fee_estimate", res.FeeEstimate.String()).
			Msg("execution: dry run, not broadcast")
		return *res
	}

	hash, err := e.node.SendRawTransaction(ctx, signed.Raw)
	if err != nil {
		e.settle(ctx, res, rec.ID, store.Update{Event: store.EventFail, Error: err.Error()})
		return res.fail(Errorf(CodeBroadcastFailed, "%w", err), "")
	}
	res.TxHash = hash
	e.settle(ctx, res, rec.ID, store.Update{Event: store.EventBroadcast, TxHash: hash})
	logger.Info().Str("tx", hash).Str("url", e.chain.TxURL(hash)).Msg("execution: transaction broadcast")

	receipt, err := waitReceipt(ctx, e.node, hash, e.cfg.ConfirmTimeout, e.cfg.PollInterval)
	if err != nil {
		// Outcome unknown: the record stays preparing with its hash.
		logger.Warn().Str("tx", hash).Dur("timeout", e.cfg.ConfirmTimeout).
			Msg("execution: confirmation timed out")
		return res.fail(Errorf(CodeConfirmationTimeout, "tx %s: %w", hash, err), "")
	}
	res.GasUsed = receipt.GasUsed
	res.BlockNumber = receipt.BlockNumber

	if !receipt.Succeeded() {
		e.settle(ctx, res, rec.ID, store.Update{
			Event:       store.EventFail,
			GasUsed:     receipt.GasUsed,
			BlockNumber: receipt.BlockNumber,
			Error:       "transaction reverted",
		})
		logger.Warn().Str("tx", hash).Uint64("block", receipt.BlockNumber).Msg("execution: transaction reverted")
		return res.fail(Errorf(CodeReverted, "tx %s reverted in block %d", hash, receipt.BlockNumber), "")
	}

	upd := store.Update{
		Event:       store.EventConfirm,
		GasUsed:     receipt.GasUsed,
		BlockNumber: receipt.BlockNumber,
	}
	if receipt.EffectiveGasPrice != nil && receipt.EffectiveGasPrice.Sign() > 0 {
		upd.GasPrice = receipt.EffectiveGasPrice.String()
	}
	e.settle(ctx, res, rec.ID, upd)
	res.Success = true
	logger.Info().
		Str("tx", hash).
		Uint64("gas_used", receipt.GasUsed).
		Uint64("block", receipt.BlockNumber).
		Msg("execution: transaction confirmed")
	return *res
}

// settle applies a record update. The chain outcome is already decided, so
// a store failure only adds a warning.
func (e *EVMExecutor) settle(ctx context.Context, res *ExecutionResult, id string, u store.Update) {
	settleRecord(ctx, e.store, res, id, u)
}

// nativePrice returns the live native price, or the configured fallback
// with res marked Degraded.
func (e *EVMExecutor) nativePrice(ctx context.Context, res *ExecutionResult) decimal.Decimal {
	if e.prices != nil {
		p, err := e.prices.NativePriceUSD(ctx, e.chain.Network)
		if err == nil && p.IsPositive() {
			return p
		}
		log.Warn().Err(err).
			Str("network", string(e.chain.Network)).
			Str("fallback", e.cfg.FallbackNativeUSD.String()).
			Msg("execution: native price unavailable, using fallback")
	}
	res.Degraded = true
	return e.cfg.FallbackNativeUSD
}

func summarizeQuote(q *zerox.Quote) *QuoteSummary {
	return &QuoteSummary{
		SellToken:  q.SellToken,
		BuyToken:   q.BuyToken,
		SellAmount: q.SellAmount.String(),
		BuyAmount:  q.BuyAmount.String(),
		Price:      q.Price,
		Target:     q.To,
	}
}

// settleRecord is shared by every executor.
func settleRecord(ctx context.Context, s store.Store, res *ExecutionResult, id string, u store.Update) {
	// The caller may have given up; the record must still follow the chain.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := s.Update(ctx, id, u); err != nil {
		log.Error().Err(err).Str("record", id).Str("event", string(u.Event)).
			Msg("execution: record update failed")
		res.warn(CodeRecordFailed)
	}
}
