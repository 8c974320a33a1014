package execution

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/adapters/jupiter"
	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/metrics"
	"github.com/nexus-trading/mirror/internal/solana"
	"github.com/nexus-trading/mirror/internal/store"
)

const (
	// baseFeeLamports is the network fee per signature.
	baseFeeLamports = 5_000
	// estimatedSwapComputeUnits sizes the priority fee estimate. The real
	// limit is set by the aggregator per transaction.
	estimatedSwapComputeUnits = 200_000
)

// SolanaQuoter quotes and builds swaps. *jupiter.APIClient satisfies it.
type SolanaQuoter interface {
	GetQuote(ctx context.Context, req jupiter.QuoteRequest) (*jupiter.QuoteResponse, error)
	BuildSwapTx(ctx context.Context, quote *jupiter.QuoteResponse, userPubkey string, priorityFeeMicroLamports uint64) (*jupiter.SwapResponse, error)
	GetPrice(ctx context.Context, mint string) (decimal.Decimal, error)
}

// SolanaNode is the RPC surface the Solana executor needs. *solana.Client
// satisfies it.
type SolanaNode interface {
	SendTransaction(ctx context.Context, txBase64 string) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (solana.TxStatus, error)
	TokenDecimals(ctx context.Context, mint solana.Pubkey) (int32, error)
}

// SolanaSigner signs wire transactions. *solana.KeypairSigner satisfies it.
type SolanaSigner interface {
	Address(ctx context.Context, userID string) (solana.Pubkey, error)
	SignTransaction(ctx context.Context, userID, txBase64 string) (string, solana.Signature, error)
}

// PriorityFees recommends a compute-unit price in micro-lamports.
type PriorityFees interface {
	EstimateFee(congestion solana.CongestionLevel) uint64
}

// SolanaDeps are the collaborators of a SolanaExecutor.
type SolanaDeps struct {
	Node   SolanaNode
	Quoter SolanaQuoter
	Signer SolanaSigner
	Fees   PriorityFees
	Store  store.Store
}

// SolanaExecutor runs swaps through Jupiter.
type SolanaExecutor struct {
	chain  chain.Config
	cfg    Config
	node   SolanaNode
	quoter SolanaQuoter
	signer SolanaSigner
	fees   PriorityFees
	store  store.Store
}

// NewSolanaExecutor creates the Solana executor.
func NewSolanaExecutor(cc chain.Config, cfg Config, deps SolanaDeps) *SolanaExecutor {
	cfg.applyDefaults()
	return &SolanaExecutor{
		chain:  cc,
		cfg:    cfg,
		node:   deps.Node,
		quoter: deps.Quoter,
		signer: deps.Signer,
		fees:   deps.Fees,
		store:  deps.Store,
	}
}

func (e *SolanaExecutor) Network() chain.Network { return e.chain.Network }

// Buy swaps SOL for order.Token.
func (e *SolanaExecutor) Buy(ctx context.Context, order BuyOrder) (res ExecutionResult) {
	start := time.Now()
	res.Network = e.chain.Network
	defer func() { res.Latency = time.Since(start) }()

	if err := order.Validate(e.chain.Family); err != nil {
		return res.fail(err, CodeInvalidRequest)
	}
	if e.chain.IsNative(order.Token) {
		return res.fail(Errorf(CodeInvalidRequest, "token %s is the native asset", order.Token), "")
	}
	wallet, err := e.signer.Address(ctx, order.UserID)
	if err != nil {
		return res.fail(Errorf(CodeSigningFailed, "%w", err), "")
	}

	solUSD := e.solPrice(ctx, &res)
	lamports := usdToNative(order.AmountUSD, solUSD, e.chain.NativeDecimals)
	if lamports.Sign() <= 0 || !lamports.IsUint64() {
		return res.fail(Errorf(CodeInvalidRequest, "amount %s USD is out of range", order.AmountUSD), "")
	}

	tokenDecimals, err := e.node.TokenDecimals(ctx, solana.Pubkey(order.Token))
	if err != nil {
		return res.fail(Errorf(CodeQuoteUnavailable, "read token decimals: %w", err), "")
	}
	quote, err := e.quoter.GetQuote(ctx, jupiter.QuoteRequest{
		InputMint:   string(solana.SOLMint),
		OutputMint:  order.Token,
		Amount:      lamports.Uint64(),
		SlippageBps: slippageBps(slippageOr(order.Slippage, e.cfg.DefaultSlippage)),
	})
	metrics.RecordQuote("jupiter", err)
	if err != nil {
		return res.fail(Errorf(CodeQuoteUnavailable, "%w", err), "")
	}

	res.AmountIn = solana.LamportsToSOL(quote.InAmountUnits())
	res.AmountOut = decimal.NewFromUint64(quote.OutAmountUnits()).Shift(-tokenDecimals)
	res.AmountUSD = order.AmountUSD
	res.Price = pricePerToken(res.AmountUSD, res.AmountOut)
	res.Quote = summarizeJupiterQuote(quote)

	return e.submit(ctx, &res, solanaSwap{
		userID:     order.UserID,
		wallet:     wallet,
		quote:      quote,
		congestion: solana.CongestionNormal,
		dryRun:     e.cfg.DryRun || order.DryRun,
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

// Sell swaps order.Amount of order.Token for SOL.
func (e *SolanaExecutor) Sell(ctx context.Context, order SellOrder) (res ExecutionResult) {
	start := time.Now()
	res.Network = e.chain.Network
	defer func() { res.Latency = time.Since(start) }()

	if err := order.Validate(e.chain.Family); err != nil {
		return res.fail(err, CodeInvalidRequest)
	}
	if e.chain.IsNative(order.Token) {
		return res.fail(Errorf(CodeInvalidRequest, "token %s is the native asset", order.Token), "")
	}
	wallet, err := e.signer.Address(ctx, order.UserID)
	if err != nil {
		return res.fail(Errorf(CodeSigningFailed, "%w", err), "")
	}

	tokenDecimals, err := e.node.TokenDecimals(ctx, solana.Pubkey(order.Token))
	if err != nil {
		return res.fail(Errorf(CodeQuoteUnavailable, "read token decimals: %w", err), "")
	}
	amount := ToBaseUnits(order.Amount, tokenDecimals)
	if amount.Sign() <= 0 || !amount.IsUint64() {
		return res.fail(Errorf(CodeInvalidRequest, "amount %s is out of range", order.Amount), "")
	}

	quote, err := e.quoter.GetQuote(ctx, jupiter.QuoteRequest{
		InputMint:   order.Token,
		OutputMint:  string(solana.SOLMint),
		Amount:      amount.Uint64(),
		SlippageBps: slippageBps(slippageOr(order.Slippage, e.cfg.DefaultSlippage)),
	})
	metrics.RecordQuote("jupiter", err)
	if err != nil {
		return res.fail(Errorf(CodeQuoteUnavailable, "%w", err), "")
	}

	solUSD := e.solPrice(ctx, &res)
	res.AmountIn = decimal.NewFromUint64(quote.InAmountUnits()).Shift(-tokenDecimals)
	res.AmountOut = solana.LamportsToSOL(quote.OutAmountUnits())
	res.AmountUSD = res.AmountOut.Mul(solUSD)
	res.Price = pricePerToken(res.AmountUSD, res.AmountIn)
	res.Quote = summarizeJupiterQuote(quote)

	congestion := solana.CongestionNormal
	if order.Urgent {
		congestion = solana.CongestionHigh
	}
	return e.submit(ctx, &res, solanaSwap{
		userID:     order.UserID,
		wallet:     wallet,
		quote:      quote,
		congestion: congestion,
		dryRun:     e.cfg.DryRun || order.DryRun,
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

type solanaSwap struct {
	userID     string
	wallet     solana.Pubkey
	quote      *jupiter.QuoteResponse
	congestion solana.CongestionLevel
	dryRun     bool
	record     *store.TradeRecord
}

func (e *SolanaExecutor) submit(ctx context.Context, res *ExecutionResult, s solanaSwap) ExecutionResult {
	priorityFee := uint64(solana.DefaultPriorityFeeMicroLamports)
	if e.fees != nil {
		priorityFee = e.fees.EstimateFee(s.congestion)
	}
	res.FeeEstimate = solanaFeeEstimate(priorityFee)

	swapTx, err := e.quoter.BuildSwapTx(ctx, s.quote, string(s.wallet), priorityFee)
	if err != nil {
		return res.fail(Errorf(CodeQuoteUnavailable, "%w", err), "")
	}

	signedTx, sig, err := e.signer.SignTransaction(ctx, s.userID, swapTx.SwapTransaction)
	if err != nil {
		return res.fail(Errorf(CodeSigningFailed, "%w", err), "")
	}

	rec := s.record
	rec.FeeEstimate = res.FeeEstimate
	rec.GasPrice = strconv.FormatUint(priorityFee, 10)
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
		res.SignedPayload = signedTx
		res.TxHash = string(sig)
		settleRecord(ctx, e.store, res, rec.ID, store.Update{Event: store.EventDryRun, TxHash: string(sig)})
		res.Success = true
		logger.Info().Str("signature", string(sig)).Uint64("priority_fee", priorityFee).
			Msg("execution: dry run, not broadcast")
		return *res
	}

	sent, err := e.node.SendTransaction(ctx, signedTx)
	if err != nil {
		settleRecord(ctx, e.store, res, rec.ID, store.Update{Event: store.EventFail, Error: err.Error()})
		return res.fail(Errorf(CodeBroadcastFailed, "%w", err), "")
	}
	if sent == "" {
		sent = sig
	}
	res.TxHash = string(sent)
	settleRecord(ctx, e.store, res, rec.ID, store.Update{Event: store.EventBroadcast, TxHash: string(sent)})
	logger.Info().Str("signature", string(sent)).Str("url", e.chain.TxURL(string(sent))).
		Msg("execution: transaction sent")

	status, err := e.waitStatus(ctx, sent)
	if err != nil {
		logger.Warn().Str("signature", string(sent)).Dur("timeout", e.cfg.ConfirmTimeout).
			Msg("execution: confirmation timed out")
		return res.fail(Errorf(CodeConfirmationTimeout, "signature %s: %w", sent, err), "")
	}
	if status == solana.TxFailed {
		settleRecord(ctx, e.store, res, rec.ID, store.Update{Event: store.EventFail, Error: "transaction failed on chain"})
		logger.Warn().Str("signature", string(sent)).Msg("execution: transaction failed on chain")
		return res.fail(Errorf(CodeReverted, "signature %s failed on chain", sent), "")
	}

	settleRecord(ctx, e.store, res, rec.ID, store.Update{Event: store.EventConfirm})
	res.Success = true
	logger.Info().Str("signature", string(sent)).Str("status", string(status)).
		Msg("execution: transaction confirmed")
	return *res
}

// waitStatus polls the signature until it lands, fails or the confirmation
// timeout passes.
func (e *SolanaExecutor) waitStatus(ctx context.Context, sig solana.Signature) (solana.TxStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		status, err := e.node.SignatureStatus(ctx, sig)
		if err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Str("signature", string(sig)).Msg("execution: status poll failed")
		}
		if err == nil && (status.Landed() || status == solana.TxFailed) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return "", errConfirmTimeout
		case <-ticker.C:
		}
	}
}

// solPrice returns the live SOL price, or the fallback with res marked
// Degraded.
func (e *SolanaExecutor) solPrice(ctx context.Context, res *ExecutionResult) decimal.Decimal {
	p, err := e.quoter.GetPrice(ctx, string(solana.SOLMint))
	if err == nil && p.IsPositive() {
		return p
	}
	log.Warn().Err(err).Str("fallback", e.cfg.FallbackNativeUSD.String()).
		Msg("execution: SOL price unavailable, using fallback")
	res.Degraded = true
	return e.cfg.FallbackNativeUSD
}

// slippageBps converts a fraction to basis points.
func slippageBps(s decimal.Decimal) int {
	return int(s.Shift(4).Round(0).IntPart())
}

// solanaFeeEstimate is the expected fee in SOL for one signature and the
// given compute-unit price.
func solanaFeeEstimate(priorityMicroLamports uint64) decimal.Decimal {
	priority := decimal.NewFromUint64(priorityMicroLamports).
		Mul(decimal.NewFromInt(estimatedSwapComputeUnits)).
		Shift(-6).
		Ceil()
	return priority.Add(decimal.NewFromInt(baseFeeLamports)).Shift(-9)
}

func summarizeJupiterQuote(q *jupiter.QuoteResponse) *QuoteSummary {
	var price decimal.Decimal
	if in := q.InAmountUnits(); in > 0 {
		price = decimal.NewFromUint64(q.OutAmountUnits()).Div(decimal.NewFromUint64(in))
	}
	return &QuoteSummary{
		SellToken:  q.InputMint,
		BuyToken:   q.OutputMint,
		SellAmount: q.InAmount,
		BuyAmount:  q.OutAmount,
		Price:      price,
	}
}
