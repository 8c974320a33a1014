package execution

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/solana"
	"github.com/nexus-trading/mirror/internal/store"
)

type solanaHarness struct {
	exec    *SolanaExecutor
	node    *fakeSolanaNode
	jupiter *fakeJupiter
	store   *store.Memory
}

func newTestSolanaExecutor(t *testing.T) *solanaHarness {
	t.Helper()
	h := &solanaHarness{
		node:    &fakeSolanaNode{status: solana.TxConfirmed, decimals: 6},
		jupiter: &fakeJupiter{outAmount: "2000000000"},
		store:   store.NewMemory(),
	}
	cfg := testConfig()
	cfg.FallbackNativeUSD = decimal.NewFromInt(150)
	h.exec = NewSolanaExecutor(chain.Defaults()[chain.Solana], cfg, SolanaDeps{
		Node:   h.node,
		Quoter: h.jupiter,
		Signer: fakeSolanaSigner{},
		Fees:   fixedFees{solana.CongestionNormal: 10_000, solana.CongestionHigh: 20_000},
		Store:  h.store,
	})
	return h
}

func solanaBuy() BuyOrder {
	return BuyOrder{
		UserID:    "u1",
		Token:     string(solana.USDCMint),
		AmountUSD: decimal.NewFromInt(50),
		Slippage:  decimal.RequireFromString("0.015"),
		Origin:    store.OriginMirror,
	}
}

func TestSolanaBuy_Confirmed(t *testing.T) {
	h := newTestSolanaExecutor(t)
	res := h.exec.Buy(context.Background(), solanaBuy())

	require.True(t, res.Success, res.Error)
	assert.Equal(t, chain.Solana, res.Network)
	assert.Equal(t, "sig-signed-unsigned", res.TxHash)

	require.Len(t, h.jupiter.requests, 1)
	req := h.jupiter.requests[0]
	assert.Equal(t, string(solana.SOLMint), req.InputMint)
	assert.Equal(t, uint64(500_000_000), req.Amount, "50 USD at 100 USD/SOL")
	assert.Equal(t, 150, req.SlippageBps)

	assert.True(t, res.AmountIn.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, res.AmountOut.Equal(decimal.NewFromInt(2000)))
	assert.True(t, res.Price.Equal(decimal.RequireFromString("0.025")))
	assert.Equal(t, []uint64{10_000}, h.jupiter.fees)
	// 5,000 lamports base + 10,000 micro-lamports x 200,000 CU.
	assert.True(t, res.FeeEstimate.Equal(decimal.RequireFromString("0.000007")), res.FeeEstimate.String())

	require.Len(t, h.node.sent, 1)
	assert.Equal(t, "signed-unsigned", h.node.sent[0])

	rec, err := h.store.Get(context.Background(), res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConfirmed, rec.Status)
	assert.Equal(t, "solana", rec.Network)
	assert.Equal(t, "10000", rec.GasPrice)
}

func TestSolanaBuy_DryRun(t *testing.T) {
	h := newTestSolanaExecutor(t)
	order := solanaBuy()
	order.DryRun = true
	res := h.exec.Buy(context.Background(), order)

	require.True(t, res.Success, res.Error)
	assert.True(t, res.DryRun)
	assert.Equal(t, "signed-unsigned", res.SignedPayload)
	assert.Equal(t, "localsig", res.TxHash)
	assert.Empty(t, h.node.sent)

	rec, err := h.store.Get(context.Background(), res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDryRun, rec.Status)
}

func TestSolanaBuy_PriceFallback(t *testing.T) {
	h := newTestSolanaExecutor(t)
	h.jupiter.priceErr = errFake
	res := h.exec.Buy(context.Background(), solanaBuy())

	require.True(t, res.Success, res.Error)
	assert.True(t, res.Degraded)
	// 50 USD at the 150 USD fallback, truncated to whole lamports.
	assert.Equal(t, uint64(333_333_333), h.jupiter.requests[0].Amount)
}

func TestSolanaBuy_FailedOnChain(t *testing.T) {
	h := newTestSolanaExecutor(t)
	h.node.status = solana.TxFailed
	res := h.exec.Buy(context.Background(), solanaBuy())

	assert.Equal(t, CodeReverted, res.Code)
	rec, err := h.store.Get(context.Background(), res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
}

func TestSolanaBuy_ConfirmationTimeout(t *testing.T) {
	h := newTestSolanaExecutor(t)
	h.node.status = solana.TxProcessed
	res := h.exec.Buy(context.Background(), solanaBuy())

	assert.Equal(t, CodeConfirmationTimeout, res.Code)
	rec, err := h.store.Get(context.Background(), res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPreparing, rec.Status)
	assert.Equal(t, res.TxHash, rec.Hash())
}

func TestSolanaBuy_QuoteUnavailable(t *testing.T) {
	h := newTestSolanaExecutor(t)
	h.jupiter.quoteErr = errFake
	res := h.exec.Buy(context.Background(), solanaBuy())
	assert.Equal(t, CodeQuoteUnavailable, res.Code)
	assert.Empty(t, res.RecordID)
}

func TestSolanaBuy_RejectsEVMAddress(t *testing.T) {
	h := newTestSolanaExecutor(t)
	order := solanaBuy()
	order.Token = testToken
	res := h.exec.Buy(context.Background(), order)
	assert.Equal(t, CodeInvalidRequest, res.Code)
	assert.Empty(t, h.jupiter.requests)
}

func TestSolanaSell_UrgentBidsHigherFee(t *testing.T) {
	h := newTestSolanaExecutor(t)
	h.jupiter.outAmount = "250000000" // 0.25 SOL
	res := h.exec.Sell(context.Background(), SellOrder{
		UserID: "u1",
		Token:  string(solana.USDCMint),
		Amount: decimal.NewFromInt(2000),
		Origin: store.OriginPanic,
		Urgent: true,
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []uint64{20_000}, h.jupiter.fees)
	req := h.jupiter.requests[0]
	assert.Equal(t, uint64(2_000_000_000), req.Amount)
	assert.Equal(t, string(solana.SOLMint), req.OutputMint)
	assert.Equal(t, 100, req.SlippageBps, "default slippage")
	assert.True(t, res.AmountUSD.Equal(decimal.NewFromInt(25)))
}

func TestSlippageBps(t *testing.T) {
	assert.Equal(t, 100, slippageBps(decimal.RequireFromString("0.01")))
	assert.Equal(t, 250, slippageBps(decimal.RequireFromString("0.025")))
	assert.Equal(t, 0, slippageBps(decimal.Zero))
}
