package execution

import (
	"context"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/mirror/internal/adapters/zerox"
	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/evm"
	"github.com/nexus-trading/mirror/internal/store"
)

type evmHarness struct {
	exec   *EVMExecutor
	node   *fakeNode
	signer *fakeSigner
	quoter *fakeQuoter
	store  *store.Memory
}

func newTestEVMExecutor(t *testing.T, mutate func(*Config, *EVMDeps)) *evmHarness {
	t.Helper()
	h := &evmHarness{
		node:   newFakeNode(),
		signer: &fakeSigner{},
		quoter: &fakeQuoter{buyUnits: ether("1000")},
		store:  store.NewMemory(),
	}
	cfg := testConfig()
	deps := EVMDeps{
		Node:   h.node,
		Quoter: h.quoter,
		Signer: h.signer,
		Prices: fakePrices{price: decimal.NewFromInt(500)},
		Store:  h.store,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.exec = NewEVMExecutor(chain.Defaults()[chain.BSC], cfg, deps)
	return h
}

func buyOrder() BuyOrder {
	return BuyOrder{
		UserID:    "u1",
		Token:     testToken,
		AmountUSD: decimal.NewFromInt(100),
		Slippage:  decimal.RequireFromString("0.02"),
		Origin:    store.OriginMirror,
	}
}

func sellOrder() SellOrder {
	return SellOrder{
		UserID: "u1",
		Token:  testToken,
		Amount: decimal.NewFromInt(1000),
		Origin: store.OriginManual,
	}
}

func (h *evmHarness) record(t *testing.T, id string) *store.TradeRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestEVMBuy_Confirmed(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	res := h.exec.Buy(context.Background(), buyOrder())

	require.True(t, res.Success, res.Error)
	assert.Equal(t, chain.BSC, res.Network)
	assert.Equal(t, "0xhash7", res.TxHash)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.Warnings)

	// 100 USD at 500 USD/BNB.
	require.Len(t, h.quoter.requests, 1)
	req := h.quoter.requests[0]
	assert.Equal(t, 0, req.SellAmount.Cmp(ether("0.2")))
	assert.Equal(t, chain.NativePlaceholder, req.SellToken)
	assert.Equal(t, testWallet, req.TakerAddress)
	assert.True(t, req.Slippage.Equal(decimal.RequireFromString("0.02")))

	assert.True(t, res.AmountIn.Equal(decimal.RequireFromString("0.2")))
	assert.True(t, res.AmountOut.Equal(decimal.NewFromInt(1000)))
	assert.True(t, res.Price.Equal(decimal.RequireFromString("0.1")))
	// 120,000 gas at 3 gwei.
	assert.True(t, res.FeeEstimate.Equal(decimal.RequireFromString("0.00036")), res.FeeEstimate.String())

	require.Len(t, h.signer.signed, 1)
	tx := h.signer.signed[0]
	assert.Equal(t, testRouter, tx.To)
	assert.Equal(t, int64(56), tx.ChainID)
	assert.Equal(t, uint64(7), tx.Nonce)
	assert.Equal(t, 0, tx.Value.Cmp(ether("0.2")), "native sell side attaches value")
	assert.Nil(t, h.node.allowanceArgs, "no allowance check for native sell side")

	rec := h.record(t, res.RecordID)
	assert.Equal(t, store.StatusConfirmed, rec.Status)
	assert.Equal(t, "0xhash7", rec.Hash())
	assert.Equal(t, store.TradeBuy, rec.TradeType)
	assert.Equal(t, store.OriginMirror, rec.Origin)
	assert.Equal(t, uint64(90_000), rec.GasUsed)
	assert.Equal(t, uint64(42), rec.BlockNumber)
	assert.Equal(t, gweiInt(3).String(), rec.GasPrice)
	assert.True(t, rec.AmountOut.Equal(decimal.NewFromInt(1000)))
	assert.NotNil(t, rec.ExecutedAt)
}

func TestEVMBuy_DryRunNeverBroadcasts(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	order := buyOrder()
	order.DryRun = true
	res := h.exec.Buy(context.Background(), order)

	require.True(t, res.Success, res.Error)
	assert.True(t, res.DryRun)
	assert.Equal(t, "0xraw7", res.SignedPayload)
	assert.Equal(t, "0xhash7", res.TxHash)
	assert.True(t, res.FeeEstimate.IsPositive())
	assert.Zero(t, h.node.sentCount())
	assert.Equal(t, store.StatusDryRun, h.record(t, res.RecordID).Status)
}

func TestEVMBuy_GlobalDryRun(t *testing.T) {
	h := newTestEVMExecutor(t, func(c *Config, _ *EVMDeps) { c.DryRun = true })
	res := h.exec.Buy(context.Background(), buyOrder())
	require.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.Zero(t, h.node.sentCount())
}

func TestEVMBuy_PriceFallbackIsDegraded(t *testing.T) {
	h := newTestEVMExecutor(t, func(_ *Config, d *EVMDeps) {
		d.Prices = fakePrices{err: errFake}
	})
	res := h.exec.Buy(context.Background(), buyOrder())

	require.True(t, res.Success, res.Error)
	assert.True(t, res.Degraded)
	// 100 USD at the 300 USD fallback.
	want := ToBaseUnits(decimal.NewFromInt(100).DivRound(decimal.NewFromInt(300), 18), 18)
	assert.Equal(t, 0, h.quoter.requests[0].SellAmount.Cmp(want))
}

func TestEVMBuy_InvalidRequestMakesNoCalls(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	for name, order := range map[string]BuyOrder{
		"bad token":    {UserID: "u1", Token: "nope", AmountUSD: decimal.NewFromInt(1)},
		"zero amount":  {UserID: "u1", Token: testToken},
		"no user":      {Token: testToken, AmountUSD: decimal.NewFromInt(1)},
		"bad slippage": {UserID: "u1", Token: testToken, AmountUSD: decimal.NewFromInt(1), Slippage: decimal.NewFromInt(2)},
		"native":       {UserID: "u1", Token: chain.NativePlaceholder, AmountUSD: decimal.NewFromInt(1)},
	} {
		res := h.exec.Buy(context.Background(), order)
		assert.False(t, res.Success, name)
		assert.Equal(t, CodeInvalidRequest, res.Code, name)
		assert.True(t, IsCallerBug(res.Code))
	}
	assert.Empty(t, h.quoter.requests)
	assert.Empty(t, h.signer.signed)
}

func TestEVMBuy_QuoteUnavailable(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	h.quoter.err = zerox.ErrQuoteUnavailable
	res := h.exec.Buy(context.Background(), buyOrder())

	assert.False(t, res.Success)
	assert.Equal(t, CodeQuoteUnavailable, res.Code)
	assert.False(t, IsCallerBug(res.Code))
	assert.Contains(t, res.Error, "quote unavailable")

	recs, err := h.store.QueryTradesByUser(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, recs, "nothing recorded before a signed transaction exists")
}

func TestEVMBuy_SigningFailed(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	h.signer.err = errFake
	res := h.exec.Buy(context.Background(), buyOrder())
	assert.Equal(t, CodeSigningFailed, res.Code)
	assert.True(t, IsCallerBug(res.Code))
	assert.Zero(t, h.node.sentCount())
}

func TestEVMBuy_BroadcastFailedMarksRecordFailed(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	h.node.sendErr = errFake
	res := h.exec.Buy(context.Background(), buyOrder())

	assert.Equal(t, CodeBroadcastFailed, res.Code)
	rec := h.record(t, res.RecordID)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "fake failure")
}

func TestEVMBuy_ConfirmationTimeoutLeavesPreparing(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	h.node.receipt = nil
	res := h.exec.Buy(context.Background(), buyOrder())

	assert.False(t, res.Success)
	assert.Equal(t, CodeConfirmationTimeout, res.Code)
	assert.Equal(t, "0xhash7", res.TxHash)
	rec := h.record(t, res.RecordID)
	assert.Equal(t, store.StatusPreparing, rec.Status)
	assert.Equal(t, "0xhash7", rec.Hash(), "hash stored for later reconciliation")
}

func TestEVMBuy_Reverted(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	h.node.receipt = func(hash string) *evm.Receipt {
		return &evm.Receipt{TxHash: hash, Status: 0, BlockNumber: 9, GasUsed: 50_000}
	}
	res := h.exec.Buy(context.Background(), buyOrder())

	assert.Equal(t, CodeReverted, res.Code)
	assert.Equal(t, uint64(50_000), res.GasUsed)
	assert.Equal(t, store.StatusFailed, h.record(t, res.RecordID).Status)
}

func TestEVMBuy_FeeFallbackIsWarningOnly(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	h.node.gasErr = errFake
	res := h.exec.Buy(context.Background(), buyOrder())

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []Code{CodeFeeEstimationFailed}, res.Warnings)
	require.NotNil(t, res.FeePlan)
	assert.True(t, res.FeePlan.Fallback)
	assert.Equal(t, uint64(300_000), h.signer.signed[0].Gas)
}

func TestEVMSell_ApprovesThenSwaps(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	res := h.exec.Sell(context.Background(), sellOrder())

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{testToken, testWallet, testSpender}, h.node.allowanceArgs)
	require.Len(t, h.signer.signed, 2)

	approve := h.signer.signed[0]
	assert.Equal(t, testToken, approve.To)
	assert.Equal(t, evm.EncodeApprove(testSpender, ether("2000")), approve.Data, "approves twice the amount")
	assert.Equal(t, "0xhash7", res.ApprovalTxHash)

	swap := h.signer.signed[1]
	assert.Equal(t, testRouter, swap.To)
	assert.Equal(t, 0, swap.Value.Sign())
	assert.Equal(t, 2, h.node.sentCount())

	// 1000 tokens for 1000 BNB-units quoted, priced at 500 USD.
	assert.True(t, res.AmountIn.Equal(decimal.NewFromInt(1000)))
	assert.True(t, res.AmountUSD.Equal(decimal.NewFromInt(500_000)))
	rec := h.record(t, res.RecordID)
	assert.Equal(t, store.TradeSell, rec.TradeType)
	assert.Equal(t, store.StatusConfirmed, rec.Status)
}

func TestEVMSell_SufficientAllowanceSkipsApproval(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	h.node.allowance = ether("5000")
	res := h.exec.Sell(context.Background(), sellOrder())

	require.True(t, res.Success, res.Error)
	assert.Empty(t, res.ApprovalTxHash)
	require.Len(t, h.signer.signed, 1)
	assert.Equal(t, testRouter, h.signer.signed[0].To)
}

func TestEVMSell_DryRunUsesNextNonceAfterApproval(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	order := sellOrder()
	order.DryRun = true
	res := h.exec.Sell(context.Background(), order)

	require.True(t, res.Success, res.Error)
	require.Len(t, h.signer.signed, 2)
	assert.Equal(t, uint64(7), h.signer.signed[0].Nonce)
	assert.Equal(t, uint64(8), h.signer.signed[1].Nonce)
	assert.Zero(t, h.node.sentCount())
}

func TestEVMSell_ApprovalRevertedIsUnresolved(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	h.node.receipt = func(hash string) *evm.Receipt {
		return &evm.Receipt{TxHash: hash, Status: 0}
	}
	res := h.exec.Sell(context.Background(), sellOrder())

	assert.Equal(t, CodeAllowanceUnresolved, res.Code)
	assert.Equal(t, "0xhash7", res.ApprovalTxHash)
	assert.Len(t, h.signer.signed, 1, "swap never signed")
}

func TestEVMSell_AmountTooSmall(t *testing.T) {
	h := newTestEVMExecutor(t, nil)
	h.node.decimals = 0
	order := sellOrder()
	order.Amount = decimal.RequireFromString("0.5")
	res := h.exec.Sell(context.Background(), order)
	assert.Equal(t, CodeInvalidRequest, res.Code)
}

func TestApprovalManager_Multiplier(t *testing.T) {
	node := newFakeNode()
	signer := &fakeSigner{}
	cfg := testConfig()
	cfg.ApprovalMultiplier = 3
	cc := chain.Defaults()[chain.BSC]
	am := NewApprovalManager(node, signer, NewFeeCalculator(node, cc, cfg), cc.ChainID, cfg)

	res, err := am.Ensure(context.Background(), ApprovalRequest{
		UserID: "u1", Owner: testWallet, Token: testToken, Spender: testSpender,
		Required: big.NewInt(100), Nonce: 3,
	})
	require.NoError(t, err)
	assert.True(t, res.Needed)
	assertWei(t, big.NewInt(300), res.Approved)
	assert.False(t, res.NonceUsed, "mined approval consumed the nonce on chain")
	assert.Equal(t, uint64(3), signer.signed[0].Nonce)
}

func TestCodes(t *testing.T) {
	assert.True(t, IsCallerBug(CodeSigningFailed))
	assert.True(t, IsCallerBug(CodeInvalidRequest))
	for _, c := range []Code{
		CodeQuoteUnavailable, CodeAllowanceUnresolved, CodeFeeEstimationFailed,
		CodeBroadcastFailed, CodeConfirmationTimeout, CodeReverted, CodeRecordFailed,
	} {
		assert.False(t, IsCallerBug(c), c)
	}

	err := Errorf(CodeReverted, "tx %s", "0x1")
	assert.Equal(t, CodeReverted, CodeOf(err))
	assert.Equal(t, Code(""), CodeOf(errFake))
	assert.Equal(t, "reverted: tx 0x1", err.Error())
}

func TestUnitConversion(t *testing.T) {
	assert.Equal(t, "1500000", ToBaseUnits(decimal.RequireFromString("1.5"), 6).String())
	assert.Equal(t, "1", ToBaseUnits(decimal.RequireFromString("1.9"), 0).String(), "truncates")
	assert.True(t, FromBaseUnits(big.NewInt(1_500_000), 6).Equal(decimal.RequireFromString("1.5")))
	assert.True(t, FromBaseUnits(nil, 6).IsZero())
}
