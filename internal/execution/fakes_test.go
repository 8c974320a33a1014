package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/adapters/jupiter"
	"github.com/nexus-trading/mirror/internal/adapters/zerox"
	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/evm"
	"github.com/nexus-trading/mirror/internal/solana"
)

const (
	testToken   = "0x1111111111111111111111111111111111111111"
	testWallet  = "0x2222222222222222222222222222222222222222"
	testRouter  = "0x3333333333333333333333333333333333333333"
	testSpender = "0x4444444444444444444444444444444444444444"
)

var errFake = errors.New("fake failure")

func gweiInt(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(gwei)) }

func ether(s string) *big.Int { return decimal.RequireFromString(s).Shift(18).BigInt() }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConfirmTimeout = 200 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.FallbackNativeUSD = decimal.NewFromInt(300)
	return cfg
}

// ---------------------------------------------------------------------------
// EVM
// ---------------------------------------------------------------------------

type fakeNode struct {
	mu sync.Mutex

	gasPrice    *big.Int
	gasPriceErr error
	baseFee     *big.Int
	baseFeeErr  error
	gas         uint64
	gasErr      error
	nonce       uint64
	nonceErr    error
	allowance   *big.Int
	decimals    int32
	sendErr     error
	// receipt builds the receipt for a hash; nil never mines.
	receipt func(hash string) *evm.Receipt

	sent          []string
	allowanceArgs []string
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		gasPrice:  gweiInt(3),
		baseFee:   gweiInt(10),
		gas:       100_000,
		nonce:     7,
		allowance: big.NewInt(0),
		decimals:  18,
		receipt: func(hash string) *evm.Receipt {
			return &evm.Receipt{TxHash: hash, Status: 1, BlockNumber: 42, GasUsed: 90_000, EffectiveGasPrice: gweiInt(3)}
		},
	}
}

func (n *fakeNode) GasPrice(context.Context) (*big.Int, error) { return n.gasPrice, n.gasPriceErr }
func (n *fakeNode) BaseFee(context.Context) (*big.Int, error)  { return n.baseFee, n.baseFeeErr }

func (n *fakeNode) EstimateGas(context.Context, evm.Transaction) (uint64, error) {
	return n.gas, n.gasErr
}

func (n *fakeNode) PendingNonce(context.Context, string) (uint64, error) { return n.nonce, n.nonceErr }

func (n *fakeNode) Decimals(context.Context, string) (int32, error) { return n.decimals, nil }

func (n *fakeNode) Allowance(_ context.Context, token, owner, spender string) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.allowanceArgs = []string{token, owner, spender}
	return n.allowance, nil
}

func (n *fakeNode) SendRawTransaction(_ context.Context, raw string) (string, error) {
	if n.sendErr != nil {
		return "", n.sendErr
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, raw)
	return strings.Replace(raw, "raw", "hash", 1), nil
}

func (n *fakeNode) TransactionReceipt(_ context.Context, hash string) (*evm.Receipt, error) {
	if n.receipt == nil {
		return nil, nil
	}
	return n.receipt(hash), nil
}

func (n *fakeNode) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fakeSigner struct {
	mu     sync.Mutex
	err    error
	signed []evm.Transaction
}

func (s *fakeSigner) Address(_ context.Context, userID string) (string, error) {
	if userID == "nobody" {
		return "", errors.New("no account")
	}
	return testWallet, nil
}

func (s *fakeSigner) SignTransaction(_ context.Context, _ string, tx evm.Transaction) (evm.SignedTransaction, error) {
	if s.err != nil {
		return evm.SignedTransaction{}, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signed = append(s.signed, tx)
	return evm.SignedTransaction{
		Raw:  fmt.Sprintf("0xraw%d", tx.Nonce),
		Hash: fmt.Sprintf("0xhash%d", tx.Nonce),
	}, nil
}

type fakeQuoter struct {
	mu       sync.Mutex
	err      error
	buyUnits *big.Int
	requests []zerox.QuoteRequest
}

func (q *fakeQuoter) GetQuote(_ context.Context, req zerox.QuoteRequest) (*zerox.Quote, error) {
	q.mu.Lock()
	q.requests = append(q.requests, req)
	q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	quote := &zerox.Quote{
		SellToken:       req.SellToken,
		BuyToken:        req.BuyToken,
		SellAmount:      req.SellAmount,
		BuyAmount:       q.buyUnits,
		To:              testRouter,
		Data:            "0xswap",
		Value:           big.NewInt(0),
		AllowanceTarget: testSpender,
		EstimatedGas:    150_000,
	}
	if strings.EqualFold(req.SellToken, chain.NativePlaceholder) {
		quote.Value = req.SellAmount
	}
	return quote, nil
}

type fakePrices struct {
	price decimal.Decimal
	err   error
}

func (p fakePrices) NativePriceUSD(context.Context, chain.Network) (decimal.Decimal, error) {
	return p.price, p.err
}

// ---------------------------------------------------------------------------
// Solana
// ---------------------------------------------------------------------------

type fakeSolanaNode struct {
	mu       sync.Mutex
	sendErr  error
	status   solana.TxStatus
	decimals int32
	sent     []string
}

func (n *fakeSolanaNode) SendTransaction(_ context.Context, tx string) (solana.Signature, error) {
	if n.sendErr != nil {
		return "", n.sendErr
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, tx)
	return "sig-" + solana.Signature(tx), nil
}

func (n *fakeSolanaNode) SignatureStatus(context.Context, solana.Signature) (solana.TxStatus, error) {
	return n.status, nil
}

func (n *fakeSolanaNode) TokenDecimals(context.Context, solana.Pubkey) (int32, error) {
	return n.decimals, nil
}

type fakeJupiter struct {
	mu        sync.Mutex
	quoteErr  error
	priceErr  error
	outAmount string
	requests  []jupiter.QuoteRequest
	fees      []uint64
}

func (j *fakeJupiter) GetQuote(_ context.Context, req jupiter.QuoteRequest) (*jupiter.QuoteResponse, error) {
	j.mu.Lock()
	j.requests = append(j.requests, req)
	j.mu.Unlock()
	if j.quoteErr != nil {
		return nil, j.quoteErr
	}
	return &jupiter.QuoteResponse{
		InputMint:   req.InputMint,
		OutputMint:  req.OutputMint,
		InAmount:    fmt.Sprint(req.Amount),
		OutAmount:   j.outAmount,
		SlippageBps: req.SlippageBps,
	}, nil
}

func (j *fakeJupiter) BuildSwapTx(_ context.Context, _ *jupiter.QuoteResponse, _ string, fee uint64) (*jupiter.SwapResponse, error) {
	j.mu.Lock()
	j.fees = append(j.fees, fee)
	j.mu.Unlock()
	return &jupiter.SwapResponse{SwapTransaction: "unsigned"}, nil
}

func (j *fakeJupiter) GetPrice(context.Context, string) (decimal.Decimal, error) {
	if j.priceErr != nil {
		return decimal.Zero, j.priceErr
	}
	return decimal.NewFromInt(100), nil
}

type fakeSolanaSigner struct{}

func (fakeSolanaSigner) Address(context.Context, string) (solana.Pubkey, error) {
	return "Wa11et1111111111111111111111111111111111111", nil
}

func (fakeSolanaSigner) SignTransaction(_ context.Context, _ string, tx string) (string, solana.Signature, error) {
	return "signed-" + tx, "localsig", nil
}

type fixedFees map[solana.CongestionLevel]uint64

func (f fixedFees) EstimateFee(c solana.CongestionLevel) uint64 { return f[c] }
