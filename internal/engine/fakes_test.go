package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/copytrade"
	"github.com/nexus-trading/mirror/internal/execution"
	"github.com/nexus-trading/mirror/internal/notify"
	"github.com/nexus-trading/mirror/internal/risk"
)

const (
	tokenA  = "0xa1111111111111111111111111111111111111aa"
	tokenB  = "0xb2222222222222222222222222222222222222bb"
	tokenC  = "0xc3333333333333333333333333333333333333cc"
	tokenD  = "0xd4444444444444444444444444444444444444dd"
	wallet1 = "0xAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaa"
)

// fakeExecutor fills buys at tokensPerUSD and sells at usdPerToken.
type fakeExecutor struct {
	network chain.Network

	mu           sync.Mutex
	buys         []execution.BuyOrder
	sells        []execution.SellOrder
	failTokens   map[string]bool
	panicTokens  map[string]bool
	tokensPerUSD decimal.Decimal
	usdPerToken  decimal.Decimal
}

func newFakeExecutor(network chain.Network) *fakeExecutor {
	return &fakeExecutor{
		network:      network,
		failTokens:   map[string]bool{},
		panicTokens:  map[string]bool{},
		tokensPerUSD: decimal.NewFromInt(10),
		usdPerToken:  decimal.RequireFromString("0.15"),
	}
}

func (f *fakeExecutor) Network() chain.Network { return f.network }

func (f *fakeExecutor) Buy(_ context.Context, o execution.BuyOrder) execution.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buys = append(f.buys, o)
	if f.panicTokens[o.Token] {
		panic("executor exploded")
	}
	if f.failTokens[o.Token] {
		return execution.ExecutionResult{Network: f.network, Code: execution.CodeBroadcastFailed, Error: "broadcast_failed: node down"}
	}
	return execution.ExecutionResult{
		Success:   true,
		Network:   f.network,
		TxHash:    "0xbuy",
		DryRun:    o.DryRun,
		AmountUSD: o.AmountUSD,
		AmountOut: o.AmountUSD.Mul(f.tokensPerUSD),
		Latency:   time.Millisecond,
	}
}

func (f *fakeExecutor) Sell(_ context.Context, o execution.SellOrder) execution.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sells = append(f.sells, o)
	if f.panicTokens[o.Token] {
		panic("executor exploded")
	}
	if f.failTokens[o.Token] {
		return execution.ExecutionResult{Network: f.network, Code: execution.CodeReverted, Error: "reverted"}
	}
	return execution.ExecutionResult{
		Success:   true,
		Network:   f.network,
		TxHash:    "0xsell",
		DryRun:    o.DryRun,
		AmountIn:  o.Amount,
		AmountUSD: o.Amount.Mul(f.usdPerToken),
	}
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buys) + len(f.sells)
}

// fakeAssessor scores tokens through the real band policy.
type fakeAssessor struct {
	mu        sync.Mutex
	scores    map[string]float64
	liquidity decimal.Decimal
	safeModes []bool
}

func newFakeAssessor() *fakeAssessor {
	return &fakeAssessor{scores: map[string]float64{}, liquidity: decimal.NewFromInt(1_000_000)}
}

func (f *fakeAssessor) Assess(_ context.Context, network chain.Network, token string, safeMode bool) risk.Assessment {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.safeModes = append(f.safeModes, safeMode)
	score := f.scores[token]
	level, safe, maxUSD := risk.Policy(score, safeMode)
	return risk.Assessment{
		Token:        token,
		Network:      network,
		Level:        level,
		Score:        score,
		SafeToTrade:  safe,
		MaxTradeUSD:  maxUSD,
		LiquidityUSD: f.liquidity,
	}
}

type alert struct {
	kind    notify.Kind
	payload map[string]any
	user    string
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert
}

func (n *recordingNotifier) SendAlert(_ context.Context, kind notify.Kind, payload map[string]any, userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert{kind, payload, userID})
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, 0, len(n.alerts))
	for _, a := range n.alerts {
		out = append(out, a.kind)
	}
	return out
}

type harness struct {
	engine   *Engine
	eth      *fakeExecutor
	sol      *fakeExecutor
	risk     *fakeAssessor
	notifier *recordingNotifier
	wallets  *copytrade.Tracker
}

func newTestEngine(t *testing.T, mutate func(*TradingConfig)) *harness {
	t.Helper()
	cfg := DefaultTradingConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		eth:      newFakeExecutor(chain.Ethereum),
		sol:      newFakeExecutor(chain.Solana),
		risk:     newFakeAssessor(),
		notifier: &recordingNotifier{},
		wallets:  copytrade.NewTracker(copytrade.DefaultConfig()),
	}
	h.engine = New(NewConfigStore(cfg), Deps{
		Executors: []execution.Executor{h.eth, h.sol},
		Risk:      h.risk,
		Notifier:  h.notifier,
		Chains:    chain.Defaults(),
		Wallets:   h.wallets,
	})
	return h
}

func buySignal(token string) TradeSignal {
	return TradeSignal{
		SourceWallet: wallet1,
		Token:        token,
		Action:       "buy",
		Amount:       decimal.NewFromInt(1000),
		Network:      chain.Ethereum,
		Timestamp:    time.Now(),
		Confidence:   0.8,
	}
}

func sellSignal(token string) TradeSignal {
	s := buySignal(token)
	s.Action = "sell"
	return s
}

func enableMirror(c *TradingConfig) {
	c.MirrorBuyEnabled = true
	c.MirrorSellEnabled = true
}

// upper returns a checksum-style variant of an EVM address.
func upper(addr string) string { return "0x" + strings.ToUpper(addr[2:]) }
