package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/audit"
	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/config"
	"github.com/nexus-trading/mirror/internal/copytrade"
	"github.com/nexus-trading/mirror/internal/execution"
	"github.com/nexus-trading/mirror/internal/lock"
	"github.com/nexus-trading/mirror/internal/metrics"
	"github.com/nexus-trading/mirror/internal/notify"
	"github.com/nexus-trading/mirror/internal/risk"
	"github.com/nexus-trading/mirror/internal/store"
)

// Operation names, used for metrics and logs.
const (
	opProcessSignal = "process_signal"
	opManualBuy     = "manual_buy"
	opManualSell    = "manual_sell"
	opForceBuy      = "force_buy"
	opPanicSell     = "panic_sell"
	opUpdateConfig  = "update_config"
)

// RiskAssessor scores a token before it is bought.
type RiskAssessor interface {
	Assess(ctx context.Context, network chain.Network, token string, safeMode bool) risk.Assessment
}

// Deps are the engine's collaborators. Wallets and Trail are optional.
type Deps struct {
	Executors []execution.Executor
	Risk      RiskAssessor
	Locker    lock.Locker
	Notifier  notify.Notifier
	Chains    map[chain.Network]chain.Config
	Wallets   *copytrade.Tracker
	Trail     *audit.Trail
}

// Engine routes trade signals and user requests through the risk gate to
// the per-network executors and keeps positions and statistics.
type Engine struct {
	config    *ConfigStore
	executors map[chain.Network]execution.Executor
	risk      RiskAssessor
	locker    lock.Locker
	notifier  notify.Notifier
	chains    map[chain.Network]chain.Config
	wallets   *copytrade.Tracker
	trail     *audit.Trail

	ledger *Ledger
	stats  statsBook
	now    func() time.Time
}

// New creates an engine. A nil Locker uses an in-process keyed mutex and a
// nil Notifier logs alerts.
func New(cfg *ConfigStore, deps Deps) *Engine {
	e := &Engine{
		config:    cfg,
		executors: make(map[chain.Network]execution.Executor, len(deps.Executors)),
		risk:      deps.Risk,
		locker:    deps.Locker,
		notifier:  deps.Notifier,
		chains:    deps.Chains,
		wallets:   deps.Wallets,
		trail:     deps.Trail,
		ledger:    NewLedger(),
		now:       time.Now,
	}
	for _, x := range deps.Executors {
		e.executors[x.Network()] = x
	}
	if e.locker == nil {
		e.locker = lock.NewKeyedMutex()
	}
	if e.notifier == nil {
		e.notifier = notify.Log{}
	}
	return e
}

// Config returns the configuration store.
func (e *Engine) Config() *ConfigStore { return e.config }

// Ledger exposes the position ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// RestorePositions rebuilds the ledger from the store's confirmed history.
func (e *Engine) RestorePositions(ctx context.Context, st store.Store) (int, error) {
	history, err := st.ConfirmedHistory(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("engine: restore positions: %w", err)
	}
	n := e.ledger.Restore(history)
	metrics.SetOpenPositions(n)
	log.Info().Int("records", len(history)).Int("positions", n).Msg("engine: positions restored")
	return n, nil
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// ProcessSignal handles one mirror signal on behalf of userID.
func (e *Engine) ProcessSignal(ctx context.Context, sig TradeSignal, userID string) (res Result) {
	traceID := audit.NewTraceID()
	defer e.guard(opProcessSignal, traceID, &res)

	cfg, _ := e.config.Snapshot()
	scope := audit.Scope{UserID: userID, Network: string(sig.Network), Token: sig.Token}
	e.trail.Record(traceID, audit.EventSignal, scope, sig.Action, sig)

	if cfg.Blacklisted(sig.SourceWallet, sig.Token) {
		log.Info().
			Str("wallet", sig.SourceWallet).
			Str("token", sig.Token).
			Str("user", userID).
			Msg("engine: signal rejected, blacklisted")
		return reject(ActionBlocked, ReasonBlacklisted, nil)
	}
	if userID == "" {
		return reject(ActionSkipped, ReasonInvalidRequest, fmt.Errorf("user id is required"))
	}
	if err := sig.Validate(); err != nil {
		return reject(ActionSkipped, ReasonInvalidRequest, err)
	}

	if e.wallets != nil {
		e.wallets.RecordSignal(copytrade.SignalEvent{
			Wallet:     sig.SourceWallet,
			Network:    string(sig.Network),
			Token:      sig.Token,
			Action:     sig.Action,
			Confidence: sig.Confidence,
			Timestamp:  sig.Timestamp,
		})
	}

	if sig.Confidence < cfg.MinSignalConfidence && !cfg.IsTrusted(sig.SourceWallet) {
		return Result{
			Action: ActionSkipped,
			Reason: ReasonLowConfidence,
			Error:  fmt.Sprintf("confidence %.2f below %.2f", sig.Confidence, cfg.MinSignalConfidence),
		}
	}

	switch sig.normalizedAction() {
	case SignalBuy:
		return e.mirrorBuy(ctx, traceID, cfg, sig, userID)
	case SignalSell:
		return e.mirrorSell(ctx, traceID, cfg, sig, userID)
	default:
		return reject(ActionSkipped, ReasonUnknownAction, fmt.Errorf("unknown action %q", sig.Action))
	}
}

func (e *Engine) mirrorBuy(ctx context.Context, traceID string, cfg TradingConfig, sig TradeSignal, userID string) Result {
	if !cfg.MirrorBuyEnabled {
		e.notifier.SendAlert(ctx, notify.KindBuySignal, map[string]any{
			"source_wallet": sig.SourceWallet,
			"network":       string(sig.Network),
			"token":         sig.Token,
			"amount":        sig.Amount.String(),
			"price":         sig.Price.String(),
			"tx_ref":        sig.TxRef,
			"confidence":    sig.Confidence,
		}, userID)
		return ok(ActionAlertSent, sig)
	}

	exec, found := e.executors[sig.Network]
	if !found {
		return reject(ActionSkipped, ReasonUnsupportedNetwork, fmt.Errorf("no executor for %q", sig.Network))
	}

	unlock, err := e.lock(ctx, userID, sig.Network, sig.Token)
	if err != nil {
		return reject(ActionSkipped, ReasonInternalError, err)
	}
	defer unlock()

	if _, open := e.ledger.Get(userID, sig.Network, sig.Token); open {
		return reject(ActionSkipped, ReasonPositionExists, nil)
	}

	scope := audit.Scope{UserID: userID, Network: string(sig.Network), Token: sig.Token}
	a := e.assess(ctx, traceID, scope, cfg.SafeMode)
	if !a.SafeToTrade {
		reason := ReasonBlockedByRisk
		if cfg.SafeMode && a.Level == risk.LevelHigh {
			reason = ReasonBlockedBySafeMode
		}
		return e.blocked(ctx, userID, reason, a)
	}
	if cfg.MinLiquidityUSD.IsPositive() && a.LiquidityUSD.LessThan(cfg.MinLiquidityUSD) {
		return e.blocked(ctx, userID, ReasonInsufficientLiquidity, a)
	}

	size := decimal.Min(cfg.MaxAutoBuyUSD, a.MaxTradeUSD, cfg.MaxPositionSizeUSD)
	if !size.IsPositive() {
		return e.blocked(ctx, userID, ReasonBlockedByRisk, a)
	}

	r := e.buy(ctx, traceID, exec, execution.BuyOrder{
		UserID:       userID,
		Token:        sig.Token,
		AmountUSD:    size,
		Slippage:     cfg.MaxSlippage,
		Origin:       store.OriginMirror,
		SourceWallet: sig.SourceWallet,
	})
	data := TradeData{Execution: r, SizeUSD: size, RiskLevel: a.Level.String(), ExplorerURL: e.explorerURL(r)}
	if !r.DryRun {
		e.stats.settle(r.Success, decimal.Zero, e.now())
	}
	if !r.Success {
		return e.failed(ctx, userID, sig.Token, data)
	}

	if !r.DryRun {
		pos := e.ledger.ApplyBuy(userID, sig.Network, sig.Token, r.AmountOut, costOf(r, size), sig.SourceWallet, true, e.now())
		data.Position = &pos
		metrics.SetOpenPositions(e.ledger.Len())
		if e.wallets != nil {
			e.wallets.RecordMirror(sig.SourceWallet)
		}
	}
	e.executed(ctx, userID, "buy", sig.Token, data)
	return ok(ActionBought, data)
}

func (e *Engine) mirrorSell(ctx context.Context, traceID string, cfg TradingConfig, sig TradeSignal, userID string) Result {
	if !cfg.MirrorSellEnabled {
		return reject(ActionSkipped, ReasonDisabled, nil)
	}
	exec, found := e.executors[sig.Network]
	if !found {
		return reject(ActionSkipped, ReasonUnsupportedNetwork, fmt.Errorf("no executor for %q", sig.Network))
	}

	unlock, err := e.lock(ctx, userID, sig.Network, sig.Token)
	if err != nil {
		return reject(ActionSkipped, ReasonInternalError, err)
	}
	defer unlock()

	pos, open := e.ledger.Get(userID, sig.Network, sig.Token)
	if !open || !pos.Amount.IsPositive() {
		return reject(ActionSkipped, ReasonNoPosition, nil)
	}

	r := e.sell(ctx, traceID, exec, execution.SellOrder{
		UserID:       userID,
		Token:        sig.Token,
		Amount:       pos.Amount,
		Slippage:     cfg.MaxSlippage,
		Origin:       store.OriginMirror,
		SourceWallet: sig.SourceWallet,
	})
	data := TradeData{Execution: r, ExplorerURL: e.explorerURL(r)}
	if !r.Success {
		if !r.DryRun {
			e.stats.settle(false, decimal.Zero, e.now())
		}
		return e.failed(ctx, userID, sig.Token, data)
	}
	if !r.DryRun {
		e.closePosition(pos, pos.Amount, r, &data, true)
	}
	e.executed(ctx, userID, "sell", sig.Token, data)
	return ok(ActionSold, data)
}

// closePosition books a successful sell of amount against pos. Mirror
// trades also settle into the aggregate stats, and a fully closed mirror
// position credits its source wallet.
func (e *Engine) closePosition(pos Position, amount decimal.Decimal, r execution.ExecutionResult, data *TradeData, mirrorTrade bool) {
	pnl, remaining := e.ledger.ApplySell(pos.UserID, pos.Network, pos.Token, amount, r.AmountUSD, e.now())
	data.RealizedPnL = &pnl
	data.Position = remaining
	metrics.SetOpenPositions(e.ledger.Len())
	if mirrorTrade {
		e.stats.settle(true, pnl, e.now())
	}
	if pos.Mirror && remaining == nil && e.wallets != nil {
		e.wallets.RecordOutcome(pos.SourceWallet, pnl)
	}
}

// ---------------------------------------------------------------------------
// Manual trading
// ---------------------------------------------------------------------------

// ExecuteManualBuy runs a user-initiated buy through the risk gate.
func (e *Engine) ExecuteManualBuy(ctx context.Context, req BuyRequest) (res Result) {
	traceID := audit.NewTraceID()
	defer e.guard(opManualBuy, traceID, &res)
	return e.manualBuy(ctx, traceID, req, false)
}

// ForceBuy is ExecuteManualBuy with safe mode disabled for this call only.
// The shared configuration is not touched, so concurrent trades keep
// seeing the configured safe mode.
func (e *Engine) ForceBuy(ctx context.Context, req BuyRequest) (res Result) {
	traceID := audit.NewTraceID()
	defer e.guard(opForceBuy, traceID, &res)

	log.Warn().
		Str("user", req.UserID).
		Str("network", string(req.Network)).
		Str("token", req.Token).
		Msg("engine: force buy, safe mode overridden for this call")
	return e.manualBuy(ctx, traceID, req, true)
}

func (e *Engine) manualBuy(ctx context.Context, traceID string, req BuyRequest, overrideSafeMode bool) Result {
	if err := req.Validate(); err != nil {
		return reject(ActionSkipped, ReasonInvalidRequest, err)
	}
	cfg, _ := e.config.Snapshot()
	safeMode := cfg.SafeMode && !overrideSafeMode

	scope := audit.Scope{UserID: req.UserID, Network: string(req.Network), Token: req.Token}
	e.trail.Record(traceID, audit.EventSignal, scope, "manual_buy", map[string]any{
		"request":            req,
		"safe_mode":          safeMode,
		"safe_mode_override": overrideSafeMode,
	})

	// Force only lifts safe mode; a blacklisted token is never bought.
	if cfg.Blacklisted(req.Token) {
		log.Info().
			Str("token", req.Token).
			Str("user", req.UserID).
			Msg("engine: manual buy rejected, blacklisted")
		return reject(ActionBlocked, ReasonBlacklisted, nil)
	}

	exec, found := e.executors[req.Network]
	if !found {
		return reject(ActionSkipped, ReasonUnsupportedNetwork, fmt.Errorf("no executor for %q", req.Network))
	}

	unlock, err := e.lock(ctx, req.UserID, req.Network, req.Token)
	if err != nil {
		return reject(ActionSkipped, ReasonInternalError, err)
	}
	defer unlock()

	a := e.assess(ctx, traceID, scope, safeMode)
	if !a.SafeToTrade {
		reason := ReasonBlockedByRisk
		if safeMode {
			reason = ReasonBlockedBySafeMode
		}
		return e.blocked(ctx, req.UserID, reason, a)
	}

	size := decimal.Min(req.AmountUSD, a.MaxTradeUSD, cfg.MaxPositionSizeUSD)
	if !size.IsPositive() {
		return e.blocked(ctx, req.UserID, ReasonBlockedByRisk, a)
	}

	r := e.buy(ctx, traceID, exec, execution.BuyOrder{
		UserID:    req.UserID,
		Token:     req.Token,
		AmountUSD: size,
		Slippage:  slippageOr(req.Slippage, cfg.MaxSlippage),
		Origin:    store.OriginManual,
		DryRun:    req.DryRun,
	})
	data := TradeData{Execution: r, SizeUSD: size, RiskLevel: a.Level.String(), ExplorerURL: e.explorerURL(r)}
	if !r.Success {
		return e.failed(ctx, req.UserID, req.Token, data)
	}
	if !r.DryRun {
		pos := e.ledger.ApplyBuy(req.UserID, req.Network, req.Token, r.AmountOut, costOf(r, size), "", false, e.now())
		data.Position = &pos
		metrics.SetOpenPositions(e.ledger.Len())
	}
	e.executed(ctx, req.UserID, "buy", req.Token, data)
	return ok(ActionBought, data)
}

// ExecuteManualSell runs a user-initiated sell. Sells are assessed too, and
// safe mode blocks them when the token is unsafe. Blacklisted tokens can
// still be sold so a holding can be exited.
func (e *Engine) ExecuteManualSell(ctx context.Context, req SellRequest) (res Result) {
	traceID := audit.NewTraceID()
	defer e.guard(opManualSell, traceID, &res)

	if err := req.Validate(); err != nil {
		return reject(ActionSkipped, ReasonInvalidRequest, err)
	}
	cfg, _ := e.config.Snapshot()
	scope := audit.Scope{UserID: req.UserID, Network: string(req.Network), Token: req.Token}
	e.trail.Record(traceID, audit.EventSignal, scope, "manual_sell", req)

	exec, found := e.executors[req.Network]
	if !found {
		return reject(ActionSkipped, ReasonUnsupportedNetwork, fmt.Errorf("no executor for %q", req.Network))
	}

	unlock, err := e.lock(ctx, req.UserID, req.Network, req.Token)
	if err != nil {
		return reject(ActionSkipped, ReasonInternalError, err)
	}
	defer unlock()

	pos, open := e.ledger.Get(req.UserID, req.Network, req.Token)
	var amount decimal.Decimal
	switch {
	case req.Amount != nil:
		amount = *req.Amount
	case open && pos.Amount.IsPositive():
		amount = pos.Amount
	default:
		return reject(ActionSkipped, ReasonNoPosition, nil)
	}

	a := e.assess(ctx, traceID, scope, cfg.SafeMode)
	if !a.SafeToTrade && cfg.SafeMode {
		return e.blocked(ctx, req.UserID, ReasonBlockedBySafeMode, a)
	}

	r := e.sell(ctx, traceID, exec, execution.SellOrder{
		UserID:   req.UserID,
		Token:    req.Token,
		Amount:   amount,
		Slippage: slippageOr(req.Slippage, cfg.MaxSlippage),
		Origin:   store.OriginManual,
		DryRun:   req.DryRun,
	})
	data := TradeData{Execution: r, RiskLevel: a.Level.String(), ExplorerURL: e.explorerURL(r)}
	if !r.Success {
		return e.failed(ctx, req.UserID, req.Token, data)
	}
	if !r.DryRun && open {
		e.closePosition(pos, amount, r, &data, false)
	}
	e.executed(ctx, req.UserID, "sell", req.Token, data)
	return ok(ActionSold, data)
}

// ---------------------------------------------------------------------------
// Panic sell
// ---------------------------------------------------------------------------

// ExecutePanicSell liquidates every open position of userID, optionally only
// on one network. Positions are sold concurrently with widened slippage,
// each under its own context; one failure never stops the others.
func (e *Engine) ExecutePanicSell(ctx context.Context, userID string, network chain.Network) (res Result) {
	traceID := audit.NewTraceID()
	defer e.guard(opPanicSell, traceID, &res)

	if userID == "" {
		return reject(ActionPanicSell, ReasonInvalidRequest, fmt.Errorf("user id is required"))
	}
	cfg, _ := e.config.Snapshot()
	slippage := cfg.PanicSlippage()
	positions := e.ledger.Positions(userID, network)

	e.trail.Record(traceID, audit.EventSignal, audit.Scope{UserID: userID, Network: string(network)}, "panic_sell",
		map[string]any{"positions": len(positions), "slippage": slippage.String()})
	log.Warn().
		Str("user", userID).
		Str("network", string(network)).
		Int("positions", len(positions)).
		Str("slippage", slippage.String()).
		Msg("engine: panic sell started")

	report := PanicReport{Attempted: len(positions), Results: make([]PositionResult, len(positions))}
	var wg sync.WaitGroup
	for i, p := range positions {
		wg.Add(1)
		go func(i int, p Position) {
			defer wg.Done()
			pctx, cancel := context.WithCancel(ctx)
			defer cancel()
			report.Results[i] = e.liquidate(pctx, traceID, p, slippage)
		}(i, p)
	}
	wg.Wait()

	for _, r := range report.Results {
		if r.Success {
			report.Liquidated++
		}
	}

	e.notifier.SendAlert(ctx, notify.KindPanicSell, map[string]any{
		"attempted":  report.Attempted,
		"liquidated": report.Liquidated,
		"network":    string(network),
	}, userID)

	res = Result{Success: report.Liquidated == report.Attempted, Action: ActionPanicSell, Data: report}
	if !res.Success {
		res.Reason = ReasonExecutionFailed
		res.Error = fmt.Sprintf("%d of %d positions not liquidated", report.Attempted-report.Liquidated, report.Attempted)
	}
	return res
}

func (e *Engine) liquidate(ctx context.Context, traceID string, p Position, slippage decimal.Decimal) (out PositionResult) {
	out = PositionResult{Network: p.Network, Token: p.Token}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("token", p.Token).
				Bytes("stack", debug.Stack()).
				Msg("engine: liquidation panicked")
			out.Success = false
			out.Reason = ReasonInternalError
			out.Error = fmt.Sprint(r)
		}
	}()

	exec, found := e.executors[p.Network]
	if !found {
		out.Reason = ReasonUnsupportedNetwork
		return out
	}
	unlock, err := e.lock(ctx, p.UserID, p.Network, p.Token)
	if err != nil {
		out.Reason, out.Error = ReasonInternalError, err.Error()
		return out
	}
	defer unlock()

	// The position may have moved while waiting for the lock.
	cur, open := e.ledger.Get(p.UserID, p.Network, p.Token)
	if !open || !cur.Amount.IsPositive() {
		out.Reason = ReasonNoPosition
		return out
	}

	r := e.sell(ctx, traceID, exec, execution.SellOrder{
		UserID:       cur.UserID,
		Token:        cur.Token,
		Amount:       cur.Amount,
		Slippage:     slippage,
		Origin:       store.OriginPanic,
		SourceWallet: cur.SourceWallet,
		Urgent:       true,
	})
	out.TxHash = r.TxHash
	if !r.Success {
		out.Reason, out.Error = ReasonExecutionFailed, r.Error
		return out
	}
	if !r.DryRun {
		var data TradeData
		e.closePosition(cur, cur.Amount, r, &data, false)
	}
	out.Success = true
	return out
}

// ---------------------------------------------------------------------------
// Configuration and reporting
// ---------------------------------------------------------------------------

// ConfigView is the Data of configuration results.
type ConfigView struct {
	Version uint64        `json:"version"`
	Config  TradingConfig `json:"config"`
}

// CurrentConfig returns the live configuration.
func (e *Engine) CurrentConfig() ConfigView {
	cfg, v := e.config.Snapshot()
	return ConfigView{Version: v, Config: cfg}
}

// UpdateConfig applies an administrative update from userID. Only
// whitelisted keys are accepted; a rejected update changes nothing.
func (e *Engine) UpdateConfig(ctx context.Context, userID string, raw map[string]any) (res Result) {
	traceID := audit.NewTraceID()
	defer e.guard(opUpdateConfig, traceID, &res)

	u, err := ParseConfigUpdate(raw)
	if err != nil {
		return reject(ActionSkipped, ReasonInvalidRequest, err)
	}
	cfg, version := e.config.Update(u)
	e.trail.Record(traceID, audit.EventConfig, audit.Scope{UserID: userID}, "updated", raw)
	log.Info().
		Str("user", userID).
		Strs("keys", u.Keys()).
		Uint64("version", version).
		Bool("safe_mode", cfg.SafeMode).
		Msg("engine: config updated")
	return ok(ActionConfigUpdated, ConfigView{Version: version, Config: cfg})
}

// ApplyFileConfig re-applies the hot-reloadable part of the trading section
// of a reloaded configuration file through the same validation as
// UpdateConfig.
func (e *Engine) ApplyFileConfig(ctx context.Context, c config.TradingConfig) Result {
	return e.UpdateConfig(ctx, "config_file", map[string]any{
		"safe_mode":             c.SafeMode,
		"mirror_buy_enabled":    c.MirrorBuyEnabled,
		"mirror_sell_enabled":   c.MirrorSellEnabled,
		"max_auto_buy_usd":      c.MaxAutoBuyUSD,
		"max_position_size_usd": c.MaxPositionSizeUSD,
		"max_slippage":          c.MaxSlippage,
		"min_liquidity_usd":     c.MinLiquidityUSD,
		"min_signal_confidence": c.MinSignalConfidence,
		"blacklist":             append([]string{}, c.Blacklist...),
		"trusted":               append([]string{}, c.Trusted...),
	})
}

// GetPortfolioSummary lists userID's open positions.
func (e *Engine) GetPortfolioSummary(_ context.Context, userID string) (res Result) {
	defer e.guard("portfolio_summary", "", &res)

	if userID == "" {
		return reject("", ReasonInvalidRequest, fmt.Errorf("user id is required"))
	}
	positions := e.ledger.Positions(userID, "")
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.EntryCostUSD)
	}
	return ok("", PortfolioSummary{
		UserID:         userID,
		PositionCount:  len(positions),
		TotalCostUSD:   total,
		RealizedPnLUSD: e.ledger.Realized(userID),
		Positions:      positions,
	})
}

// GetTradingStats returns the aggregate mirror-trading statistics.
func (e *Engine) GetTradingStats() Result {
	return ok("", e.Stats())
}

// Stats returns the aggregate mirror-trading statistics.
func (e *Engine) Stats() Stats {
	s := e.stats.snapshot()
	s.OpenPositions = e.ledger.Len()
	return s
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// guard converts a panic into an internal_error result and records the
// outcome. It must be deferred directly by each public operation.
func (e *Engine) guard(op, traceID string, res *Result) {
	if r := recover(); r != nil {
		log.Error().
			Str("op", op).
			Str("trace_id", traceID).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("engine: operation panicked")
		*res = Result{Reason: ReasonInternalError, Error: fmt.Sprint(r)}
	}
	res.TraceID = traceID
	metrics.RecordDecision(op, string(res.Action), string(res.Reason))
	if !res.Success && res.Reason != "" {
		log.Debug().
			Str("op", op).
			Str("trace_id", traceID).
			Str("reason", string(res.Reason)).
			Str("error", res.Error).
			Msg("engine: operation rejected")
	}
}

func (e *Engine) lock(ctx context.Context, userID string, network chain.Network, token string) (func(), error) {
	unlock, err := e.locker.Lock(ctx, positionKey(userID, network, token))
	if err != nil {
		return nil, fmt.Errorf("engine: lock %s/%s: %w", network, token, err)
	}
	return unlock, nil
}

func (e *Engine) assess(ctx context.Context, traceID string, scope audit.Scope, safeMode bool) risk.Assessment {
	a := e.risk.Assess(ctx, chain.Network(scope.Network), scope.Token, safeMode)
	metrics.RecordRisk(scope.Network, a.Level.String())
	decision := "deny"
	if a.SafeToTrade {
		decision = "allow"
	}
	e.trail.Record(traceID, audit.EventRiskCheck, scope, decision, a)
	return a
}

func (e *Engine) buy(ctx context.Context, traceID string, exec execution.Executor, order execution.BuyOrder) execution.ExecutionResult {
	r := exec.Buy(ctx, order)
	e.observe(traceID, "buy", order.UserID, order.Token, order.Origin, r)
	return r
}

func (e *Engine) sell(ctx context.Context, traceID string, exec execution.Executor, order execution.SellOrder) execution.ExecutionResult {
	r := exec.Sell(ctx, order)
	e.observe(traceID, "sell", order.UserID, order.Token, order.Origin, r)
	return r
}

func (e *Engine) observe(traceID, side, userID, token string, origin store.Origin, r execution.ExecutionResult) {
	metrics.RecordTrade(string(r.Network), side, string(origin), string(r.Code), r.Latency)
	decision := "ok"
	if !r.Success {
		decision = string(r.Code)
	}
	e.trail.Record(traceID, audit.EventExecution,
		audit.Scope{UserID: userID, Network: string(r.Network), Token: token}, decision, r)
}

func (e *Engine) blocked(ctx context.Context, userID string, reason Reason, a risk.Assessment) Result {
	e.notifier.SendAlert(ctx, notify.KindTradeBlocked, map[string]any{
		"network": string(a.Network),
		"token":   a.Token,
		"reason":  string(reason),
		"level":   a.Level.String(),
		"score":   a.Score,
		"factors": a.Factors,
	}, userID)
	r := reject(ActionBlocked, reason, nil)
	r.Data = a
	return r
}

func (e *Engine) failed(ctx context.Context, userID, token string, data TradeData) Result {
	r := data.Execution
	log.Warn().
		Str("user", userID).
		Str("network", string(r.Network)).
		Str("token", token).
		Str("code", string(r.Code)).
		Str("record", r.RecordID).
		Str("tx", r.TxHash).
		Msg("engine: execution failed")
	e.notifier.SendAlert(ctx, notify.KindTradeFailed, map[string]any{
		"network": string(r.Network),
		"token":   token,
		"code":    string(r.Code),
		"error":   r.Error,
		"tx_hash": r.TxHash,
	}, userID)
	return Result{Action: ActionSkipped, Reason: ReasonExecutionFailed, Error: r.Error, Data: data}
}

func (e *Engine) executed(ctx context.Context, userID, side, token string, data TradeData) {
	r := data.Execution
	payload := map[string]any{
		"side":       side,
		"network":    string(r.Network),
		"token":      token,
		"amount_in":  r.AmountIn.String(),
		"amount_out": r.AmountOut.String(),
		"amount_usd": r.AmountUSD.StringFixed(2),
		"tx_hash":    r.TxHash,
		"dry_run":    r.DryRun,
	}
	if data.ExplorerURL != "" {
		payload["explorer"] = data.ExplorerURL
	}
	if data.RealizedPnL != nil {
		payload["realized_pnl_usd"] = data.RealizedPnL.StringFixed(2)
	}
	e.notifier.SendAlert(ctx, notify.KindTradeExecuted, payload, userID)
}

func (e *Engine) explorerURL(r execution.ExecutionResult) string {
	if r.DryRun {
		return ""
	}
	cc, found := e.chains[r.Network]
	if !found {
		return ""
	}
	return cc.TxURL(r.TxHash)
}

// costOf is the USD entry cost of a buy.
func costOf(r execution.ExecutionResult, size decimal.Decimal) decimal.Decimal {
	if r.AmountUSD.IsPositive() {
		return r.AmountUSD
	}
	return size
}

func slippageOr(s, fallback decimal.Decimal) decimal.Decimal {
	if s.IsPositive() {
		return s
	}
	return fallback
}
