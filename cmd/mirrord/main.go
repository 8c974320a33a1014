package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/adapters"
	"github.com/nexus-trading/mirror/internal/adapters/coingecko"
	"github.com/nexus-trading/mirror/internal/adapters/goplus"
	"github.com/nexus-trading/mirror/internal/adapters/jupiter"
	"github.com/nexus-trading/mirror/internal/adapters/zerox"
	"github.com/nexus-trading/mirror/internal/api"
	"github.com/nexus-trading/mirror/internal/audit"
	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/config"
	"github.com/nexus-trading/mirror/internal/copytrade"
	"github.com/nexus-trading/mirror/internal/engine"
	"github.com/nexus-trading/mirror/internal/evm"
	"github.com/nexus-trading/mirror/internal/execution"
	"github.com/nexus-trading/mirror/internal/feed"
	"github.com/nexus-trading/mirror/internal/lock"
	"github.com/nexus-trading/mirror/internal/notify"
	"github.com/nexus-trading/mirror/internal/observability"
	"github.com/nexus-trading/mirror/internal/quality"
	"github.com/nexus-trading/mirror/internal/risk"
	"github.com/nexus-trading/mirror/internal/solana"
	"github.com/nexus-trading/mirror/internal/store"
)

const auditBufferSize = 10_000

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Bool("dry_run", cfg.General.DryRun).
		Bool("safe_mode", cfg.Trading.SafeMode).
		Bool("mirror_buy", cfg.Trading.MirrorBuyEnabled).
		Bool("mirror_sell", cfg.Trading.MirrorSellEnabled).
		Float64("max_auto_buy_usd", cfg.Trading.MaxAutoBuyUSD).
		Float64("max_position_usd", cfg.Trading.MaxPositionSizeUSD).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 4. Trade store.
	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN, cfg.General.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("Failed to open trade store")
	}
	defer st.Close()
	log.Info().Str("driver", cfg.Storage.Driver).Msg("Trade store opened")

	// 5. Position lock.
	locker, err := lock.New(lock.Config{
		Backend:   cfg.Lock.Backend,
		RedisAddr: cfg.Lock.RedisAddr,
		RedisDB:   cfg.Lock.RedisDB,
		Password:  cfg.Lock.Password,
		TTL:       cfg.Lock.TTL,
		Prefix:    "mirror:" + cfg.General.InstanceID,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create position lock")
	}
	log.Info().Str("backend", cfg.Lock.Backend).Msg("Position lock ready")

	// 6. Providers and risk assessor.
	market := coingecko.New(coingecko.Config{
		BaseURL:       cfg.Providers.CoinGecko.BaseURL,
		APIKey:        cfg.Providers.CoinGecko.APIKey,
		RatePerMinute: cfg.Providers.CoinGecko.RatePerMinute,
	})
	goPlus := goplus.New(goplus.Config{
		BaseURL:       cfg.Providers.GoPlus.BaseURL,
		APIKey:        cfg.Providers.GoPlus.APIKey,
		RatePerMinute: cfg.Providers.GoPlus.RatePerMinute,
	})
	jup := jupiter.NewAPIClient(jupiter.Config{
		QuoteURL:      cfg.Providers.Jupiter.QuoteURL,
		PriceURL:      cfg.Providers.Jupiter.PriceURL,
		RatePerMinute: cfg.Providers.Jupiter.RatePerMinute,
		Timeout:       cfg.Providers.Jupiter.Timeout,
		Retry:         adapters.RetryPolicy{MaxAttempts: cfg.Execution.QuoteMaxAttempts, BaseDelay: cfg.Execution.QuoteBaseDelay},
	})
	security := risk.ByNetwork{
		chain.Ethereum: goPlus,
		chain.BSC:      goPlus,
		chain.Solana:   risk.Combined{goPlus, jupiter.NewSimulator(jupiter.DefaultSimulatorConfig(), jup)},
	}
	assessor := risk.New(risk.Config{SizeScale: cfg.Risk.SizeScale, Timeout: cfg.Risk.Timeout}, security, market)

	// 7. Executors.
	chains := cfg.ChainParams()
	var wg sync.WaitGroup
	executors := buildExecutors(ctx, cfg, chains, st, market, jup, &wg)
	if len(executors) == 0 {
		log.Warn().Msg("No executors configured: every trade will be rejected as unsupported_network")
	}

	// 8. Notifications.
	notifier := notify.Multi{notify.Log{}}
	var tg *notify.Telegram
	if cfg.Telegram.Enabled {
		tg, err = notify.NewTelegramBot(cfg.Telegram.BotToken, cfg.Telegram.ChatIDs)
		if err != nil {
			log.Error().Err(err).Msg("Telegram disabled: bot init failed")
		} else {
			notifier = append(notifier, tg)
			log.Info().Int("chats", len(cfg.Telegram.ChatIDs)).Msg("Telegram notifications enabled")
		}
	}

	// 9. Source wallets and audit trail.
	wallets := copytrade.NewTracker(copytrade.DefaultConfig())
	for _, w := range cfg.Trading.Trusted {
		wallets.AddWallet(w, "trusted")
	}
	trail := audit.NewTrail(auditBufferSize)

	// 10. Engine.
	tradingCfg := engine.FromConfig(cfg.Trading)
	eng := engine.New(engine.NewConfigStore(tradingCfg), engine.Deps{
		Executors: executors,
		Risk:      assessor,
		Locker:    locker,
		Notifier:  notifier,
		Chains:    chains,
		Wallets:   wallets,
		Trail:     trail,
	})

	restored, err := eng.RestorePositions(ctx, st)
	if err != nil {
		log.Error().Err(err).Msg("Failed to restore positions from trade history")
	} else {
		log.Info().Int("positions", restored).Msg("Positions restored from trade history")
	}
	reportStale(ctx, st, cfg.Storage.StaleAfter)

	if cfg.General.WatchConfig {
		watcher, err := config.NewWatcher(*configPath, func(next *config.Config) {
			res := eng.ApplyFileConfig(ctx, next.Trading)
			if !res.Success {
				log.Error().Str("error", res.Error).Msg("Config reload rejected by engine")
			}
		})
		if err == nil {
			err = watcher.Start(ctx)
		}
		if err != nil {
			log.Error().Err(err).Msg("Config watcher disabled")
		}
	}

	// 11. Health.
	health := observability.NewHealthMonitor(5 * time.Second)
	health.Register("trade_store", observability.StaleTradesCheck(st, cfg.Storage.StaleAfter))

	// 12. Signal feed and its quality monitor.
	var signalQuality *quality.Monitor
	if cfg.Feed.Enabled {
		signalQuality = quality.NewMonitor(cfg.Feed.LagThreshold, cfg.Feed.StaleAfter)
		client := feed.New(feed.Config{
			URL:            cfg.Feed.URL,
			ReconnectDelay: cfg.Feed.ReconnectDelay,
			DefaultUser:    cfg.Feed.DefaultUser,
			Observer:       signalQuality,
		}, eng)
		health.Register("signal_feed", observability.FeedCheck(client.Stats))
		health.Register("signal_quality", observability.SignalQualityCheck(signalQuality))
		wg.Add(3)
		go func() {
			defer wg.Done()
			client.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			signalQuality.Start(ctx, 10*time.Second)
		}()
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case a := <-signalQuality.Alerts():
					ev := log.Warn()
					if a.Level == "critical" {
						ev = log.Error()
					}
					ev.Str("network", a.Network).Str("wallet", a.Wallet).Msg("Signal quality: " + a.Message)
				}
			}
		}()
	} else {
		log.Info().Msg("Signal feed disabled")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Start(ctx, 30*time.Second)
	}()

	// 13. Control API.
	server := api.New(api.Config{
		Listen:     cfg.API.Listen,
		Token:      cfg.API.Token,
		StaleAfter: cfg.Storage.StaleAfter,
		LogAll:     cfg.General.LogLevel == "debug",
	}, api.Deps{
		Engine:  eng,
		Store:   st,
		Wallets: wallets,
		Trail:   trail,
		Health:  health,
		Quality: signalQuality,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Control API failed")
			cancel()
		}
	}()

	log.Info().
		Int("executors", len(executors)).
		Bool("feed", cfg.Feed.Enabled).
		Str("api", cfg.API.Listen).
		Msg("Mirror daemon running")

	<-ctx.Done()
	wg.Wait()
	if tg != nil {
		tg.Close()
	}

	s := eng.Stats()
	log.Info().
		Int64("total_trades", s.TotalTrades).
		Int64("successful", s.SuccessfulTrades).
		Str("realized_pnl_usd", s.RealizedPnLUSD.StringFixed(2)).
		Int("open_positions", s.OpenPositions).
		Msg("Mirror daemon - Shutdown complete")
}

// buildExecutors creates one executor per enabled network that has a signer.
func buildExecutors(ctx context.Context, cfg *config.Config, chains map[chain.Network]chain.Config,
	st store.Store, market *coingecko.Client, jup *jupiter.APIClient, wg *sync.WaitGroup) []execution.Executor {

	base := execution.Config{
		DryRun:             cfg.General.DryRun,
		ConfirmTimeout:     cfg.Execution.ConfirmTimeout,
		PollInterval:       cfg.Execution.PollInterval,
		GasBuffer:          cfg.Execution.GasBuffer,
		PriorityFee:        execution.GweiToWei(cfg.Execution.PriorityFeeGwei),
		FallbackGasLimit:   cfg.Execution.FallbackGasLimit,
		FallbackGasPrice:   execution.GweiToWei(cfg.Execution.FallbackGasPriceGwei),
		ApprovalMultiplier: cfg.Execution.ApprovalMultiplier,
		DefaultSlippage:    decimal.NewFromFloat(cfg.Trading.MaxSlippage),
	}
	retry := adapters.RetryPolicy{MaxAttempts: cfg.Execution.QuoteMaxAttempts, BaseDelay: cfg.Execution.QuoteBaseDelay}

	var out []execution.Executor

	var evmSigner *evm.RemoteSigner
	if cfg.Signer.EVMEndpoint != "" {
		vault := evm.NewClient(evm.DefaultRPCConfig(cfg.Signer.EVMEndpoint))
		evmSigner = evm.NewRemoteSigner(vault, cfg.Signer.EVMAccounts)
	}

	for _, n := range []chain.Network{chain.Ethereum, chain.BSC} {
		cc, ok := chains[n]
		if !ok {
			continue
		}
		if evmSigner == nil {
			log.Warn().Str("network", string(n)).Msg("EVM network disabled: no signer endpoint")
			continue
		}
		ecfg := base
		ecfg.FallbackNativeUSD = decimal.NewFromFloat(cfg.Execution.FallbackNativeUSD[string(n)])
		out = append(out, execution.NewEVMExecutor(cc, ecfg, execution.EVMDeps{
			Node: evm.NewClient(evm.DefaultRPCConfig(cc.RPCURL)),
			Quoter: zerox.New(zerox.Config{
				BaseURL:       cc.QuoteURL,
				APIKey:        cfg.Providers.ZeroX.APIKey,
				RatePerMinute: cfg.Providers.ZeroX.RatePerMinute,
				Timeout:       cfg.Providers.ZeroX.Timeout,
				WrappedNative: cc.WrappedNative,
				Retry:         retry,
			}),
			Signer: evmSigner,
			Prices: market,
			Store:  st,
		}))
		log.Info().Str("network", string(n)).Int64("chain_id", cc.ChainID).Msg("EVM executor ready")
	}

	if cc, ok := chains[chain.Solana]; ok {
		if len(cfg.Signer.SolanaKeys) == 0 {
			log.Warn().Msg("Solana disabled: no keypairs configured")
			return out
		}
		signer, err := solana.NewKeypairSigner(cfg.Signer.SolanaKeys)
		if err != nil {
			log.Error().Err(err).Msg("Solana disabled: invalid keypair")
			return out
		}
		node := solana.NewClient(solana.DefaultRPCConfig(cc.RPCURL))
		fees := solana.NewPriorityFeeEstimator(node, solana.EstimatorConfig{
			Ceiling: cfg.Execution.SolanaFeeCeiling,
			Refresh: cfg.Execution.SolanaFeeRefresh,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			fees.Start(ctx)
		}()

		scfg := base
		scfg.FallbackNativeUSD = decimal.NewFromFloat(cfg.Execution.FallbackNativeUSD[string(chain.Solana)])
		out = append(out, execution.NewSolanaExecutor(cc, scfg, execution.SolanaDeps{
			Node:   node,
			Quoter: jup,
			Signer: signer,
			Fees:   fees,
			Store:  st,
		}))
		log.Info().Int("wallets", len(cfg.Signer.SolanaKeys)).Msg("Solana executor ready")
	}
	return out
}

// reportStale logs preparing records left behind by an earlier run. They
// may have been broadcast and need manual reconciliation.
func reportStale(ctx context.Context, st store.Store, olderThan time.Duration) {
	stale, err := st.ListStale(ctx, olderThan)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list stale trade records")
		return
	}
	for _, r := range stale {
		log.Warn().
			Str("id", r.ID).
			Str("user", r.UserID).
			Str("network", r.Network).
			Str("token", r.Token).
			Str("type", string(r.TradeType)).
			Time("created_at", r.CreatedAt).
			Msg("Stale trade record awaiting reconciliation")
	}
	if len(stale) > 0 {
		log.Warn().Int("count", len(stale)).Msg("Stale trade records found at startup")
	}
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(strings.ToLower(general.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "mirrord").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "mirrord").
			Str("instance", general.InstanceID).Logger()
	}
}
