package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nexus-trading/mirror/internal/chain"
)

// Config is the root configuration structure for the mirror daemon.
type Config struct {
	General   GeneralConfig          `yaml:"general"`
	Trading   TradingConfig          `yaml:"trading"`
	Risk      RiskConfig             `yaml:"risk"`
	Execution ExecutionConfig        `yaml:"execution"`
	Chains    map[string]ChainConfig `yaml:"chains"`
	Providers ProvidersConfig        `yaml:"providers"`
	Storage   StorageConfig          `yaml:"storage"`
	Lock      LockConfig             `yaml:"lock"`
	Signer    SignerConfig           `yaml:"signer"`
	Telegram  TelegramConfig         `yaml:"telegram"`
	Feed      FeedConfig             `yaml:"feed"`
	API       APIConfig              `yaml:"api"`
	Metrics   MetricsConfig          `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	DryRun      bool   `yaml:"dry_run"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
	// WatchConfig re-applies the trading section when the file changes.
	WatchConfig bool `yaml:"watch_config"`
}

// TradingConfig seeds the engine's live configuration snapshot.
type TradingConfig struct {
	SafeMode                bool     `yaml:"safe_mode"`
	MirrorBuyEnabled        bool     `yaml:"mirror_buy_enabled"`
	MirrorSellEnabled       bool     `yaml:"mirror_sell_enabled"`
	MaxAutoBuyUSD           float64  `yaml:"max_auto_buy_usd"`
	MaxPositionSizeUSD      float64  `yaml:"max_position_size_usd"`
	MaxSlippage             float64  `yaml:"max_slippage"` // fraction, 0.05 = 5%
	MinLiquidityUSD         float64  `yaml:"min_liquidity_usd"`
	MinSignalConfidence     float64  `yaml:"min_signal_confidence"`
	PanicSlippageMultiplier float64  `yaml:"panic_slippage_multiplier"`
	Blacklist               []string `yaml:"blacklist"`
	Trusted                 []string `yaml:"trusted"`
}

type RiskConfig struct {
	SizeScale float64       `yaml:"size_scale"`
	Timeout   time.Duration `yaml:"timeout"`
}

type ExecutionConfig struct {
	ConfirmTimeout       time.Duration      `yaml:"confirm_timeout"`
	PollInterval         time.Duration      `yaml:"poll_interval"`
	GasBuffer            float64            `yaml:"gas_buffer"`
	PriorityFeeGwei      float64            `yaml:"priority_fee_gwei"`
	FallbackGasLimit     uint64             `yaml:"fallback_gas_limit"`
	FallbackGasPriceGwei float64            `yaml:"fallback_gas_price_gwei"`
	ApprovalMultiplier   int64              `yaml:"approval_multiplier"`
	QuoteMaxAttempts     int                `yaml:"quote_max_attempts"`
	QuoteBaseDelay       time.Duration      `yaml:"quote_base_delay"`
	FallbackNativeUSD    map[string]float64 `yaml:"fallback_native_usd"`
	// SolanaFeeCeiling caps the compute-unit price in micro-lamports.
	SolanaFeeCeiling uint64        `yaml:"solana_fee_ceiling"`
	SolanaFeeRefresh time.Duration `yaml:"solana_fee_refresh"`
}

// ChainConfig overrides the built-in parameters of a network.
type ChainConfig struct {
	Enabled     *bool   `yaml:"enabled"`
	RPCURL      string  `yaml:"rpc_url"`
	QuoteURL    string  `yaml:"quote_url"`
	Router      string  `yaml:"router"`
	MaxGasGwei  float64 `yaml:"max_gas_gwei"`
	ExplorerURL string  `yaml:"explorer_url"`
}

type ProvidersConfig struct {
	GoPlus    ProviderConfig `yaml:"goplus"`
	CoinGecko ProviderConfig `yaml:"coingecko"`
	ZeroX     ProviderConfig `yaml:"zerox"`
	Jupiter   JupiterConfig  `yaml:"jupiter"`
}

type ProviderConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	RatePerMinute int           `yaml:"rate_per_minute"`
	Timeout       time.Duration `yaml:"timeout"`
}

type JupiterConfig struct {
	QuoteURL      string        `yaml:"quote_url"`
	PriceURL      string        `yaml:"price_url"`
	RatePerMinute int           `yaml:"rate_per_minute"`
	Timeout       time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite|postgres|memory
	DSN    string `yaml:"dsn"`
	// StaleAfter is how long a preparing record may stay unresolved before
	// it is reported for reconciliation.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type LockConfig struct {
	Backend   string        `yaml:"backend"` // local|redis
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	Password  string        `yaml:"password"`
	TTL       time.Duration `yaml:"ttl"`
}

type SignerConfig struct {
	EVMEndpoint string            `yaml:"evm_endpoint"`
	EVMAccounts map[string]string `yaml:"evm_accounts"` // user -> address
	SolanaKeys  map[string]string `yaml:"solana_keys"`  // user -> base58 secret key
}

type TelegramConfig struct {
	Enabled  bool             `yaml:"enabled"`
	BotToken string           `yaml:"bot_token"`
	ChatIDs  map[string]int64 `yaml:"chat_ids"` // user -> chat
}

type FeedConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	DefaultUser    string        `yaml:"default_user"`
	// LagThreshold flags signals that arrive later than this after the
	// source trade. StaleAfter flags a feed that has gone silent; 0 disables.
	LagThreshold time.Duration `yaml:"lag_threshold"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
	// Token, when set, is required as a bearer token on /v1 routes.
	Token string `yaml:"token"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses a YAML configuration file. A .env file in the
// working directory, if present, is loaded first so ${VARS} can be expanded.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in raw YAML and decodes it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := newConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := newConfig()
	applyDefaults(cfg)
	return cfg
}

// newConfig presets the boolean defaults that a zero value cannot express.
func newConfig() *Config {
	return &Config{
		Trading: TradingConfig{
			SafeMode:          true,
			MirrorSellEnabled: true,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "mirror-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	t := &cfg.Trading
	if t.MaxAutoBuyUSD == 0 {
		t.MaxAutoBuyUSD = 50
	}
	if t.MaxPositionSizeUSD == 0 {
		t.MaxPositionSizeUSD = 500
	}
	if t.MaxSlippage == 0 {
		t.MaxSlippage = 0.05
	}
	if t.MinLiquidityUSD == 0 {
		t.MinLiquidityUSD = 10000
	}
	if t.PanicSlippageMultiplier == 0 {
		t.PanicSlippageMultiplier = 2
	}

	if cfg.Risk.SizeScale == 0 {
		cfg.Risk.SizeScale = 1
	}
	if cfg.Risk.Timeout == 0 {
		cfg.Risk.Timeout = 15 * time.Second
	}

	e := &cfg.Execution
	if e.ConfirmTimeout == 0 {
		e.ConfirmTimeout = 2 * time.Minute
	}
	if e.PollInterval == 0 {
		e.PollInterval = 2 * time.Second
	}
	if e.GasBuffer == 0 {
		e.GasBuffer = 1.2
	}
	if e.PriorityFeeGwei == 0 {
		e.PriorityFeeGwei = 2
	}
	if e.FallbackGasLimit == 0 {
		e.FallbackGasLimit = 300_000
	}
	if e.FallbackGasPriceGwei == 0 {
		e.FallbackGasPriceGwei = 20
	}
	if e.ApprovalMultiplier == 0 {
		e.ApprovalMultiplier = 2
	}
	if e.QuoteMaxAttempts == 0 {
		e.QuoteMaxAttempts = 4
	}
	if e.QuoteBaseDelay == 0 {
		e.QuoteBaseDelay = time.Second
	}
	if e.FallbackNativeUSD == nil {
		e.FallbackNativeUSD = map[string]float64{}
	}
	for n, p := range map[string]float64{"ethereum": 3000, "bsc": 600, "solana": 150} {
		if _, ok := e.FallbackNativeUSD[n]; !ok {
			e.FallbackNativeUSD[n] = p
		}
	}

	p := &cfg.Providers
	if p.GoPlus.BaseURL == "" {
		p.GoPlus.BaseURL = "https://api.gopluslabs.io/api/v1"
	}
	if p.CoinGecko.BaseURL == "" {
		p.CoinGecko.BaseURL = "https://api.coingecko.com/api/v3"
	}
	for _, pc := range []*ProviderConfig{&p.GoPlus, &p.CoinGecko, &p.ZeroX} {
		if pc.RatePerMinute == 0 {
			pc.RatePerMinute = 100
		}
		if pc.Timeout == 0 {
			pc.Timeout = 30 * time.Second
		}
	}
	if p.Jupiter.QuoteURL == "" {
		p.Jupiter.QuoteURL = "https://quote-api.jup.ag/v6"
	}
	if p.Jupiter.PriceURL == "" {
		p.Jupiter.PriceURL = "https://api.jup.ag/price/v2"
	}
	if p.Jupiter.RatePerMinute == 0 {
		p.Jupiter.RatePerMinute = 100
	}
	if p.Jupiter.Timeout == 0 {
		p.Jupiter.Timeout = 10 * time.Second
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = "mirror.db"
	}
	if cfg.Storage.StaleAfter == 0 {
		cfg.Storage.StaleAfter = 10 * time.Minute
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "local"
	}
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = 5 * time.Minute
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 5 * time.Second
	}
	if cfg.Feed.LagThreshold == 0 {
		cfg.Feed.LagThreshold = 30 * time.Second
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8080"
	}
}

// Validate checks value ranges that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if c.Trading.MaxSlippage <= 0 || c.Trading.MaxSlippage >= 1 {
		errs = append(errs, fmt.Errorf("trading.max_slippage must be in (0,1), got %v", c.Trading.MaxSlippage))
	}
	if c.Trading.MaxAutoBuyUSD < 0 || c.Trading.MaxPositionSizeUSD < 0 {
		errs = append(errs, errors.New("trading: size limits must not be negative"))
	}
	if c.Trading.MinSignalConfidence < 0 || c.Trading.MinSignalConfidence > 1 {
		errs = append(errs, errors.New("trading.min_signal_confidence must be in [0,1]"))
	}
	if c.Execution.GasBuffer < 1 {
		errs = append(errs, errors.New("execution.gas_buffer must be >= 1"))
	}
	if c.Execution.QuoteMaxAttempts < 1 {
		errs = append(errs, errors.New("execution.quote_max_attempts must be >= 1"))
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q not supported", c.Storage.Driver))
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("lock.redis_addr required for redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend %q not supported", c.Lock.Backend))
	}
	for name := range c.Chains {
		if _, ok := chain.Defaults()[chain.Network(strings.ToLower(name))]; !ok {
			errs = append(errs, fmt.Errorf("chains: unknown network %q", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ChainParams merges the built-in network parameters with overrides.
// Networks disabled in the file are omitted.
func (c *Config) ChainParams() map[chain.Network]chain.Config {
	out := chain.Defaults()
	for name, ov := range c.Chains {
		n := chain.Network(strings.ToLower(name))
		base, ok := out[n]
		if !ok {
			continue
		}
		if ov.Enabled != nil && !*ov.Enabled {
			delete(out, n)
			continue
		}
		if ov.RPCURL != "" {
			base.RPCURL = ov.RPCURL
		}
		if ov.QuoteURL != "" {
			base.QuoteURL = ov.QuoteURL
		}
		if ov.Router != "" {
			base.Router = ov.Router
		}
		if ov.MaxGasGwei > 0 {
			base.MaxGasGwei = ov.MaxGasGwei
		}
		if ov.ExplorerURL != "" {
			base.ExplorerURL = ov.ExplorerURL
		}
		out[n] = base
	}
	return out
}
