package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/config"
)

// maxPanicSlippage bounds the widened panic-sell tolerance.
var maxPanicSlippage = decimal.RequireFromString("0.5")

// TradingConfig is an immutable snapshot of the live trading policy. Obtain
// one from ConfigStore.Snapshot and never modify it.
type TradingConfig struct {
	SafeMode                bool            `json:"safe_mode"`
	MirrorBuyEnabled        bool            `json:"mirror_buy_enabled"`
	MirrorSellEnabled       bool            `json:"mirror_sell_enabled"`
	MaxAutoBuyUSD           decimal.Decimal `json:"max_auto_buy_usd"`
	MaxPositionSizeUSD      decimal.Decimal `json:"max_position_size_usd"`
	MaxSlippage             decimal.Decimal `json:"max_slippage"`
	MinLiquidityUSD         decimal.Decimal `json:"min_liquidity_usd"`
	MinSignalConfidence     float64         `json:"min_signal_confidence"`
	PanicSlippageMultiplier decimal.Decimal `json:"panic_slippage_multiplier"`
	Blacklist               []string        `json:"blacklist"`
	Trusted                 []string        `json:"trusted"`

	blacklist map[string]struct{}
	trusted   map[string]struct{}
}

// FromConfig converts the file configuration.
func FromConfig(c config.TradingConfig) TradingConfig {
	t := TradingConfig{
		SafeMode:                c.SafeMode,
		MirrorBuyEnabled:        c.MirrorBuyEnabled,
		MirrorSellEnabled:       c.MirrorSellEnabled,
		MaxAutoBuyUSD:           decimal.NewFromFloat(c.MaxAutoBuyUSD),
		MaxPositionSizeUSD:      decimal.NewFromFloat(c.MaxPositionSizeUSD),
		MaxSlippage:             decimal.NewFromFloat(c.MaxSlippage),
		MinLiquidityUSD:         decimal.NewFromFloat(c.MinLiquidityUSD),
		MinSignalConfidence:     c.MinSignalConfidence,
		PanicSlippageMultiplier: decimal.NewFromFloat(c.PanicSlippageMultiplier),
		Blacklist:               c.Blacklist,
		Trusted:                 c.Trusted,
	}
	t.index()
	return t
}

// DefaultTradingConfig is the policy a fresh deployment starts with.
func DefaultTradingConfig() TradingConfig {
	return FromConfig(config.TradingConfig{
		SafeMode:                true,
		MirrorSellEnabled:       true,
		MaxAutoBuyUSD:           50,
		MaxPositionSizeUSD:      500,
		MaxSlippage:             0.05,
		MinLiquidityUSD:         10000,
		PanicSlippageMultiplier: 2,
	})
}

func (t *TradingConfig) index() {
	t.Blacklist = normalizeAddrs(t.Blacklist)
	t.Trusted = normalizeAddrs(t.Trusted)
	t.blacklist = toSet(t.Blacklist)
	t.trusted = toSet(t.Trusted)
}

// Blacklisted reports whether any of addrs is blacklisted, ignoring case.
func (t TradingConfig) Blacklisted(addrs ...string) bool {
	for _, a := range addrs {
		if _, ok := t.blacklist[strings.ToLower(a)]; ok {
			return true
		}
	}
	return false
}

// IsTrusted reports whether a source wallet is trusted, ignoring case.
func (t TradingConfig) IsTrusted(addr string) bool {
	_, ok := t.trusted[strings.ToLower(addr)]
	return ok
}

// PanicSlippage is the widened tolerance for panic liquidation.
func (t TradingConfig) PanicSlippage() decimal.Decimal {
	s := t.MaxSlippage.Mul(t.PanicSlippageMultiplier)
	if s.GreaterThan(maxPanicSlippage) {
		return maxPanicSlippage
	}
	return s
}

func normalizeAddrs(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func toSet(in []string) map[string]struct{} {
	s := make(map[string]struct{}, len(in))
	for _, a := range in {
		s[a] = struct{}{}
	}
	return s
}

// ---------------------------------------------------------------------------
// Updates
// ---------------------------------------------------------------------------

// ConfigUpdate lists the fields an administrative update may change. Nil
// fields are left as they are.
type ConfigUpdate struct {
	SafeMode            *bool
	MirrorBuyEnabled    *bool
	MirrorSellEnabled   *bool
	MaxAutoBuyUSD       *decimal.Decimal
	MaxPositionSizeUSD  *decimal.Decimal
	MaxSlippage         *decimal.Decimal
	MinLiquidityUSD     *decimal.Decimal
	MinSignalConfidence *float64
	Blacklist           *[]string
	Trusted             *[]string
}

// Keys returns the names of the fields set in u.
func (u ConfigUpdate) Keys() []string {
	var keys []string
	add := func(set bool, k string) {
		if set {
			keys = append(keys, k)
		}
	}
	add(u.SafeMode != nil, "safe_mode")
	add(u.MirrorBuyEnabled != nil, "mirror_buy_enabled")
	add(u.MirrorSellEnabled != nil, "mirror_sell_enabled")
	add(u.MaxAutoBuyUSD != nil, "max_auto_buy_usd")
	add(u.MaxPositionSizeUSD != nil, "max_position_size_usd")
	add(u.MaxSlippage != nil, "max_slippage")
	add(u.MinLiquidityUSD != nil, "min_liquidity_usd")
	add(u.MinSignalConfidence != nil, "min_signal_confidence")
	add(u.Blacklist != nil, "blacklist")
	add(u.Trusted != nil, "trusted")
	return keys
}

var (
	errUnknownKey = errors.New("unknown config key")
	errEmpty      = errors.New("empty config update")
)

// ParseConfigUpdate validates a loosely typed update, as decoded from JSON.
// Unknown keys, wrong types and out-of-range values are all rejected; no
// partial update is ever returned.
func ParseConfigUpdate(raw map[string]any) (ConfigUpdate, error) {
	var u ConfigUpdate
	if len(raw) == 0 {
		return u, errEmpty
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		if err := u.set(k, raw[k]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return ConfigUpdate{}, err
	}
	return u, nil
}

func (u *ConfigUpdate) set(key string, v any) error {
	switch key {
	case "safe_mode":
		return setBool(&u.SafeMode, v)
	case "mirror_buy_enabled":
		return setBool(&u.MirrorBuyEnabled, v)
	case "mirror_sell_enabled":
		return setBool(&u.MirrorSellEnabled, v)
	case "max_auto_buy_usd":
		return setDecimal(&u.MaxAutoBuyUSD, v, positive)
	case "max_position_size_usd":
		return setDecimal(&u.MaxPositionSizeUSD, v, positive)
	case "max_slippage":
		return setDecimal(&u.MaxSlippage, v, func(d decimal.Decimal) error {
			if !d.IsPositive() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
				return fmt.Errorf("%s outside (0,1)", d)
			}
			return nil
		})
	case "min_liquidity_usd":
		return setDecimal(&u.MinLiquidityUSD, v, func(d decimal.Decimal) error {
			if d.IsNegative() {
				return fmt.Errorf("%s is negative", d)
			}
			return nil
		})
	case "min_signal_confidence":
		d, err := toDecimal(v)
		if err != nil {
			return err
		}
		f := d.InexactFloat64()
		if f < 0 || f > 1 {
			return fmt.Errorf("%v outside [0,1]", f)
		}
		u.MinSignalConfidence = &f
		return nil
	case "blacklist":
		return setAddrs(&u.Blacklist, v)
	case "trusted":
		return setAddrs(&u.Trusted, v)
	default:
		return errUnknownKey
	}
}

func positive(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%s must be positive", d)
	}
	return nil
}

func setBool(dst **bool, v any) error {
	b, ok := v.(bool)
	if !ok {
		return fmt.Errorf("want bool, got %T", v)
	}
	*dst = &b
	return nil
}

func setDecimal(dst **decimal.Decimal, v any, check func(decimal.Decimal) error) error {
	d, err := toDecimal(v)
	if err != nil {
		return err
	}
	if err := check(d); err != nil {
		return err
	}
	*dst = &d
	return nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(n)
	case decimal.Decimal:
		return n, nil
	default:
		return decimal.Zero, fmt.Errorf("want number, got %T", v)
	}
}

func setAddrs(dst **[]string, v any) error {
	var out []string
	switch list := v.(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("item %d: want string, got %T", i, item)
			}
			out = append(out, s)
		}
	default:
		return fmt.Errorf("want list of addresses, got %T", v)
	}
	for i, s := range out {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("item %d: empty address", i)
		}
	}
	*dst = &out
	return nil
}

func (t TradingConfig) apply(u ConfigUpdate) TradingConfig {
	if u.SafeMode != nil {
		t.SafeMode = *u.SafeMode
	}
	if u.MirrorBuyEnabled != nil {
		t.MirrorBuyEnabled = *u.MirrorBuyEnabled
	}
	if u.MirrorSellEnabled != nil {
		t.MirrorSellEnabled = *u.MirrorSellEnabled
	}
	if u.MaxAutoBuyUSD != nil {
		t.MaxAutoBuyUSD = *u.MaxAutoBuyUSD
	}
	if u.MaxPositionSizeUSD != nil {
		t.MaxPositionSizeUSD = *u.MaxPositionSizeUSD
	}
	if u.MaxSlippage != nil {
		t.MaxSlippage = *u.MaxSlippage
	}
	if u.MinLiquidityUSD != nil {
		t.MinLiquidityUSD = *u.MinLiquidityUSD
	}
	if u.MinSignalConfidence != nil {
		t.MinSignalConfidence = *u.MinSignalConfidence
	}
	if u.Blacklist != nil {
		t.Blacklist = *u.Blacklist
	}
	if u.Trusted != nil {
		t.Trusted = *u.Trusted
	}
	t.index()
	return t
}

// ---------------------------------------------------------------------------
// ConfigStore
// ---------------------------------------------------------------------------

type versioned struct {
	cfg     TradingConfig
	version uint64
}

// ConfigStore publishes TradingConfig snapshots. Readers never block and
// always see a complete snapshot; writers are serialized.
type ConfigStore struct {
	writeMu sync.Mutex
	current atomic.Pointer[versioned]
}

// NewConfigStore starts at version 1 with initial.
func NewConfigStore(initial TradingConfig) *ConfigStore {
	initial.index()
	s := &ConfigStore{}
	s.current.Store(&versioned{cfg: initial, version: 1})
	return s
}

// Snapshot returns the current configuration and its version.
func (s *ConfigStore) Snapshot() (TradingConfig, uint64) {
	v := s.current.Load()
	return v.cfg, v.version
}

// Update applies u and returns the new snapshot and version.
func (s *ConfigStore) Update(u ConfigUpdate) (TradingConfig, uint64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.current.Load()
	next := &versioned{cfg: old.cfg.apply(u), version: old.version + 1}
	s.current.Store(next)
	return next.cfg, next.version
}
