package copytrade

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Source wallet performance
// Every mirror signal is attributed to the wallet it was copied from, and
// every closed mirror position feeds its realized P&L back to that wallet.
// ---------------------------------------------------------------------------

// Tier classifies a source wallet by its mirrored track record.
type Tier string

const (
	TierUnproven   Tier = "UNPROVEN"    // too few closed positions to judge
	TierSmartMoney Tier = "SMART_MONEY" // win rate >= SmartMoneyWinRate
	TierNeutral    Tier = "NEUTRAL"
	TierCold       Tier = "COLD" // win rate < ColdWinRate
)

// SignalEvent is one signal observed from a source wallet.
type SignalEvent struct {
	Wallet     string    `json:"wallet"`
	Network    string    `json:"network"`
	Token      string    `json:"token"`
	Action     string    `json:"action"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// WalletStats is the mirrored performance of one source wallet.
type WalletStats struct {
	Address        string          `json:"address"`
	Label          string          `json:"label,omitempty"`
	Tier           Tier            `json:"tier"`
	Signals        int             `json:"signals"`
	Buys           int             `json:"buys"`
	Sells          int             `json:"sells"`
	Mirrored       int             `json:"mirrored"` // signals that produced a trade
	Wins           int             `json:"wins"`
	Losses         int             `json:"losses"`
	WinRate        float64         `json:"win_rate"`
	RealizedPnLUSD decimal.Decimal `json:"realized_pnl_usd"`
	FirstSeen      time.Time       `json:"first_seen"`
	LastSignalAt   time.Time       `json:"last_signal_at"`
}

// Config configures the tracker.
type Config struct {
	MaxWallets        int     `yaml:"max_wallets"`
	MaxHistorySize    int     `yaml:"max_history_size"`
	MinClosedForTier  int     `yaml:"min_closed_for_tier"`
	SmartMoneyWinRate float64 `yaml:"smart_money_win_rate"`
	ColdWinRate       float64 `yaml:"cold_win_rate"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		MaxWallets:        1000,
		MaxHistorySize:    10000,
		MinClosedForTier:  5,
		SmartMoneyWinRate: 0.6,
		ColdWinRate:       0.3,
	}
}

// Tracker keeps per-source-wallet signal and outcome counters. Safe for
// concurrent use.
type Tracker struct {
	config  Config
	mu      sync.RWMutex
	wallets map[string]*WalletStats // lower-cased address -> stats
	history []SignalEvent           // ring buffer, oldest first
}

// NewTracker creates a tracker.
func NewTracker(config Config) *Tracker {
	if config.MaxWallets <= 0 {
		config.MaxWallets = DefaultConfig().MaxWallets
	}
	return &Tracker{
		config:  config,
		wallets: make(map[string]*WalletStats),
	}
}

func walletKey(addr string) string { return strings.ToLower(addr) }

// AddWallet pre-registers a wallet with a label. Re-adding updates the label.
func (t *Tracker) AddWallet(address, label string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w := t.walletLocked(address, time.Now()); w != nil {
		w.Label = label
	}
}

// RemoveWallet forgets a wallet and its counters.
func (t *Tracker) RemoveWallet(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.wallets, walletKey(address))
}

// walletLocked returns the stats entry for address, creating it if there is
// room. Returns nil when the tracker is full.
func (t *Tracker) walletLocked(address string, now time.Time) *WalletStats {
	key := walletKey(address)
	if w, ok := t.wallets[key]; ok {
		return w
	}
	if len(t.wallets) >= t.config.MaxWallets {
		log.Warn().Str("wallet", address).Int("max", t.config.MaxWallets).
			Msg("copytrade: wallet capacity reached, not tracking")
		return nil
	}
	w := &WalletStats{Address: address, Tier: TierUnproven, FirstSeen: now}
	t.wallets[key] = w
	return w
}

// RecordSignal counts a signal from its source wallet.
func (t *Tracker) RecordSignal(ev SignalEvent) {
	if ev.Wallet == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.MaxHistorySize > 0 {
		if len(t.history) >= t.config.MaxHistorySize {
			t.history = t.history[1:]
		}
		t.history = append(t.history, ev)
	}

	w := t.walletLocked(ev.Wallet, ev.Timestamp)
	if w == nil {
		return
	}
	w.Signals++
	switch strings.ToLower(ev.Action) {
	case "buy":
		w.Buys++
	case "sell":
		w.Sells++
	}
	w.LastSignalAt = ev.Timestamp
}

// RecordMirror counts a signal that resulted in an executed trade.
func (t *Tracker) RecordMirror(wallet string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w := t.walletLocked(wallet, time.Now()); w != nil {
		w.Mirrored++
	}
}

// RecordOutcome credits the realized P&L of a closed mirror position to the
// wallet it was copied from. A non-positive pnl counts as a loss.
func (t *Tracker) RecordOutcome(wallet string, pnlUSD decimal.Decimal) {
	if wallet == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.walletLocked(wallet, time.Now())
	if w == nil {
		return
	}
	if pnlUSD.IsPositive() {
		w.Wins++
	} else {
		w.Losses++
	}
	w.RealizedPnLUSD = w.RealizedPnLUSD.Add(pnlUSD)
	closed := w.Wins + w.Losses
	w.WinRate = float64(w.Wins) / float64(closed)
	w.Tier = t.classify(closed, w.WinRate)

	log.Debug().
		Str("wallet", wallet).
		Str("pnl_usd", pnlUSD.StringFixed(2)).
		Float64("win_rate", w.WinRate).
		Str("tier", string(w.Tier)).
		Msg("copytrade: outcome recorded")
}

func (t *Tracker) classify(closed int, winRate float64) Tier {
	switch {
	case closed < t.config.MinClosedForTier:
		return TierUnproven
	case winRate >= t.config.SmartMoneyWinRate:
		return TierSmartMoney
	case winRate < t.config.ColdWinRate:
		return TierCold
	default:
		return TierNeutral
	}
}

// Wallet returns a copy of one wallet's stats.
func (t *Tracker) Wallet(address string) (WalletStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.wallets[walletKey(address)]
	if !ok {
		return WalletStats{}, false
	}
	return *w, true
}

// Wallets returns all wallets, best realized P&L first.
func (t *Tracker) Wallets() []WalletStats {
	t.mu.RLock()
	result := make([]WalletStats, 0, len(t.wallets))
	for _, w := range t.wallets {
		result = append(result, *w)
	}
	t.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if c := result[i].RealizedPnLUSD.Cmp(result[j].RealizedPnLUSD); c != 0 {
			return c > 0
		}
		return result[i].Address < result[j].Address
	})
	return result
}

// Recent returns up to n most recent signals, newest first.
func (t *Tracker) Recent(n int) []SignalEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n <= 0 || n > len(t.history) {
		n = len(t.history)
	}
	out := make([]SignalEvent, 0, n)
	for i := len(t.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, t.history[i])
	}
	return out
}

// TrackerStats summarizes the tracker.
type TrackerStats struct {
	TrackedWallets int            `json:"tracked_wallets"`
	TotalSignals   int            `json:"total_signals"`
	TierBreakdown  map[string]int `json:"tier_breakdown"`
}

func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tiers := make(map[string]int)
	total := 0
	for _, w := range t.wallets {
		tiers[string(w.Tier)]++
		total += w.Signals
	}

	return TrackerStats{
		TrackedWallets: len(t.wallets),
		TotalSignals:   total,
		TierBreakdown:  tiers,
	}
}
