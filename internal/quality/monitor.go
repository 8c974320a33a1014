package quality

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/mirror/internal/metrics"
)

// SourceStats tracks signal freshness for one source wallet on one network.
type SourceStats struct {
	Network    string    `json:"network"`
	Wallet     string    `json:"wallet"`
	LastSignal time.Time `json:"last_signal"`
	Signals    int64     `json:"signals"`
	LateCount  int64     `json:"late_count"`
	MaxLagMs   float64   `json:"max_lag_ms"`
	AvgLagMs   float64   `json:"avg_lag_ms"`
	FirstSeen  time.Time `json:"first_seen"`

	totalLagMs float64
}

// Alert is a signal quality alert.
type Alert struct {
	Level   string    `json:"level"` // warn|critical
	Network string    `json:"network,omitempty"`
	Wallet  string    `json:"wallet,omitempty"`
	Message string    `json:"message"`
	Ts      time.Time `json:"ts"`
}

// Summary is the feed-wide view.
type Summary struct {
	Sources   int       `json:"sources"`
	Signals   int64     `json:"signals"`
	Late      int64     `json:"late"`
	LastEvent time.Time `json:"last_event"`
	Stale     bool      `json:"stale"`
}

// Monitor measures how late copied signals arrive relative to the source
// trade and detects a silent feed.
type Monitor struct {
	mu           sync.RWMutex
	sources      map[string]*SourceStats // key: "network.wallet"
	alertCh      chan Alert
	lagThreshold time.Duration
	staleAfter   time.Duration

	lastEvent     time.Time
	staleReported bool

	now func() time.Time
}

// NewMonitor creates a monitor. A zero lagThreshold disables lag alerts and
// a zero staleAfter disables the silent-feed check.
func NewMonitor(lagThreshold, staleAfter time.Duration) *Monitor {
	return &Monitor{
		sources:      make(map[string]*SourceStats),
		alertCh:      make(chan Alert, 256),
		lagThreshold: lagThreshold,
		staleAfter:   staleAfter,
		now:          time.Now,
	}
}

func sourceKey(network, wallet string) string {
	return network + "." + strings.ToLower(wallet)
}

// Record registers one signal observed at the source at signalTime.
func (m *Monitor) Record(network, wallet string, signalTime time.Time) {
	now := m.now()
	lag := now.Sub(signalTime)
	if lag < 0 {
		lag = 0
	}
	metrics.ObserveSignalLag(network, lag)

	m.mu.Lock()
	defer m.mu.Unlock()

	key := sourceKey(network, wallet)
	st, ok := m.sources[key]
	if !ok {
		st = &SourceStats{Network: network, Wallet: strings.ToLower(wallet), FirstSeen: now}
		m.sources[key] = st
	}
	lagMs := float64(lag.Milliseconds())
	st.LastSignal = now
	st.Signals++
	st.totalLagMs += lagMs
	st.AvgLagMs = st.totalLagMs / float64(st.Signals)
	if lagMs > st.MaxLagMs {
		st.MaxLagMs = lagMs
	}

	m.lastEvent = now
	m.staleReported = false

	if m.lagThreshold > 0 && lag > m.lagThreshold {
		st.LateCount++
		m.emitAlert(Alert{
			Level:   "warn",
			Network: network,
			Wallet:  st.Wallet,
			Message: fmt.Sprintf("signal lag %s exceeds %s", lag.Round(time.Millisecond), m.lagThreshold),
			Ts:      now,
		})
	}
}

// Alerts returns the read-only alert channel.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alertCh
}

// Snapshot returns a copy of all per-source stats.
func (m *Monitor) Snapshot() map[string]SourceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]SourceStats, len(m.sources))
	for k, v := range m.sources {
		snap[k] = *v
	}
	return snap
}

// Summary aggregates all sources.
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{Sources: len(m.sources), LastEvent: m.lastEvent}
	for _, st := range m.sources {
		s.Signals += st.Signals
		s.Late += st.LateCount
	}
	s.Stale = m.isStale(m.now())
	return s
}

// Start checks for a silent feed every interval until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().
		Dur("lag_threshold", m.lagThreshold).
		Dur("stale_after", m.staleAfter).
		Msg("quality: monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("quality: monitor stopped")
			return
		case <-ticker.C:
			m.checkStale()
		}
	}
}

func (m *Monitor) isStale(now time.Time) bool {
	return m.staleAfter > 0 && !m.lastEvent.IsZero() && now.Sub(m.lastEvent) > m.staleAfter
}

// checkStale emits one critical alert per silent period. A feed that has
// never delivered is not considered stale.
func (m *Monitor) checkStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.isStale(now) || m.staleReported {
		return
	}
	m.staleReported = true
	m.emitAlert(Alert{
		Level:   "critical",
		Message: fmt.Sprintf("no signals for %s (threshold %s)", now.Sub(m.lastEvent).Round(time.Second), m.staleAfter),
		Ts:      now,
	})
}

// emitAlert never blocks; a full channel drops the alert.
func (m *Monitor) emitAlert(alert Alert) {
	select {
	case m.alertCh <- alert:
	default:
		log.Warn().
			Str("network", alert.Network).
			Str("wallet", alert.Wallet).
			Str("level", alert.Level).
			Str("message", alert.Message).
			Msg("quality: alert channel full, dropping alert")
	}
}
