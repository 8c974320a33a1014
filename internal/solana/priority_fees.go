package solana

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Priority fee planning
// Compute-unit price = p75 of recent slot fees, doubled for panic exits,
// never above the ceiling. An estimate older than MaxAge is ignored.
// ---------------------------------------------------------------------------

const (
	// MaxPriorityFeeMicroLamports is the default per-compute-unit ceiling.
	MaxPriorityFeeMicroLamports = 5_000_000

	// DefaultPriorityFeeMicroLamports is used while no fresh estimate exists.
	DefaultPriorityFeeMicroLamports = 10_000
)

// CongestionLevel selects how aggressively to bid.
type CongestionLevel int

const (
	CongestionNormal CongestionLevel = iota
	CongestionHigh                   // panic liquidation
)

// FeeSource returns recent non-zero prioritization fees. *Client satisfies it.
type FeeSource interface {
	RecentPrioritizationFees(ctx context.Context) ([]uint64, error)
}

// EstimatorConfig tunes the estimator. Zero fields take defaults.
type EstimatorConfig struct {
	Ceiling uint64
	Default uint64
	Refresh time.Duration
	MaxAge  time.Duration // default 4x Refresh
}

func (c *EstimatorConfig) defaults() {
	if c.Ceiling == 0 {
		c.Ceiling = MaxPriorityFeeMicroLamports
	}
	if c.Default == 0 {
		c.Default = DefaultPriorityFeeMicroLamports
	}
	if c.Default > c.Ceiling {
		c.Default = c.Ceiling
	}
	if c.Refresh <= 0 {
		c.Refresh = 15 * time.Second
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 4 * c.Refresh
	}
}

// FeeStats is one percentile snapshot of recent fees.
type FeeStats struct {
	P50       uint64    `json:"p50_micro_lamports"`
	P75       uint64    `json:"p75_micro_lamports"`
	P90       uint64    `json:"p90_micro_lamports"`
	Samples   int       `json:"samples"`
	LastFetch time.Time `json:"last_fetch"`
}

// PriorityFeeEstimator keeps a rolling fee snapshot refreshed in the
// background. Readers never block on the refresh.
type PriorityFeeEstimator struct {
	source FeeSource
	config EstimatorConfig

	current atomic.Pointer[FeeStats]
	now     func() time.Time
}

// NewPriorityFeeEstimator creates an estimator over source.
func NewPriorityFeeEstimator(source FeeSource, config EstimatorConfig) *PriorityFeeEstimator {
	config.defaults()
	return &PriorityFeeEstimator{source: source, config: config, now: time.Now}
}

// Start refreshes the snapshot every Refresh interval until ctx is done.
func (e *PriorityFeeEstimator) Start(ctx context.Context) {
	e.Refresh(ctx)

	ticker := time.NewTicker(e.config.Refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Refresh(ctx)
		}
	}
}

// EstimateFee returns the compute-unit price in micro-lamports.
func (e *PriorityFeeEstimator) EstimateFee(congestion CongestionLevel) uint64 {
	fee := e.config.Default
	if s := e.current.Load(); s != nil && s.P75 > 0 && e.now().Sub(s.LastFetch) <= e.config.MaxAge {
		fee = s.P75
	}
	if congestion == CongestionHigh {
		fee *= 2
	}
	return min(fee, e.config.Ceiling)
}

// Stats returns the latest snapshot; the zero value before the first fetch.
func (e *PriorityFeeEstimator) Stats() FeeStats {
	if s := e.current.Load(); s != nil {
		return *s
	}
	return FeeStats{}
}

// Refresh fetches recent fees and replaces the snapshot. A failed or empty
// fetch keeps the previous one, which then ages out through MaxAge.
func (e *PriorityFeeEstimator) Refresh(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	values, err := e.source.RecentPrioritizationFees(fetchCtx)
	if err != nil {
		log.Debug().Err(err).Msg("priority_fees: fetch failed, keeping previous estimate")
		return
	}
	if len(values) == 0 {
		return
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)
	s := &FeeStats{
		P50:       percentile(sorted, 50),
		P75:       percentile(sorted, 75),
		P90:       percentile(sorted, 90),
		Samples:   len(sorted),
		LastFetch: e.now(),
	}
	e.current.Store(s)

	log.Debug().Uint64("p75", s.P75).Int("samples", s.Samples).Msg("priority_fees: estimate updated")
}

// percentile is the nearest-rank p-th percentile of sorted values.
func percentile(sorted []uint64, p int) uint64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := (p*n + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
