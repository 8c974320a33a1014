package solana

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFees struct {
	values []uint64
	err    error
}

func (s staticFees) RecentPrioritizationFees(context.Context) ([]uint64, error) {
	return s.values, s.err
}

var tenFees = []uint64{1000, 100, 900, 200, 800, 300, 700, 400, 600, 500}

func TestPercentile_NearestRank(t *testing.T) {
	sorted := []uint64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}
	assert.Equal(t, uint64(500), percentile(sorted, 50))
	assert.Equal(t, uint64(800), percentile(sorted, 75))
	assert.Equal(t, uint64(900), percentile(sorted, 90))
	assert.Equal(t, uint64(1000), percentile(sorted, 100))
	assert.Zero(t, percentile(nil, 50))
	assert.Equal(t, uint64(7), percentile([]uint64{7}, 75))
}

func TestEstimateFee_DefaultsWithoutData(t *testing.T) {
	e := NewPriorityFeeEstimator(staticFees{}, EstimatorConfig{})
	assert.Equal(t, uint64(DefaultPriorityFeeMicroLamports), e.EstimateFee(CongestionNormal))
	assert.Equal(t, uint64(2*DefaultPriorityFeeMicroLamports), e.EstimateFee(CongestionHigh))
	assert.Zero(t, e.Stats().Samples)
}

func TestRefresh_UsesP75AndDoublesUnderCongestion(t *testing.T) {
	e := NewPriorityFeeEstimator(staticFees{values: tenFees}, EstimatorConfig{})
	e.Refresh(context.Background())

	s := e.Stats()
	assert.Equal(t, uint64(500), s.P50)
	assert.Equal(t, uint64(800), s.P75)
	assert.Equal(t, uint64(900), s.P90)
	assert.Equal(t, 10, s.Samples)
	assert.False(t, s.LastFetch.IsZero())

	assert.Equal(t, uint64(800), e.EstimateFee(CongestionNormal))
	assert.Equal(t, uint64(1600), e.EstimateFee(CongestionHigh))
	assert.Equal(t, uint64(1000), tenFees[0], "input slice is not reordered")
}

func TestEstimateFee_Ceiling(t *testing.T) {
	e := NewPriorityFeeEstimator(staticFees{values: tenFees}, EstimatorConfig{Ceiling: 750})
	e.Refresh(context.Background())
	assert.Equal(t, uint64(750), e.EstimateFee(CongestionNormal))
	assert.Equal(t, uint64(750), e.EstimateFee(CongestionHigh))

	// The default never exceeds a low ceiling either.
	low := NewPriorityFeeEstimator(staticFees{}, EstimatorConfig{Ceiling: 500})
	assert.Equal(t, uint64(500), low.EstimateFee(CongestionNormal))
}

func TestEstimateFee_StaleSnapshotFallsBack(t *testing.T) {
	e := NewPriorityFeeEstimator(staticFees{values: tenFees}, EstimatorConfig{Refresh: time.Second})
	now := time.Now()
	e.now = func() time.Time { return now }
	e.Refresh(context.Background())
	require.Equal(t, uint64(800), e.EstimateFee(CongestionNormal))

	now = now.Add(5 * time.Second)
	assert.Equal(t, uint64(DefaultPriorityFeeMicroLamports), e.EstimateFee(CongestionNormal))
}

func TestRefresh_FailureKeepsEstimate(t *testing.T) {
	src := &staticFees{values: tenFees}
	e := NewPriorityFeeEstimator(src, EstimatorConfig{})
	e.Refresh(context.Background())

	src.err = errors.New("node down")
	e.Refresh(context.Background())
	assert.Equal(t, uint64(800), e.EstimateFee(CongestionNormal))

	src.err, src.values = nil, nil
	e.Refresh(context.Background())
	assert.Equal(t, 10, e.Stats().Samples)
}

func TestStart_ReturnsOnCancel(t *testing.T) {
	e := NewPriorityFeeEstimator(staticFees{values: tenFees}, EstimatorConfig{Refresh: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return e.Stats().Samples == 10 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
