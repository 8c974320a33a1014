package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-trading/mirror/internal/feed"
	"github.com/nexus-trading/mirror/internal/quality"
	"github.com/nexus-trading/mirror/internal/store"
)

// StaleTradesCheck is degraded while trade records sit in preparing longer
// than olderThan, which means a broadcast may have happened without a
// recorded outcome. A store error is unhealthy.
func StaleTradesCheck(st store.Store, olderThan time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		stale, err := st.ListStale(ctx, olderThan)
		if err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		if len(stale) > 0 {
			ids := make([]string, 0, len(stale))
			for _, r := range stale {
				ids = append(ids, r.ID)
			}
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d trade records awaiting reconciliation", len(stale)),
				Details: map[string]any{"ids": ids},
			}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// FeedCheck is degraded while the signal feed is disconnected.
func FeedCheck(stats func() feed.Stats) HealthCheck {
	return func(context.Context) ComponentHealth {
		s := stats()
		h := ComponentHealth{
			Status: StatusHealthy,
			Details: map[string]any{
				"received":   s.Received,
				"reconnects": s.Reconnects,
			},
		}
		if !s.Connected {
			h.Status = StatusDegraded
			h.Message = "signal feed disconnected"
		}
		return h
	}
}

// SignalQualityCheck degrades when the feed has gone silent.
func SignalQualityCheck(m *quality.Monitor) HealthCheck {
	return func(context.Context) ComponentHealth {
		s := m.Summary()
		h := ComponentHealth{
			Status: StatusHealthy,
			Details: map[string]any{
				"sources": s.Sources,
				"signals": s.Signals,
				"late":    s.Late,
			},
		}
		if s.Stale {
			h.Status = StatusDegraded
			h.Message = "no signals since " + s.LastEvent.UTC().Format(time.RFC3339)
		}
		return h
	}
}
