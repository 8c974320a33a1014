package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Kind names an alert.
type Kind string

const (
	KindBuySignal     Kind = "buy_signal"
	KindTradeBlocked  Kind = "trade_blocked"
	KindTradeExecuted Kind = "trade_executed"
	KindTradeFailed   Kind = "trade_failed"
	KindPanicSell     Kind = "panic_sell"
)

// Notifier delivers alerts to users. SendAlert is fire-and-forget: it never
// blocks on delivery and failures are logged, not returned.
type Notifier interface {
	SendAlert(ctx context.Context, kind Kind, payload map[string]any, userID string)
}

// ---------------------------------------------------------------------------
// Log sink
// ---------------------------------------------------------------------------

// Log writes alerts to the structured log.
type Log struct{}

func (Log) SendAlert(_ context.Context, kind Kind, payload map[string]any, userID string) {
	log.Info().
		Str("kind", string(kind)).
		Str("user", userID).
		Fields(payload).
		Msg("notify: alert")
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// Multi sends every alert to each notifier in order.
type Multi []Notifier

func (m Multi) SendAlert(ctx context.Context, kind Kind, payload map[string]any, userID string) {
	for _, n := range m {
		n.SendAlert(ctx, kind, payload, userID)
	}
}

// Format renders an alert as plain text, payload keys sorted.
func Format(kind Kind, payload map[string]any) string {
	var b strings.Builder
	b.WriteString(title(kind))
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, payload[k])
	}
	return b.String()
}

func title(kind Kind) string {
	switch kind {
	case KindBuySignal:
		return "BUY SIGNAL"
	case KindTradeBlocked:
		return "TRADE BLOCKED"
	case KindTradeExecuted:
		return "TRADE EXECUTED"
	case KindTradeFailed:
		return "TRADE FAILED"
	case KindPanicSell:
		return "PANIC SELL"
	default:
		return strings.ToUpper(string(kind))
	}
}
