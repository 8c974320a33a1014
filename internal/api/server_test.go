package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/mirror/internal/audit"
	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/copytrade"
	"github.com/nexus-trading/mirror/internal/engine"
	"github.com/nexus-trading/mirror/internal/observability"
	"github.com/nexus-trading/mirror/internal/quality"
	"github.com/nexus-trading/mirror/internal/store"
)

type call struct {
	op      string
	user    string
	network chain.Network
	signal  engine.TradeSignal
	buy     engine.BuyRequest
	sell    engine.SellRequest
	raw     map[string]any
}

// fakeEngine records calls and returns next.
type fakeEngine struct {
	mu    sync.Mutex
	calls []call
	next  engine.Result
}

func (f *fakeEngine) record(c call) engine.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.next
}

func (f *fakeEngine) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeEngine) ProcessSignal(_ context.Context, sig engine.TradeSignal, userID string) engine.Result {
	return f.record(call{op: "signal", user: userID, signal: sig})
}

func (f *fakeEngine) ExecuteManualBuy(_ context.Context, req engine.BuyRequest) engine.Result {
	return f.record(call{op: "buy", buy: req})
}

func (f *fakeEngine) ForceBuy(_ context.Context, req engine.BuyRequest) engine.Result {
	return f.record(call{op: "force_buy", buy: req})
}

func (f *fakeEngine) ExecuteManualSell(_ context.Context, req engine.SellRequest) engine.Result {
	return f.record(call{op: "sell", sell: req})
}

func (f *fakeEngine) ExecutePanicSell(_ context.Context, userID string, network chain.Network) engine.Result {
	return f.record(call{op: "panic", user: userID, network: network})
}

func (f *fakeEngine) UpdateConfig(_ context.Context, userID string, raw map[string]any) engine.Result {
	return f.record(call{op: "config", user: userID, raw: raw})
}

func (f *fakeEngine) CurrentConfig() engine.ConfigView {
	return engine.ConfigView{Version: 7, Config: engine.DefaultTradingConfig()}
}

func (f *fakeEngine) GetPortfolioSummary(_ context.Context, userID string) engine.Result {
	return f.record(call{op: "portfolio", user: userID})
}

func (f *fakeEngine) GetTradingStats() engine.Result {
	return f.record(call{op: "stats"})
}

type fixture struct {
	eng     *fakeEngine
	store   *store.Memory
	wallets *copytrade.Tracker
	trail   *audit.Trail
	health  *observability.HealthMonitor
	quality *quality.Monitor
	handler http.Handler
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	f := &fixture{
		eng:     &fakeEngine{next: engine.Result{Success: true, Action: engine.ActionBought, TraceID: "trace-1"}},
		store:   store.NewMemory(),
		wallets: copytrade.NewTracker(copytrade.DefaultConfig()),
		trail:   audit.NewTrail(100),
		health:  observability.NewHealthMonitor(time.Second),
		quality: quality.NewMonitor(time.Minute, 0),
	}
	f.handler = New(Config{Token: token}, Deps{
		Engine:  f.eng,
		Store:   f.store,
		Wallets: f.wallets,
		Trail:   f.trail,
		Health:  f.health,
		Quality: f.quality,
	}).Handler()
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "secret")
	f.health.Register("store", observability.StaleTradesCheck(f.store, time.Minute))

	w := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeBody(t, w)["status"])

	f.health.Register("broken", func(context.Context) observability.ComponentHealth {
		return observability.ComponentHealth{Status: observability.StatusUnhealthy}
	})
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/health", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "secret")
	w := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAuth(t *testing.T) {
	f := newFixture(t, "secret")
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/stats", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/stats", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/stats", "", "Authorization", "Bearer secret").Code)

	open := newFixture(t, "")
	assert.Equal(t, http.StatusOK, open.do(http.MethodGet, "/v1/stats", "").Code)
}

func TestPostSignal(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodPost, "/v1/signals",
		`{"user_id":"alice","source_wallet":"0xw","token":"0xt","action":"buy","amount":"1000","network":"bsc","confidence":0.7}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trace-1", decodeBody(t, w)["trace_id"])

	c := f.eng.last()
	assert.Equal(t, "signal", c.op)
	assert.Equal(t, "alice", c.user)
	assert.Equal(t, chain.BSC, c.signal.Network)
	assert.True(t, c.signal.Amount.Equal(decimal.NewFromInt(1000)))
	assert.False(t, c.signal.Timestamp.IsZero())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/signals", `{"amount":`).Code)
}

func TestResultStatusMapping(t *testing.T) {
	cases := []struct {
		reason engine.Reason
		code   int
	}{
		{engine.ReasonInvalidRequest, http.StatusBadRequest},
		{engine.ReasonUnsupportedNetwork, http.StatusBadRequest},
		{engine.ReasonNoPosition, http.StatusNotFound},
		{engine.ReasonBlockedByRisk, http.StatusUnprocessableEntity},
		{engine.ReasonBlockedBySafeMode, http.StatusUnprocessableEntity},
		{engine.ReasonExecutionFailed, http.StatusBadGateway},
		{engine.ReasonInternalError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			f := newFixture(t, "")
			f.eng.next = engine.Result{Reason: tc.reason, Action: engine.ActionBlocked}
			w := f.do(http.MethodPost, "/v1/trades/buy", `{"user_id":"u","network":"bsc","token":"0xt","amount_usd":10}`)
			assert.Equal(t, tc.code, w.Code)
			assert.Equal(t, string(tc.reason), decodeBody(t, w)["reason"])
		})
	}
}

func TestTradeRoutes(t *testing.T) {
	f := newFixture(t, "")

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/trades/buy",
		`{"user_id":"u","network":"bsc","token":"0xt","amount_usd":"25.5","dry_run":true}`).Code)
	c := f.eng.last()
	assert.Equal(t, "buy", c.op)
	assert.True(t, c.buy.AmountUSD.Equal(decimal.RequireFromString("25.5")))
	assert.True(t, c.buy.DryRun)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/trades/force-buy",
		`{"user_id":"u","network":"bsc","token":"0xt","amount_usd":10}`).Code)
	assert.Equal(t, "force_buy", f.eng.last().op)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/trades/sell",
		`{"user_id":"u","network":"solana","token":"mint"}`).Code)
	c = f.eng.last()
	assert.Equal(t, "sell", c.op)
	assert.Nil(t, c.sell.Amount, "omitted amount sells everything")

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/trades/sell",
		`{"user_id":"u","network":"solana","token":"mint","amount":"12"}`).Code)
	require.NotNil(t, f.eng.last().sell.Amount)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/trades/panic-sell", `{"user_id":"u","network":"BSC"}`).Code)
	c = f.eng.last()
	assert.Equal(t, "panic", c.op)
	assert.Equal(t, chain.BSC, c.network)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/trades/panic-sell", `{}`).Code)
}

func TestPortfolioAndStats(t *testing.T) {
	f := newFixture(t, "")
	f.eng.next = engine.Result{Success: true, Data: engine.PortfolioSummary{UserID: "bob"}}

	w := f.do(http.MethodGet, "/v1/users/bob/portfolio", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", f.eng.last().user)
	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "bob", data["user_id"])

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/stats", "").Code)
	assert.Equal(t, "stats", f.eng.last().op)
}

func TestConfigRoutes(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(http.MethodGet, "/v1/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(7), body["version"])
	assert.Equal(t, true, body["config"].(map[string]any)["safe_mode"])

	f.eng.next = engine.Result{Success: true, Action: engine.ActionConfigUpdated}
	w = f.do(http.MethodPatch, "/v1/config", `{"max_slippage":0.03,"safe_mode":false}`, "X-User-ID", "ops")
	require.Equal(t, http.StatusOK, w.Code)
	c := f.eng.last()
	assert.Equal(t, "ops", c.user)
	assert.Equal(t, json.Number("0.03"), c.raw["max_slippage"], "numbers keep their precision")
	assert.Equal(t, false, c.raw["safe_mode"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPatch, "/v1/config", `[1,2]`).Code)
}

func TestTradeHistoryRoutes(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	now := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.store.Create(ctx, &store.TradeRecord{
			ID: id, UserID: "u1", Network: "bsc", CreatedAt: now.Add(-time.Duration(3-i) * time.Hour),
		}))
	}

	w := f.do(http.MethodGet, "/v1/users/u1/trades?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["count"])
	first := body["trades"].([]any)[0].(map[string]any)
	assert.Equal(t, "c", first["id"], "newest first")

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/users/u1/trades?limit=abc", "").Code)

	w = f.do(http.MethodGet, "/v1/trades/stale?older_than=150m", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/trades/stale?older_than=soon", "").Code)
}

func TestWalletRoutes(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(http.MethodPost, "/v1/wallets", `{"address":"0xAbC","label":"whale"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "whale", decodeBody(t, w)["label"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/wallets", `{"label":"x"}`).Code)

	w = f.do(http.MethodGet, "/v1/wallets/0xabc", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "UNPROVEN", decodeBody(t, w)["tier"])

	w = f.do(http.MethodGet, "/v1/wallets", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["wallets"], 1)

	f.wallets.RecordSignal(copytrade.SignalEvent{Wallet: "0xabc", Token: "0xt", Action: "buy", Timestamp: time.Now()})
	w = f.do(http.MethodGet, "/v1/signals/recent?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/v1/wallets/0xABC", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/wallets/0xabc", "").Code)
}

func TestAuditRoutes(t *testing.T) {
	f := newFixture(t, "")
	f.trail.Record("t-1", audit.EventSignal, audit.Scope{UserID: "u1", Network: "bsc", Token: "0xt"}, "received", map[string]any{"a": 1})
	f.trail.Record("t-1", audit.EventRiskCheck, audit.Scope{UserID: "u1"}, "safe", nil)
	f.trail.Record("t-2", audit.EventSignal, audit.Scope{UserID: "u2"}, "received", nil)

	w := f.do(http.MethodGet, "/v1/audit/t-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["count"])
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/audit/missing", "").Code)

	w = f.do(http.MethodGet, "/v1/users/u1/audit?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decodeBody(t, w)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "risk_check", entries[0].(map[string]any)["event_type"])
}

func TestSignalQuality(t *testing.T) {
	f := newFixture(t, "")
	f.quality.Record("bsc", "0xW", time.Now())
	f.quality.Record("bsc", "0xw", time.Now().Add(-2*time.Minute))

	w := f.do(http.MethodGet, "/v1/signals/quality", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	summary := body["summary"].(map[string]any)
	assert.Equal(t, float64(1), summary["sources"])
	assert.Equal(t, float64(2), summary["signals"])
	assert.Equal(t, float64(1), summary["late"])
	assert.Contains(t, body["sources"], "bsc.0xw")
}

func TestMissingOptionalDeps(t *testing.T) {
	h := New(Config{}, Deps{Engine: &fakeEngine{}}).Handler()
	for _, path := range []string{"/v1/users/u/trades", "/v1/trades/stale", "/v1/wallets", "/v1/audit/x", "/v1/signals/quality"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
