package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/engine"
	"github.com/nexus-trading/mirror/internal/observability"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (s *Server) health(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": observability.StatusHealthy})
		return
	}
	h := s.deps.Health.Check(c.Request.Context())
	code := http.StatusOK
	if h.Status == observability.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

type signalRequest struct {
	engine.TradeSignal
	UserID string `json:"user_id"`
}

func (s *Server) postSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	respond(c, s.deps.Engine.ProcessSignal(c.Request.Context(), req.TradeSignal, req.UserID))
}

func (s *Server) manualBuy(c *gin.Context) {
	var req engine.BuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	respond(c, s.deps.Engine.ExecuteManualBuy(c.Request.Context(), req))
}

func (s *Server) forceBuy(c *gin.Context) {
	var req engine.BuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	respond(c, s.deps.Engine.ForceBuy(c.Request.Context(), req))
}

func (s *Server) manualSell(c *gin.Context) {
	var req engine.SellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	respond(c, s.deps.Engine.ExecuteManualSell(c.Request.Context(), req))
}

type panicSellRequest struct {
	UserID  string        `json:"user_id"`
	Network chain.Network `json:"network"` // empty = every network
}

func (s *Server) panicSell(c *gin.Context) {
	var req panicSellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.UserID == "" {
		badRequest(c, errors.New("user_id is required"))
		return
	}
	respond(c, s.deps.Engine.ExecutePanicSell(c.Request.Context(), req.UserID, chain.Network(strings.ToLower(string(req.Network)))))
}

// ---------------------------------------------------------------------------
// Reporting
// ---------------------------------------------------------------------------

func (s *Server) portfolio(c *gin.Context) {
	respond(c, s.deps.Engine.GetPortfolioSummary(c.Request.Context(), c.Param("user")))
}

func (s *Server) stats(c *gin.Context) {
	respond(c, s.deps.Engine.GetTradingStats())
}

func (s *Server) userTrades(c *gin.Context) {
	if s.deps.Store == nil {
		unavailable(c, "trade store")
		return
	}
	limit, err := limitParam(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	recs, err := s.deps.Store.QueryTradesByUser(c.Request.Context(), c.Param("user"), limit)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query trades failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": recs, "count": len(recs)})
}

func (s *Server) staleTrades(c *gin.Context) {
	if s.deps.Store == nil {
		unavailable(c, "trade store")
		return
	}
	olderThan := s.cfg.StaleAfter
	if v := c.Query("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			badRequest(c, fmt.Errorf("older_than: invalid duration %q", v))
			return
		}
		olderThan = d
	}
	recs, err := s.deps.Store.ListStale(c.Request.Context(), olderThan)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list stale trades failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": recs, "count": len(recs), "older_than": olderThan.String()})
}

func (s *Server) userAudit(c *gin.Context) {
	if s.deps.Trail == nil {
		unavailable(c, "audit trail")
		return
	}
	limit, err := limitParam(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	entries := s.deps.Trail.ByUser(c.Param("user"), limit)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) auditTrace(c *gin.Context) {
	if s.deps.Trail == nil {
		unavailable(c, "audit trail")
		return
	}
	entries := s.deps.Trail.Query(c.Param("trace"))
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Engine.CurrentConfig())
}

func (s *Server) patchConfig(c *gin.Context) {
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		badRequest(c, fmt.Errorf("decode config update: %w", err))
		return
	}
	user := c.GetHeader("X-User-ID")
	if user == "" {
		user = "api"
	}
	respond(c, s.deps.Engine.UpdateConfig(c.Request.Context(), user, raw))
}

// ---------------------------------------------------------------------------
// Source wallets
// ---------------------------------------------------------------------------

func (s *Server) listWallets(c *gin.Context) {
	if s.deps.Wallets == nil {
		unavailable(c, "wallet tracker")
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": s.deps.Wallets.Wallets(), "stats": s.deps.Wallets.Stats()})
}

type addWalletRequest struct {
	Address string `json:"address" binding:"required"`
	Label   string `json:"label"`
}

func (s *Server) addWallet(c *gin.Context) {
	if s.deps.Wallets == nil {
		unavailable(c, "wallet tracker")
		return
	}
	var req addWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.deps.Wallets.AddWallet(req.Address, req.Label)
	w, ok := s.deps.Wallets.Wallet(req.Address)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "wallet capacity reached"})
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) getWallet(c *gin.Context) {
	if s.deps.Wallets == nil {
		unavailable(c, "wallet tracker")
		return
	}
	w, ok := s.deps.Wallets.Wallet(c.Param("address"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet not tracked"})
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) removeWallet(c *gin.Context) {
	if s.deps.Wallets == nil {
		unavailable(c, "wallet tracker")
		return
	}
	s.deps.Wallets.RemoveWallet(c.Param("address"))
	c.Status(http.StatusNoContent)
}

func (s *Server) recentSignals(c *gin.Context) {
	if s.deps.Wallets == nil {
		unavailable(c, "wallet tracker")
		return
	}
	limit, err := limitParam(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	signals := s.deps.Wallets.Recent(limit)
	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

func (s *Server) signalQuality(c *gin.Context) {
	if s.deps.Quality == nil {
		unavailable(c, "signal quality monitor")
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": s.deps.Quality.Summary(), "sources": s.deps.Quality.Snapshot()})
}

func limitParam(c *gin.Context) (int, error) {
	v := c.Query("limit")
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit: want a positive integer, got %q", v)
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}
