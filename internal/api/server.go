package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/mirror/internal/audit"
	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/copytrade"
	"github.com/nexus-trading/mirror/internal/engine"
	"github.com/nexus-trading/mirror/internal/observability"
	"github.com/nexus-trading/mirror/internal/quality"
	"github.com/nexus-trading/mirror/internal/store"
)

// Engine is the set of engine operations served over HTTP.
type Engine interface {
	ProcessSignal(ctx context.Context, sig engine.TradeSignal, userID string) engine.Result
	ExecuteManualBuy(ctx context.Context, req engine.BuyRequest) engine.Result
	ForceBuy(ctx context.Context, req engine.BuyRequest) engine.Result
	ExecuteManualSell(ctx context.Context, req engine.SellRequest) engine.Result
	ExecutePanicSell(ctx context.Context, userID string, network chain.Network) engine.Result
	UpdateConfig(ctx context.Context, userID string, raw map[string]any) engine.Result
	CurrentConfig() engine.ConfigView
	GetPortfolioSummary(ctx context.Context, userID string) engine.Result
	GetTradingStats() engine.Result
}

// Deps are the components behind the API. Only Engine is required.
type Deps struct {
	Engine  Engine
	Store   store.Store
	Wallets *copytrade.Tracker
	Trail   *audit.Trail
	Health  *observability.HealthMonitor
	Quality *quality.Monitor
}

// Config configures the server.
type Config struct {
	Listen string
	// Token, when set, guards /v1 with a bearer token.
	Token      string
	StaleAfter time.Duration
	// LogAll logs every request; otherwise only 4xx/5xx are logged.
	LogAll bool
}

// Server is the HTTP control surface of the daemon.
type Server struct {
	cfg    Config
	deps   Deps
	router *gin.Engine
}

// New builds the router.
func New(cfg Config, deps Deps) *Server {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{cfg: cfg, deps: deps, router: gin.New()}
	s.router.Use(gin.Recovery(), requestLogger(cfg.LogAll))
	s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(s.auth())
	{
		v1.POST("/signals", s.postSignal)

		v1.POST("/trades/buy", s.manualBuy)
		v1.POST("/trades/force-buy", s.forceBuy)
		v1.POST("/trades/sell", s.manualSell)
		v1.POST("/trades/panic-sell", s.panicSell)
		v1.GET("/trades/stale", s.staleTrades)

		v1.GET("/users/:user/portfolio", s.portfolio)
		v1.GET("/users/:user/trades", s.userTrades)
		v1.GET("/users/:user/audit", s.userAudit)

		v1.GET("/stats", s.stats)

		v1.GET("/config", s.getConfig)
		v1.PATCH("/config", s.patchConfig)

		v1.GET("/wallets", s.listWallets)
		v1.POST("/wallets", s.addWallet)
		v1.GET("/wallets/:address", s.getWallet)
		v1.DELETE("/wallets/:address", s.removeWallet)
		v1.GET("/signals/recent", s.recentSignals)
		v1.GET("/signals/quality", s.signalQuality)

		v1.GET("/audit/:trace", s.auditTrace)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Listen).Msg("api: listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("api: stopped")
	return nil
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLogger(logAll bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		if !logAll && status < 400 {
			return
		}
		ev := log.Info()
		if status >= 500 {
			ev = log.Error()
		} else if status >= 400 {
			ev = log.Warn()
		}
		ev.Int("status", status).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Str("errors", c.Errors.ByType(gin.ErrorTypePrivate).String()).
			Msg("api: request")
	}
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// statusFor maps an engine result to an HTTP status. Policy rejections are
// 422 so clients can tell them from malformed requests.
func statusFor(res engine.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Reason {
	case engine.ReasonInvalidRequest, engine.ReasonUnknownAction, engine.ReasonUnsupportedNetwork:
		return http.StatusBadRequest
	case engine.ReasonNoPosition:
		return http.StatusNotFound
	case engine.ReasonExecutionFailed:
		return http.StatusBadGateway
	case engine.ReasonInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func respond(c *gin.Context, res engine.Result) {
	c.JSON(statusFor(res), res)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}
