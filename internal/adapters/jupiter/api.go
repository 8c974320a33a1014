package jupiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/adapters"
)

// ---------------------------------------------------------------------------
// Jupiter V6 API Client: quote + swap endpoints, price API
// https://station.jup.ag/docs/apis/swap-api
// ---------------------------------------------------------------------------

const (
	DefaultQuoteURL = "https://quote-api.jup.ag/v6"
	DefaultPriceURL = "https://api.jup.ag/price/v2"

	// SOLMint is the wrapped SOL mint.
	SOLMint = "So11111111111111111111111111111111111111112"
	// USDCMint is the USDC mint on Solana.
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// ErrQuoteUnavailable wraps every failure to obtain a usable quote.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// Config configures the client.
type Config struct {
	QuoteURL      string
	PriceURL      string
	RatePerMinute int
	Timeout       time.Duration
	Retry         adapters.RetryPolicy
}

// APIClient is the Jupiter V6 API client.
type APIClient struct {
	api   *adapters.HTTPClient
	price *adapters.HTTPClient
	retry adapters.RetryPolicy

	quoteCount   atomic.Int64
	swapCount    atomic.Int64
	errorCount   atomic.Int64
	avgLatencyMs atomic.Int64
}

// NewAPIClient creates a new Jupiter API client.
func NewAPIClient(cfg Config) *APIClient {
	if cfg.QuoteURL == "" {
		cfg.QuoteURL = DefaultQuoteURL
	}
	if cfg.PriceURL == "" {
		cfg.PriceURL = DefaultPriceURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = adapters.DefaultRetryPolicy()
	}
	return &APIClient{
		api: adapters.NewHTTPClient(adapters.ClientConfig{
			Name:          "jupiter",
			BaseURL:       strings.TrimRight(cfg.QuoteURL, "/"),
			RatePerMinute: cfg.RatePerMinute,
			Timeout:       cfg.Timeout,
		}),
		price: adapters.NewHTTPClient(adapters.ClientConfig{
			Name:          "jupiter-price",
			BaseURL:       strings.TrimRight(cfg.PriceURL, "/"),
			RatePerMinute: cfg.RatePerMinute,
			Timeout:       cfg.Timeout,
		}),
		retry: cfg.Retry,
	}
}

// ---------------------------------------------------------------------------
// Quote API: best route for a swap
// ---------------------------------------------------------------------------

// QuoteRequest is an exact-input swap request.
type QuoteRequest struct {
	InputMint   string
	OutputMint  string
	Amount      uint64 // smallest unit (lamports, token base units)
	SlippageBps int
}

// QuoteResponse is the response from Jupiter /quote endpoint. It is passed
// back verbatim to /swap.
type QuoteResponse struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SwapMode             string `json:"swapMode"`
	PriceImpactPct       string `json:"priceImpactPct"`
	SlippageBps          int    `json:"slippageBps"`
	RoutePlan            []struct {
		Percent  int `json:"percent"`
		SwapInfo struct {
			AmmKey     string `json:"ammKey"`
			Label      string `json:"label"`
			InputMint  string `json:"inputMint"`
			OutputMint string `json:"outputMint"`
			InAmount   string `json:"inAmount"`
			OutAmount  string `json:"outAmount"`
			FeeAmount  string `json:"feeAmount"`
			FeeMint    string `json:"feeMint"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
	ContextSlot uint64  `json:"contextSlot"`
	TimeTaken   float64 `json:"timeTaken"`
}

// OutAmountUnits parses OutAmount.
func (q *QuoteResponse) OutAmountUnits() uint64 {
	v, _ := strconv.ParseUint(q.OutAmount, 10, 64)
	return v
}

// InAmountUnits parses InAmount.
func (q *QuoteResponse) InAmountUnits() uint64 {
	v, _ := strconv.ParseUint(q.InAmount, 10, 64)
	return v
}

// PriceImpact parses PriceImpactPct as a fraction.
func (q *QuoteResponse) PriceImpact() decimal.Decimal {
	d, err := decimal.NewFromString(q.PriceImpactPct)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// GetQuote fetches the best swap route, retrying rate limits and timeouts
// with exponential backoff.
func (c *APIClient) GetQuote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error) {
	if req.Amount == 0 {
		return nil, fmt.Errorf("jupiter: %w: amount must be positive", ErrQuoteUnavailable)
	}
	start := time.Now()

	q := url.Values{}
	q.Set("inputMint", req.InputMint)
	q.Set("outputMint", req.OutputMint)
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	q.Set("onlyDirectRoutes", "false")

	var quote QuoteResponse
	err := c.retry.Do(ctx, func(int) error {
		return c.api.GetJSON(ctx, "/quote", q, &quote)
	})
	if err != nil {
		c.errorCount.Add(1)
		return nil, fmt.Errorf("jupiter: %w: %w", ErrQuoteUnavailable, err)
	}
	if quote.InAmountUnits() == 0 || quote.OutAmountUnits() == 0 {
		c.errorCount.Add(1)
		return nil, fmt.Errorf("jupiter: %w: zero amount in route (mint=%s)", ErrQuoteUnavailable, req.OutputMint)
	}

	latency := time.Since(start).Milliseconds()
	c.quoteCount.Add(1)
	c.avgLatencyMs.Store(latency)

	log.Debug().
		Str("in", short(quote.InputMint)).
		Str("out", short(quote.OutputMint)).
		Str("in_amount", quote.InAmount).
		Str("out_amount", quote.OutAmount).
		Str("price_impact", quote.PriceImpactPct).
		Int64("latency_ms", latency).
		Msg("jupiter: quote received")

	return &quote, nil
}

// ---------------------------------------------------------------------------
// Swap API: build the swap transaction
// ---------------------------------------------------------------------------

// SwapRequest is the request to Jupiter /swap endpoint.
type SwapRequest struct {
	QuoteResponse                 json.RawMessage `json:"quoteResponse"`
	UserPublicKey                 string          `json:"userPublicKey"`
	WrapAndUnwrapSOL              bool            `json:"wrapAndUnwrapSol"`
	UseSharedAccounts             bool            `json:"useSharedAccounts"`
	ComputeUnitPriceMicroLamports uint64          `json:"computeUnitPriceMicroLamports,omitempty"`
	AsLegacyTransaction           bool            `json:"asLegacyTransaction"`
	DynamicComputeUnitLimit       bool            `json:"dynamicComputeUnitLimit"`
}

// SwapResponse is the response from Jupiter /swap endpoint.
type SwapResponse struct {
	SwapTransaction      string `json:"swapTransaction"` // base64 encoded transaction
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// BuildSwapTx builds an unsigned swap transaction for userPubkey.
func (c *APIClient) BuildSwapTx(ctx context.Context, quote *QuoteResponse, userPubkey string, priorityFeeMicroLamports uint64) (*SwapResponse, error) {
	quoteJSON, err := json.Marshal(quote)
	if err != nil {
		return nil, fmt.Errorf("jupiter: marshal quote: %w", err)
	}

	swapReq := SwapRequest{
		QuoteResponse:                 quoteJSON,
		UserPublicKey:                 userPubkey,
		WrapAndUnwrapSOL:              true,
		UseSharedAccounts:             true,
		ComputeUnitPriceMicroLamports: priorityFeeMicroLamports,
		DynamicComputeUnitLimit:       true,
	}

	var swapResp SwapResponse
	err = c.retry.Do(ctx, func(int) error {
		return c.api.PostJSON(ctx, "/swap", swapReq, &swapResp)
	})
	if err != nil {
		c.errorCount.Add(1)
		return nil, fmt.Errorf("jupiter: build swap: %w", err)
	}
	if swapResp.SwapTransaction == "" {
		c.errorCount.Add(1)
		return nil, errors.New("jupiter: empty swap transaction")
	}

	c.swapCount.Add(1)
	return &swapResp, nil
}

// ---------------------------------------------------------------------------
// Price API: current token price in USD
// ---------------------------------------------------------------------------

// PriceResponse is the response from the v2 price endpoint.
type PriceResponse struct {
	Data map[string]*struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Price string `json:"price"`
	} `json:"data"`
	TimeTaken float64 `json:"timeTaken"`
}

// GetPrice fetches the current USD price for a mint.
func (c *APIClient) GetPrice(ctx context.Context, mint string) (decimal.Decimal, error) {
	var priceResp PriceResponse
	if err := c.price.GetJSON(ctx, "", url.Values{"ids": {mint}}, &priceResp); err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: price: %w", err)
	}

	data, ok := priceResp.Data[mint]
	if !ok || data == nil {
		return decimal.Zero, fmt.Errorf("jupiter: price not found for %s", mint)
	}

	price, err := decimal.NewFromString(data.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: parse price: %w", err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("jupiter: zero/negative price for %s", mint)
	}
	return price, nil
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// APIStats returns Jupiter API client stats.
type APIStats struct {
	QuoteCount   int64 `json:"quote_count"`
	SwapCount    int64 `json:"swap_count"`
	ErrorCount   int64 `json:"error_count"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
	CircuitOpen  bool  `json:"circuit_open"`
}

func (c *APIClient) APIStats() APIStats {
	return APIStats{
		QuoteCount:   c.quoteCount.Load(),
		SwapCount:    c.swapCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyMs: c.avgLatencyMs.Load(),
		CircuitOpen:  c.api.Stats().CircuitOpen,
	}
}
