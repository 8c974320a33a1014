package zerox

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/adapters"
	"github.com/nexus-trading/mirror/internal/chain"
)

// ---------------------------------------------------------------------------
// 0x swap API client: GET /swap/v1/quote
// ---------------------------------------------------------------------------

const highGasWarning = 500_000

// ErrQuoteUnavailable wraps every failure to obtain a usable quote.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// Config configures a per-network client.
type Config struct {
	BaseURL       string
	APIKey        string
	RatePerMinute int
	Timeout       time.Duration
	WrappedNative string
	Retry         adapters.RetryPolicy
}

// Client fetches swap quotes for one EVM network.
type Client struct {
	http          *adapters.HTTPClient
	wrappedNative string
	retry         adapters.RetryPolicy

	quotes   atomic.Int64
	attempts atomic.Int64
	failures atomic.Int64
}

// New creates a 0x client.
func New(cfg Config) *Client {
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["0x-api-key"] = cfg.APIKey
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = adapters.DefaultRetryPolicy()
	}
	return &Client{
		http: adapters.NewHTTPClient(adapters.ClientConfig{
			Name:          "zerox",
			BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
			Headers:       headers,
			RatePerMinute: cfg.RatePerMinute,
			Timeout:       cfg.Timeout,
		}),
		wrappedNative: cfg.WrappedNative,
		retry:         cfg.Retry,
	}
}

// QuoteRequest describes an exact-input swap.
type QuoteRequest struct {
	SellToken    string
	BuyToken     string
	SellAmount   *big.Int // smallest unit
	Slippage     decimal.Decimal
	TakerAddress string
}

// Source is one liquidity source's share of the route.
type Source struct {
	Name       string `json:"name"`
	Proportion string `json:"proportion"`
}

type quoteResponse struct {
	Price           string   `json:"price"`
	GuaranteedPrice string   `json:"guaranteedPrice"`
	To              string   `json:"to"`
	Data            string   `json:"data"`
	Value           string   `json:"value"`
	Gas             string   `json:"gas"`
	EstimatedGas    string   `json:"estimatedGas"`
	GasPrice        string   `json:"gasPrice"`
	ProtocolFee     string   `json:"protocolFee"`
	BuyAmount       string   `json:"buyAmount"`
	SellAmount      string   `json:"sellAmount"`
	AllowanceTarget string   `json:"allowanceTarget"`
	Sources         []Source `json:"sources"`
}

// Quote is a ready-to-sign swap. It is valid only for the current
// execution attempt.
type Quote struct {
	SellToken       string
	BuyToken        string
	Price           decimal.Decimal
	SellAmount      *big.Int
	BuyAmount       *big.Int
	EstimatedGas    uint64
	GasPrice        *big.Int
	To              string
	Data            string
	Value           *big.Int
	AllowanceTarget string
	Sources         []Source
	FetchedAt       time.Time
}

// GetQuote fetches a quote, retrying rate limits and timeouts with
// exponential backoff. The native placeholder is replaced with the wrapped
// native token before the request.
func (c *Client) GetQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if req.SellAmount == nil || req.SellAmount.Sign() <= 0 {
		return nil, fmt.Errorf("zerox: %w: sell amount must be positive", ErrQuoteUnavailable)
	}

	sellToken := c.resolve(req.SellToken)
	buyToken := c.resolve(req.BuyToken)

	q := url.Values{}
	q.Set("sellToken", sellToken)
	q.Set("buyToken", buyToken)
	q.Set("sellAmount", req.SellAmount.String())
	q.Set("slippagePercentage", req.Slippage.String())
	if req.TakerAddress != "" {
		q.Set("takerAddress", req.TakerAddress)
	}

	var raw quoteResponse
	err := c.retry.Do(ctx, func(attempt int) error {
		c.attempts.Add(1)
		if attempt > 0 {
			log.Debug().Int("attempt", attempt+1).Str("buy", buyToken).Msg("zerox: retrying quote")
		}
		return c.http.GetJSON(ctx, "/swap/v1/quote", q, &raw)
	})
	if err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("zerox: %w: %w", ErrQuoteUnavailable, err)
	}

	quote, err := parseQuote(raw)
	if err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("zerox: %w: %w", ErrQuoteUnavailable, err)
	}
	quote.SellToken = sellToken
	quote.BuyToken = buyToken
	c.quotes.Add(1)

	if quote.EstimatedGas > highGasWarning {
		log.Warn().Uint64("gas", quote.EstimatedGas).Str("buy", buyToken).Msg("zerox: unusually high gas estimate")
	}
	log.Debug().
		Str("sell", sellToken).
		Str("buy", buyToken).
		Str("sell_amount", quote.SellAmount.String()).
		Str("buy_amount", quote.BuyAmount.String()).
		Str("price", quote.Price.String()).
		Msg("zerox: quote received")
	return quote, nil
}

func (c *Client) resolve(token string) string {
	if strings.EqualFold(token, chain.NativePlaceholder) && c.wrappedNative != "" {
		return c.wrappedNative
	}
	return token
}

func parseQuote(r quoteResponse) (*Quote, error) {
	sell, ok := new(big.Int).SetString(r.SellAmount, 10)
	if !ok || sell.Sign() <= 0 {
		return nil, fmt.Errorf("invalid sellAmount %q", r.SellAmount)
	}
	buy, ok := new(big.Int).SetString(r.BuyAmount, 10)
	if !ok || buy.Sign() <= 0 {
		return nil, fmt.Errorf("invalid buyAmount %q", r.BuyAmount)
	}
	if r.To == "" || r.Data == "" {
		return nil, errors.New("quote missing transaction target")
	}

	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		price = decimal.Zero
	}
	gasField := r.EstimatedGas
	if gasField == "" {
		gasField = r.Gas
	}
	gas, _ := strconv.ParseUint(gasField, 10, 64)

	value := big.NewInt(0)
	if r.Value != "" {
		if v, ok := new(big.Int).SetString(r.Value, 10); ok {
			value = v
		}
	}
	var gasPrice *big.Int
	if r.GasPrice != "" {
		if v, ok := new(big.Int).SetString(r.GasPrice, 10); ok {
			gasPrice = v
		}
	}

	return &Quote{
		Price:           price,
		SellAmount:      sell,
		BuyAmount:       buy,
		EstimatedGas:    gas,
		GasPrice:        gasPrice,
		To:              r.To,
		Data:            r.Data,
		Value:           value,
		AllowanceTarget: r.AllowanceTarget,
		Sources:         r.Sources,
		FetchedAt:       time.Now(),
	}, nil
}

// Stats are quote counters.
type Stats struct {
	Quotes   int64          `json:"quotes"`
	Attempts int64          `json:"attempts"`
	Failures int64          `json:"failures"`
	HTTP     adapters.Stats `json:"http"`
}

func (c *Client) Stats() Stats {
	return Stats{
		Quotes:   c.quotes.Load(),
		Attempts: c.attempts.Load(),
		Failures: c.failures.Load(),
		HTTP:     c.http.Stats(),
	}
}
