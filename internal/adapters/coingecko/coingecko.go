package coingecko

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/adapters"
	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/risk"
)

// DefaultBaseURL is the public CoinGecko API.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// Config configures the client.
type Config struct {
	BaseURL       string
	APIKey        string
	RatePerMinute int
}

// Client is a CoinGecko market-data client. It implements
// risk.MarketProvider and serves native and token USD prices.
type Client struct {
	http *adapters.HTTPClient
}

// New creates a CoinGecko client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["x-cg-demo-api-key"] = cfg.APIKey
	}
	return &Client{http: adapters.NewHTTPClient(adapters.ClientConfig{
		Name:          "coingecko",
		BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		Headers:       headers,
		RatePerMinute: cfg.RatePerMinute,
	})}
}

var platforms = map[chain.Network]string{
	chain.Ethereum: "ethereum",
	chain.BSC:      "binance-smart-chain",
	chain.Solana:   "solana",
}

var nativeIDs = map[chain.Network]string{
	chain.Ethereum: "ethereum",
	chain.BSC:      "binancecoin",
	chain.Solana:   "solana",
}

type usdValue struct {
	USD *float64 `json:"usd"`
}

type coinResponse struct {
	ID         string `json:"id"`
	Symbol     string `json:"symbol"`
	MarketData struct {
		CurrentPrice             usdValue `json:"current_price"`
		MarketCap                usdValue `json:"market_cap"`
		TotalVolume              usdValue `json:"total_volume"`
		PriceChangePercentage24h *float64 `json:"price_change_percentage_24h"`
	} `json:"market_data"`
}

// TokenMarket implements risk.MarketProvider.
func (c *Client) TokenMarket(ctx context.Context, network chain.Network, token string) (risk.MarketSnapshot, error) {
	platform, ok := platforms[network]
	if !ok {
		return risk.MarketSnapshot{}, fmt.Errorf("coingecko: unsupported network %q", network)
	}

	var resp coinResponse
	path := fmt.Sprintf("/coins/%s/contract/%s", platform, url.PathEscape(token))
	if err := c.http.GetJSON(ctx, path, nil, &resp); err != nil {
		return risk.MarketSnapshot{}, err
	}

	md := resp.MarketData
	return risk.MarketSnapshot{
		PriceUSD:          nullable(md.CurrentPrice.USD),
		MarketCapUSD:      nullable(md.MarketCap.USD),
		Volume24hUSD:      nullable(md.TotalVolume.USD),
		PriceChange24hPct: nullable(md.PriceChangePercentage24h),
	}, nil
}

// NativePriceUSD returns the USD price of the network's native asset.
func (c *Client) NativePriceUSD(ctx context.Context, network chain.Network) (decimal.Decimal, error) {
	id, ok := nativeIDs[network]
	if !ok {
		return decimal.Zero, fmt.Errorf("coingecko: unsupported network %q", network)
	}

	var resp map[string]usdValue
	q := url.Values{"ids": {id}, "vs_currencies": {"usd"}}
	if err := c.http.GetJSON(ctx, "/simple/price", q, &resp); err != nil {
		return decimal.Zero, err
	}
	return positive(resp[id].USD, id)
}

// TokenPriceUSD returns the USD price of a token contract.
func (c *Client) TokenPriceUSD(ctx context.Context, network chain.Network, token string) (decimal.Decimal, error) {
	platform, ok := platforms[network]
	if !ok {
		return decimal.Zero, fmt.Errorf("coingecko: unsupported network %q", network)
	}

	var resp map[string]usdValue
	q := url.Values{"contract_addresses": {token}, "vs_currencies": {"usd"}}
	if err := c.http.GetJSON(ctx, "/simple/token_price/"+platform, q, &resp); err != nil {
		return decimal.Zero, err
	}
	v, ok := resp[token]
	if !ok {
		v = resp[strings.ToLower(token)]
	}
	return positive(v.USD, token)
}

func nullable(v *float64) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*v))
}

func positive(v *float64, what string) (decimal.Decimal, error) {
	if v == nil || *v <= 0 {
		return decimal.Zero, fmt.Errorf("coingecko: no price for %s", what)
	}
	return decimal.NewFromFloat(*v), nil
}

// Stats returns request counters.
func (c *Client) Stats() adapters.Stats { return c.http.Stats() }
