package goplus

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/mirror/internal/adapters"
	"github.com/nexus-trading/mirror/internal/chain"
	"github.com/nexus-trading/mirror/internal/risk"
)

// DefaultBaseURL is the public GoPlus security API.
const DefaultBaseURL = "https://api.gopluslabs.io/api/v1"

// Client is a GoPlus token-security client. It implements
// risk.SecurityProvider.
type Client struct {
	http *adapters.HTTPClient
}

// Config configures the client.
type Config struct {
	BaseURL       string
	APIKey        string
	RatePerMinute int
}

// New creates a GoPlus client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = cfg.APIKey
	}
	return &Client{http: adapters.NewHTTPClient(adapters.ClientConfig{
		Name:          "goplus",
		BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		Headers:       headers,
		RatePerMinute: cfg.RatePerMinute,
	})}
}

// TokenSecurity is the raw per-token result. GoPlus encodes flags and
// numbers as strings; taxes are fractions ("0.05" = 5%).
type TokenSecurity struct {
	IsHoneypot         string `json:"is_honeypot"`
	BuyTax             string `json:"buy_tax"`
	SellTax            string `json:"sell_tax"`
	CannotSellAll      string `json:"cannot_sell_all"`
	IsProxy            string `json:"is_proxy"`
	IsMintable         string `json:"is_mintable"`
	OwnerChangeBalance string `json:"owner_change_balance"`
	IsAntiWhale        string `json:"is_anti_whale"`
	SlippageModifiable string `json:"slippage_modifiable"`
	TradingCooldown    string `json:"trading_cooldown"`
	HiddenOwner        string `json:"hidden_owner"`
	IsBlacklisted      string `json:"is_blacklisted"`
	HolderCount        string `json:"holder_count"`
	DEX                []struct {
		Name      string `json:"name"`
		Liquidity string `json:"liquidity"`
		Pair      string `json:"pair"`
	} `json:"dex"`
}

type response struct {
	Code    int                      `json:"code"`
	Message string                   `json:"message"`
	Result  map[string]TokenSecurity `json:"result"`
}

// chainPath maps networks to GoPlus route segments.
func chainPath(n chain.Network) (string, error) {
	switch n {
	case chain.Ethereum:
		return "token_security/1", nil
	case chain.BSC:
		return "token_security/56", nil
	case chain.Solana:
		return "solana/token_security", nil
	}
	return "", fmt.Errorf("goplus: unsupported network %q", n)
}

// Fetch returns the raw security record for a token.
func (c *Client) Fetch(ctx context.Context, network chain.Network, token string) (*TokenSecurity, error) {
	path, err := chainPath(network)
	if err != nil {
		return nil, err
	}

	var resp response
	if err := c.http.GetJSON(ctx, "/"+path, url.Values{"contract_addresses": {token}}, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 1 {
		return nil, fmt.Errorf("goplus: code %d: %s", resp.Code, resp.Message)
	}

	rec, ok := resp.Result[token]
	if !ok {
		rec, ok = resp.Result[strings.ToLower(token)]
	}
	if !ok {
		return nil, fmt.Errorf("goplus: no security data for %s", token)
	}
	return &rec, nil
}

// TokenSecurity implements risk.SecurityProvider.
func (c *Client) TokenSecurity(ctx context.Context, network chain.Network, token string) (risk.SecurityReport, error) {
	rec, err := c.Fetch(ctx, network, token)
	if err != nil {
		return risk.SecurityReport{}, err
	}
	return rec.Report(), nil
}

// Report converts the raw record into a scored report.
func (t *TokenSecurity) Report() risk.SecurityReport {
	buyTax := pct(t.BuyTax)
	sellTax := pct(t.SellTax)

	r := risk.SecurityReport{
		IsTrap:  flag(t.IsHoneypot) || flag(t.CannotSellAll) || buyTax >= 100 || sellTax >= 100,
		BuyTax:  buyTax,
		SellTax: sellTax,
	}

	add := func(on bool, points float64, factor string) {
		if on {
			r.Score += points
			r.Factors = append(r.Factors, factor)
		}
	}
	add(flag(t.IsHoneypot), 100, "Confirmed honeypot")
	add(flag(t.OwnerChangeBalance), 25, "Owner can change balance")
	add(flag(t.CannotSellAll), 30, "Cannot sell all tokens")
	add(flag(t.IsProxy), 15, "Proxy contract")
	add(flag(t.SlippageModifiable), 15, "Modifiable slippage")
	add(flag(t.HiddenOwner), 15, "Hidden owner")
	add(flag(t.IsBlacklisted), 10, "Blacklist function")
	add(flag(t.IsMintable), 10, "Mintable token")
	add(flag(t.TradingCooldown), 10, "Trading cooldown")
	add(flag(t.IsAntiWhale), 5, "Anti-whale mechanism")
	if r.Score > 100 {
		r.Score = 100
	}

	for _, d := range t.DEX {
		if liq, err := decimal.NewFromString(d.Liquidity); err == nil {
			r.LiquidityUSD = r.LiquidityUSD.Add(liq)
		}
	}
	return r
}

func flag(s string) bool { return s == "1" }

// pct parses a fractional tax string into percent.
func pct(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v * 100
}

// Stats returns request counters.
func (c *Client) Stats() adapters.Stats { return c.http.Stats() }
