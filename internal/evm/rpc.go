package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// EVM JSON-RPC client with rate limiting, retry and a circuit breaker
// ---------------------------------------------------------------------------

// RPCConfig configures the client.
type RPCConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
}

// DefaultRPCConfig returns conservative defaults for public endpoints.
func DefaultRPCConfig(endpoint string) RPCConfig {
	return RPCConfig{
		Endpoint:     endpoint,
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RateLimitRPS: 10,
	}
}

const (
	circuitBreakerThreshold = 10
	circuitBreakerCooldown  = 30 * time.Second
)

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Method  string `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc: %s error %d: %s", e.Method, e.Code, e.Message)
}

// Client is a JSON-RPC client for one EVM node (or a signing vault that
// speaks the same protocol).
type Client struct {
	config     RPCConfig
	httpClient *http.Client
	limiter    *rate.Limiter

	nextID atomic.Int64

	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool

	requestCount atomic.Int64
	errorCount   atomic.Int64
	latencySum   atomic.Int64 // cumulative microseconds
}

// NewClient creates an RPC client.
func NewClient(config RPCConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimitRPS > 0 {
		burst := int(config.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimitRPS), burst)
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// call makes a rate-limited, retried JSON-RPC call. Node-level errors are
// returned immediately; transport errors and 429/5xx are retried.
func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return c.callN(ctx, method, params, c.config.MaxRetries)
}

// callOnce makes a single attempt. Used for broadcasts, which must never be
// replayed blindly.
func (c *Client) callOnce(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return c.callN(ctx, method, params, 0)
}

func (c *Client) callN(ctx context.Context, method string, params []any, retries int) (json.RawMessage, error) {
	if c.circuitOpen.Load() {
		return nil, fmt.Errorf("rpc: circuit breaker open for %s", method)
	}
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("rpc: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("rpc: %s http error: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.requestCount.Add(1)
		c.latencySum.Add(time.Since(start).Microseconds())
		if err != nil {
			lastErr = fmt.Errorf("rpc: %s read response: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rpc: %s rate limited (429)", method)
			c.errorCount.Add(1)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("rpc: %s HTTP %d: %s", method, resp.StatusCode, truncate(respBody))
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("rpc: %s unmarshal response: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		c.resetErrors()
		if rpcResp.Error != nil {
			rpcResp.Error.Method = method
			return nil, rpcResp.Error
		}
		return rpcResp.Result, nil
	}

	return nil, fmt.Errorf("rpc: %s failed after %d attempts: %w", method, retries+1, lastErr)
}

func (c *Client) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= circuitBreakerThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Str("endpoint", c.config.Endpoint).Msg("rpc: circuit breaker open")
			time.AfterFunc(circuitBreakerCooldown, func() {
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Str("endpoint", c.config.Endpoint).Msg("rpc: circuit breaker reset")
			})
		}
	}
}

func (c *Client) resetErrors() {
	c.consecutiveErrors.Store(0)
}

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200])
	}
	return string(b)
}

// ---------------------------------------------------------------------------
// Node methods
// ---------------------------------------------------------------------------

func (c *Client) quantity(ctx context.Context, method string, params []any) (*big.Int, error) {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("rpc: %s parse result: %w", method, err)
	}
	return ParseQuantity(s)
}

// ChainID returns eth_chainId.
func (c *Client) ChainID(ctx context.Context) (int64, error) {
	v, err := c.quantity(ctx, "eth_chainId", nil)
	if err != nil {
		return 0, err
	}
	return v.Int64(), nil
}

// GasPrice returns the node's legacy gas price suggestion.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	return c.quantity(ctx, "eth_gasPrice", nil)
}

// ErrNoBaseFee is returned by BaseFee on chains without a fee market.
var ErrNoBaseFee = errors.New("rpc: latest block has no baseFeePerGas")

// BaseFee returns baseFeePerGas of the latest block.
func (c *Client) BaseFee(ctx context.Context) (*big.Int, error) {
	raw, err := c.call(ctx, "eth_getBlockByNumber", []any{"latest", false})
	if err != nil {
		return nil, err
	}
	var block struct {
		BaseFeePerGas string `json:"baseFeePerGas"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("rpc: parse block: %w", err)
	}
	if block.BaseFeePerGas == "" {
		return nil, ErrNoBaseFee
	}
	return ParseQuantity(block.BaseFeePerGas)
}

// EstimateGas returns eth_estimateGas for tx.
func (c *Client) EstimateGas(ctx context.Context, tx Transaction) (uint64, error) {
	v, err := c.quantity(ctx, "eth_estimateGas", []any{tx.callArgs()})
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

// PendingNonce returns the next nonce for addr, counting pending txs.
func (c *Client) PendingNonce(ctx context.Context, addr string) (uint64, error) {
	v, err := c.quantity(ctx, "eth_getTransactionCount", []any{addr, "pending"})
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

// Call executes a read-only eth_call and returns the hex result.
func (c *Client) Call(ctx context.Context, to, data string) (string, error) {
	raw, err := c.call(ctx, "eth_call", []any{map[string]string{"to": to, "data": data}, "latest"})
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("rpc: parse eth_call: %w", err)
	}
	return s, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, raw string) (string, error) {
	res, err := c.callOnce(ctx, "eth_sendRawTransaction", []any{raw})
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(res, &hash); err != nil {
		return "", fmt.Errorf("rpc: parse tx hash: %w", err)
	}
	return hash, nil
}

// TransactionReceipt returns the receipt, or nil if the tx is not mined yet.
func (c *Client) TransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	raw, err := c.call(ctx, "eth_getTransactionReceipt", []any{hash})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var r rawReceipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("rpc: parse receipt: %w", err)
	}
	return r.decode()
}

// ---------------------------------------------------------------------------
// ERC-20 reads
// ---------------------------------------------------------------------------

// Allowance returns token.allowance(owner, spender).
func (c *Client) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	out, err := c.Call(ctx, token, EncodeAllowance(owner, spender))
	if err != nil {
		return nil, err
	}
	return DecodeUint256(out)
}

// Decimals returns token.decimals().
func (c *Client) Decimals(ctx context.Context, token string) (int32, error) {
	out, err := c.Call(ctx, token, EncodeDecimals())
	if err != nil {
		return 0, err
	}
	v, err := DecodeUint256(out)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() || v.Int64() > 77 {
		return 0, fmt.Errorf("rpc: implausible decimals %s for %s", v, token)
	}
	return int32(v.Int64()), nil
}

// BalanceOf returns token.balanceOf(owner).
func (c *Client) BalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	out, err := c.Call(ctx, token, EncodeBalanceOf(owner))
	if err != nil {
		return nil, err
	}
	return DecodeUint256(out)
}

// RPCStats are request counters.
type RPCStats struct {
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	AvgLatencyUs float64 `json:"avg_latency_us"`
	CircuitOpen  bool    `json:"circuit_open"`
}

func (c *Client) Stats() RPCStats {
	reqs := c.requestCount.Load()
	avg := 0.0
	if reqs > 0 {
		avg = float64(c.latencySum.Load()) / float64(reqs)
	}
	return RPCStats{
		Requests:     reqs,
		Errors:       c.errorCount.Load(),
		AvgLatencyUs: avg,
		CircuitOpen:  c.circuitOpen.Load(),
	}
}
