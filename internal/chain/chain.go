package chain

import (
	"fmt"
	"strings"
)

// Network identifies a supported blockchain network.
type Network string

const (
	Ethereum Network = "ethereum"
	BSC      Network = "bsc"
	Solana   Network = "solana"
)

// Family groups networks sharing an execution pipeline.
type Family string

const (
	FamilyEVM    Family = "evm"
	FamilySolana Family = "solana"
)

// NativePlaceholder is the conventional address aggregators use for the
// chain's native asset.
const NativePlaceholder = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// Well-known addresses.
const (
	WETH          = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	WBNB          = "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"
	WSOL          = "So11111111111111111111111111111111111111112"
	UniswapV2     = "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
	PancakeSwapV2 = "0x10ED43C718714eb63d5aA57B78B54704E256024E"
)

// Config is the static per-network parameter set.
type Config struct {
	Network        Network
	Family         Family
	ChainID        int64
	RPCURL         string
	QuoteURL       string
	Router         string
	WrappedNative  string
	NativeSymbol   string
	NativeDecimals int32
	ModernFees     bool    // EIP-1559 fee market
	MaxGasGwei     float64 // per-unit fee ceiling
	ExplorerURL    string
}

// IsNative reports whether addr names the chain's native asset.
func (c Config) IsNative(addr string) bool {
	if strings.EqualFold(addr, NativePlaceholder) {
		return true
	}
	if c.Family == FamilySolana {
		return addr == WSOL
	}
	return false
}

// ResolveToken substitutes the native placeholder with the wrapped native
// token address. Other addresses are returned unchanged.
func (c Config) ResolveToken(addr string) string {
	if strings.EqualFold(addr, NativePlaceholder) {
		return c.WrappedNative
	}
	return addr
}

// NormalizeToken returns the canonical form of a token address used for
// map keys. EVM addresses are hex and case-insensitive; Solana mints are
// base58 and case-sensitive, so only EVM addresses are folded.
func NormalizeToken(n Network, token string) string {
	token = strings.TrimSpace(token)
	if FamilyOf(n) == FamilyEVM {
		return strings.ToLower(token)
	}
	return token
}

// FamilyOf returns the family of a built-in network, or "" when unknown.
func FamilyOf(n Network) Family {
	switch Network(strings.ToLower(string(n))) {
	case Ethereum, BSC:
		return FamilyEVM
	case Solana:
		return FamilySolana
	}
	return ""
}

// TxURL returns an explorer link for a transaction hash.
func (c Config) TxURL(hash string) string {
	if c.ExplorerURL == "" || hash == "" {
		return ""
	}
	return strings.TrimRight(c.ExplorerURL, "/") + "/tx/" + hash
}

// Defaults returns the built-in parameters for every supported network.
func Defaults() map[Network]Config {
	return map[Network]Config{
		Ethereum: {
			Network:        Ethereum,
			Family:         FamilyEVM,
			ChainID:        1,
			RPCURL:         "https://eth.llamarpc.com",
			QuoteURL:       "https://api.0x.org",
			Router:         UniswapV2,
			WrappedNative:  WETH,
			NativeSymbol:   "ETH",
			NativeDecimals: 18,
			ModernFees:     true,
			MaxGasGwei:     50,
			ExplorerURL:    "https://etherscan.io",
		},
		BSC: {
			Network:        BSC,
			Family:         FamilyEVM,
			ChainID:        56,
			RPCURL:         "https://bsc-dataseed.binance.org",
			QuoteURL:       "https://bsc.api.0x.org",
			Router:         PancakeSwapV2,
			WrappedNative:  WBNB,
			NativeSymbol:   "BNB",
			NativeDecimals: 18,
			ModernFees:     false,
			MaxGasGwei:     10,
			ExplorerURL:    "https://bscscan.com",
		},
		Solana: {
			Network:        Solana,
			Family:         FamilySolana,
			RPCURL:         "https://api.mainnet-beta.solana.com",
			QuoteURL:       "https://quote-api.jup.ag/v6",
			WrappedNative:  WSOL,
			NativeSymbol:   "SOL",
			NativeDecimals: 9,
			ExplorerURL:    "https://solscan.io",
		},
	}
}

// Registry resolves network names to their parameters.
type Registry struct {
	chains map[Network]Config
}

// NewRegistry builds a registry from the given configs.
func NewRegistry(chains map[Network]Config) *Registry {
	r := &Registry{chains: make(map[Network]Config, len(chains))}
	for n, c := range chains {
		r.chains[n] = c
	}
	return r
}

// Get returns the config for a network name (case-insensitive).
func (r *Registry) Get(network string) (Config, error) {
	c, ok := r.chains[Network(strings.ToLower(strings.TrimSpace(network)))]
	if !ok {
		return Config{}, fmt.Errorf("chain: unsupported network %q", network)
	}
	return c, nil
}

// Networks lists configured networks.
func (r *Registry) Networks() []Network {
	out := make([]Network, 0, len(r.chains))
	for n := range r.chains {
		out = append(out, n)
	}
	return out
}

// ValidAddress reports whether addr is syntactically valid for the family.
func ValidAddress(f Family, addr string) bool {
	switch f {
	case FamilyEVM:
		if len(addr) != 42 || !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
			return false
		}
		for _, c := range addr[2:] {
			if !isHex(c) {
				return false
			}
		}
		return true
	case FamilySolana:
		if len(addr) < 32 || len(addr) > 44 {
			return false
		}
		for _, c := range addr {
			if !strings.ContainsRune(base58Alphabet, c) {
				return false
			}
		}
		return true
	}
	return false
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func isHex(c rune) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}
