package chain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveToken(t *testing.T) {
	eth := Defaults()[Ethereum]
	assert.Equal(t, WETH, eth.ResolveToken(NativePlaceholder))
	assert.Equal(t, WETH, eth.ResolveToken("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"))
	assert.Equal(t, "0x1234", eth.ResolveToken("0x1234"))

	bsc := Defaults()[BSC]
	assert.Equal(t, WBNB, bsc.ResolveToken(NativePlaceholder))
}

func TestIsNative(t *testing.T) {
	eth := Defaults()[Ethereum]
	assert.True(t, eth.IsNative(NativePlaceholder))
	assert.False(t, eth.IsNative(WETH))

	sol := Defaults()[Solana]
	assert.True(t, sol.IsNative(WSOL))
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry(Defaults())

	c, err := r.Get("BSC")
	require.NoError(t, err)
	assert.Equal(t, int64(56), c.ChainID)
	assert.False(t, c.ModernFees)

	_, err = r.Get("tron")
	assert.Error(t, err)
	assert.Len(t, r.Networks(), 3)
}

func TestValidAddress(t *testing.T) {
	assert.True(t, ValidAddress(FamilyEVM, WETH))
	assert.False(t, ValidAddress(FamilyEVM, "0x123"))
	assert.False(t, ValidAddress(FamilyEVM, "0xZZ2aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"))
	assert.True(t, ValidAddress(FamilySolana, WSOL))
	assert.False(t, ValidAddress(FamilySolana, "0OIl"))
}

func TestTxURL(t *testing.T) {
	eth := Defaults()[Ethereum]
	assert.Equal(t, "https://etherscan.io/tx/0xabc", eth.TxURL("0xabc"))
	assert.Empty(t, eth.TxURL(""))
}

func TestNormalizeToken(t *testing.T) {
	assert.Equal(t, strings.ToLower(WETH), NormalizeToken(Ethereum, WETH))
	assert.Equal(t, strings.ToLower(WBNB), NormalizeToken(BSC, " "+WBNB))
	assert.Equal(t, WSOL, NormalizeToken(Solana, WSOL))
	assert.Equal(t, FamilySolana, FamilyOf("SOLANA"))
	assert.Empty(t, FamilyOf("tron"))
}
