package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Keccak256 hashes data with the legacy Keccak used by Ethereum.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Selector returns the 4-byte function selector for a signature such as
// "approve(address,uint256)".
func Selector(signature string) []byte {
	return Keccak256([]byte(signature))[:4]
}

var (
	selAllowance = Selector("allowance(address,address)")
	selApprove   = Selector("approve(address,uint256)")
	selDecimals  = Selector("decimals()")
	selBalanceOf = Selector("balanceOf(address)")
)

// EncodeAllowance builds calldata for allowance(owner, spender).
func EncodeAllowance(owner, spender string) string {
	return encodeCall(selAllowance, wordAddress(owner), wordAddress(spender))
}

// EncodeApprove builds calldata for approve(spender, amount).
func EncodeApprove(spender string, amount *big.Int) string {
	return encodeCall(selApprove, wordAddress(spender), wordUint(amount))
}

// EncodeDecimals builds calldata for decimals().
func EncodeDecimals() string {
	return encodeCall(selDecimals)
}

// EncodeBalanceOf builds calldata for balanceOf(owner).
func EncodeBalanceOf(owner string) string {
	return encodeCall(selBalanceOf, wordAddress(owner))
}

func encodeCall(selector []byte, words ...[]byte) string {
	buf := make([]byte, 0, 4+32*len(words))
	buf = append(buf, selector...)
	for _, w := range words {
		buf = append(buf, w...)
	}
	return "0x" + hex.EncodeToString(buf)
}

func wordAddress(addr string) []byte {
	b, _ := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X"))
	w := make([]byte, 32)
	if len(b) > 20 {
		b = b[len(b)-20:]
	}
	copy(w[32-len(b):], b)
	return w
}

func wordUint(v *big.Int) []byte {
	w := make([]byte, 32)
	if v != nil && v.Sign() > 0 {
		v.FillBytes(w)
	}
	return w
}

// DecodeUint256 decodes the first 32-byte word of an ABI-encoded result.
func DecodeUint256(data string) (*big.Int, error) {
	s := strings.TrimPrefix(data, "0x")
	if s == "" {
		return nil, fmt.Errorf("abi: empty result")
	}
	if len(s) > 64 {
		s = s[:64]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("abi: decode uint256: %w", err)
	}
	return new(big.Int).SetBytes(b), nil
}
