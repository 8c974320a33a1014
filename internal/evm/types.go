package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Transaction is an unsigned EVM transaction. A nil MaxFeePerGas means a
// legacy (type 0) transaction priced by GasPrice.
type Transaction struct {
	ChainID              int64
	From                 string
	To                   string
	Value                *big.Int
	Data                 string
	Nonce                uint64
	Gas                  uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Modern reports whether the transaction uses the EIP-1559 fee market.
func (t Transaction) Modern() bool { return t.MaxFeePerGas != nil }

// callArgs is the subset accepted by eth_estimateGas.
func (t Transaction) callArgs() map[string]string {
	args := map[string]string{"from": t.From, "to": t.To}
	if t.Data != "" {
		args["data"] = t.Data
	}
	if t.Value != nil && t.Value.Sign() > 0 {
		args["value"] = EncodeQuantity(t.Value)
	}
	return args
}

// signArgs is the full object accepted by eth_signTransaction.
func (t Transaction) signArgs() map[string]string {
	args := t.callArgs()
	args["nonce"] = EncodeUint64(t.Nonce)
	args["gas"] = EncodeUint64(t.Gas)
	args["chainId"] = EncodeUint64(uint64(t.ChainID))
	if args["value"] == "" {
		args["value"] = "0x0"
	}
	if t.Modern() {
		args["maxFeePerGas"] = EncodeQuantity(t.MaxFeePerGas)
		args["maxPriorityFeePerGas"] = EncodeQuantity(t.MaxPriorityFeePerGas)
	} else {
		args["gasPrice"] = EncodeQuantity(t.GasPrice)
	}
	return args
}

// MaxCost is the worst-case fee in wei: gas limit times the per-unit cap.
func (t Transaction) MaxCost() *big.Int {
	price := t.GasPrice
	if t.Modern() {
		price = t.MaxFeePerGas
	}
	if price == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(price, new(big.Int).SetUint64(t.Gas))
}

// SignedTransaction is a raw signed payload and its hash.
type SignedTransaction struct {
	Raw  string `json:"raw"`
	Hash string `json:"hash"`
}

// Receipt is the mined outcome of a transaction.
type Receipt struct {
	TxHash            string
	Status            uint64 // 1 success, 0 reverted
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool { return r.Status == 1 }

type rawReceipt struct {
	TransactionHash   string `json:"transactionHash"`
	Status            string `json:"status"`
	BlockNumber       string `json:"blockNumber"`
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
}

func (r rawReceipt) decode() (*Receipt, error) {
	out := &Receipt{TxHash: r.TransactionHash, EffectiveGasPrice: big.NewInt(0)}
	for _, f := range []struct {
		src string
		dst *uint64
	}{
		{r.Status, &out.Status},
		{r.BlockNumber, &out.BlockNumber},
		{r.GasUsed, &out.GasUsed},
	} {
		if f.src == "" {
			continue
		}
		v, err := ParseQuantity(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v.Uint64()
	}
	if r.EffectiveGasPrice != "" {
		v, err := ParseQuantity(r.EffectiveGasPrice)
		if err != nil {
			return nil, err
		}
		out.EffectiveGasPrice = v
	}
	return out, nil
}

// ParseQuantity decodes a 0x-prefixed hex quantity.
func ParseQuantity(s string) (*big.Int, error) {
	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if h == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(h, 16)
	if !ok {
		return nil, fmt.Errorf("evm: invalid quantity %q", s)
	}
	return v, nil
}

// EncodeQuantity encodes v as a 0x-prefixed hex quantity.
func EncodeQuantity(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

// EncodeUint64 encodes v as a 0x-prefixed hex quantity.
func EncodeUint64(v uint64) string {
	return EncodeQuantity(new(big.Int).SetUint64(v))
}

// TxHash computes the transaction hash of a raw signed payload.
func TxHash(raw string) (string, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return "", fmt.Errorf("evm: decode raw tx: %w", err)
	}
	return "0x" + hex.EncodeToString(Keccak256(b)), nil
}
