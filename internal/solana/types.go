package solana

import (
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature (base58 string).
type Signature string

// Well-known mints.
const (
	SOLMint  Pubkey = "So11111111111111111111111111111111111111112"
	USDCMint Pubkey = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// Bytes decodes the key into its 32 raw bytes.
func (p Pubkey) Bytes() ([]byte, error) {
	b, err := base58.Decode(string(p))
	if err != nil {
		return nil, fmt.Errorf("solana: decode pubkey %q: %w", p, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("solana: pubkey %q is %d bytes, want 32", p, len(b))
	}
	return b, nil
}

// Valid reports whether p decodes to 32 bytes.
func (p Pubkey) Valid() bool {
	_, err := p.Bytes()
	return err == nil
}

// LamportsToSOL converts lamports to SOL.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Shift(-9)
}

// TxStatus is the confirmation state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxProcessed TxStatus = "processed"
	TxConfirmed TxStatus = "confirmed"
	TxFinalized TxStatus = "finalized"
	TxFailed    TxStatus = "failed"
)

// Landed reports whether the transaction reached at least confirmed
// commitment without error.
func (s TxStatus) Landed() bool {
	return s == TxConfirmed || s == TxFinalized
}
