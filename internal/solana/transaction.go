package solana

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// ---------------------------------------------------------------------------
// Wire transaction: signature slots + message (legacy or v0)
// ---------------------------------------------------------------------------

const (
	signatureLen = 64
	pubkeyLen    = 32

	versionPrefixMask = 0x80
)

var ErrShortTransaction = errors.New("solana: transaction truncated")

// Transaction is a decoded wire transaction. Only the parts needed to sign
// are interpreted; instructions stay opaque inside Message.
type Transaction struct {
	Signatures [][]byte
	Message    []byte

	// Version is -1 for legacy messages.
	Version               int
	NumRequiredSignatures int
	AccountKeys           [][]byte
}

// DecodeTransaction parses a serialized transaction.
func DecodeTransaction(raw []byte) (*Transaction, error) {
	n, off, err := decodeCompactU16(raw)
	if err != nil {
		return nil, err
	}
	if len(raw) < off+n*signatureLen {
		return nil, ErrShortTransaction
	}
	tx := &Transaction{Version: -1}
	for i := 0; i < n; i++ {
		sig := make([]byte, signatureLen)
		copy(sig, raw[off:off+signatureLen])
		tx.Signatures = append(tx.Signatures, sig)
		off += signatureLen
	}
	tx.Message = raw[off:]

	msg := tx.Message
	if len(msg) == 0 {
		return nil, ErrShortTransaction
	}
	pos := 0
	if msg[0]&versionPrefixMask != 0 {
		tx.Version = int(msg[0] &^ versionPrefixMask)
		pos++
	}
	if len(msg) < pos+3 {
		return nil, ErrShortTransaction
	}
	tx.NumRequiredSignatures = int(msg[pos])
	pos += 3

	keys, k, err := decodeCompactU16(msg[pos:])
	if err != nil {
		return nil, err
	}
	pos += k
	if len(msg) < pos+keys*pubkeyLen {
		return nil, ErrShortTransaction
	}
	for i := 0; i < keys; i++ {
		tx.AccountKeys = append(tx.AccountKeys, msg[pos:pos+pubkeyLen])
		pos += pubkeyLen
	}

	if tx.NumRequiredSignatures != len(tx.Signatures) {
		return nil, fmt.Errorf("solana: %d signature slots for %d required signers",
			len(tx.Signatures), tx.NumRequiredSignatures)
	}
	if tx.NumRequiredSignatures > len(tx.AccountKeys) {
		return nil, fmt.Errorf("solana: %d required signers but only %d account keys",
			tx.NumRequiredSignatures, len(tx.AccountKeys))
	}
	return tx, nil
}

// Sign signs the message with key and stores the signature in the slot of
// the matching signer account. The signer must be one of the required
// signers.
func (t *Transaction) Sign(key ed25519.PrivateKey) ([]byte, error) {
	pub := key.Public().(ed25519.PublicKey)
	for i := 0; i < t.NumRequiredSignatures; i++ {
		if bytes.Equal(t.AccountKeys[i], pub) {
			sig := ed25519.Sign(key, t.Message)
			t.Signatures[i] = sig
			return sig, nil
		}
	}
	return nil, fmt.Errorf("solana: %s is not a required signer", base58.Encode(pub))
}

// FeePayer is the first account key.
func (t *Transaction) FeePayer() Pubkey {
	if len(t.AccountKeys) == 0 {
		return ""
	}
	return Pubkey(base58.Encode(t.AccountKeys[0]))
}

// Serialize re-encodes the transaction.
func (t *Transaction) Serialize() []byte {
	buf := make([]byte, 0, 3+len(t.Signatures)*signatureLen+len(t.Message))
	buf = appendCompactU16(buf, len(t.Signatures))
	for _, s := range t.Signatures {
		buf = append(buf, s...)
	}
	return append(buf, t.Message...)
}

// decodeCompactU16 reads Solana's shortvec length encoding and returns the
// value and the number of bytes consumed.
func decodeCompactU16(b []byte) (int, int, error) {
	val := 0
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, ErrShortTransaction
		}
		val |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return val, i + 1, nil
		}
	}
	return 0, 0, errors.New("solana: compact-u16 overflow")
}

func appendCompactU16(buf []byte, v int) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}
