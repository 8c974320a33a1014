package solana

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Keypair is an ed25519 wallet key.
type Keypair struct {
	private ed25519.PrivateKey
	Public  Pubkey
}

// ParseKeypair accepts a base58 64-byte secret key (Phantom export) or a
// JSON byte array (solana-keygen file contents).
func ParseKeypair(secret string) (*Keypair, error) {
	secret = strings.TrimSpace(secret)
	var raw []byte
	if strings.HasPrefix(secret, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(secret), &ints); err != nil {
			return nil, fmt.Errorf("keypair: parse byte array: %w", err)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("keypair: byte %d out of range", i)
			}
			raw[i] = byte(v)
		}
	} else {
		var err error
		if raw, err = base58.Decode(secret); err != nil {
			return nil, fmt.Errorf("keypair: decode base58: %w", err)
		}
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair: secret is %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}

	derived := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], raw[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("keypair: public half does not match seed")
	}
	pub := derived.Public().(ed25519.PublicKey)
	if !IsOnCurve(pub) {
		return nil, fmt.Errorf("keypair: public key is not on the ed25519 curve")
	}
	return &Keypair{private: derived, Public: Pubkey(base58.Encode(pub))}, nil
}

// IsOnCurve reports whether b is a valid compressed ed25519 point. Wallet
// keys are always on the curve; program-derived addresses never are.
func IsOnCurve(b []byte) bool {
	if len(b) != pubkeyLen {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// KeypairSigner signs Jupiter swap transactions with per-user keypairs held
// in memory.
type KeypairSigner struct {
	keys map[string]*Keypair
}

// NewKeypairSigner parses secrets (user -> secret).
func NewKeypairSigner(secrets map[string]string) (*KeypairSigner, error) {
	keys := make(map[string]*Keypair, len(secrets))
	for user, s := range secrets {
		kp, err := ParseKeypair(s)
		if err != nil {
			return nil, fmt.Errorf("signer: user %s: %w", user, err)
		}
		keys[user] = kp
	}
	return &KeypairSigner{keys: keys}, nil
}

// Address returns the wallet public key for a user.
func (s *KeypairSigner) Address(_ context.Context, userID string) (Pubkey, error) {
	kp, ok := s.keys[userID]
	if !ok {
		return "", fmt.Errorf("signer: no Solana wallet for user %s", userID)
	}
	return kp.Public, nil
}

// SignTransaction signs a base64 wire transaction for the user and returns
// the signed base64 payload and its signature. The fee payer must be the
// user's wallet.
func (s *KeypairSigner) SignTransaction(_ context.Context, userID, txBase64 string) (string, Signature, error) {
	kp, ok := s.keys[userID]
	if !ok {
		return "", "", fmt.Errorf("signer: no Solana wallet for user %s", userID)
	}
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", "", fmt.Errorf("signer: decode transaction: %w", err)
	}
	tx, err := DecodeTransaction(raw)
	if err != nil {
		return "", "", fmt.Errorf("signer: %w", err)
	}
	if payer := tx.FeePayer(); payer != kp.Public {
		return "", "", fmt.Errorf("signer: fee payer %s is not wallet %s", payer, kp.Public)
	}
	sig, err := tx.Sign(kp.private)
	if err != nil {
		return "", "", fmt.Errorf("signer: %w", err)
	}
	return base64.StdEncoding.EncodeToString(tx.Serialize()), Signature(base58.Encode(sig)), nil
}
