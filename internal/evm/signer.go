package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// RemoteSigner signs transactions through an external key vault that
// implements eth_signTransaction (Clef, Web3Signer and similar). Private
// keys never enter this process.
type RemoteSigner struct {
	vault    *Client
	accounts map[string]string // user -> address
}

// NewRemoteSigner creates a signer. accounts maps user IDs to the vault
// account that signs for them.
func NewRemoteSigner(vault *Client, accounts map[string]string) *RemoteSigner {
	acc := make(map[string]string, len(accounts))
	for u, a := range accounts {
		acc[u] = a
	}
	return &RemoteSigner{vault: vault, accounts: acc}
}

// Address returns the signing address for a user.
func (s *RemoteSigner) Address(_ context.Context, userID string) (string, error) {
	addr, ok := s.accounts[userID]
	if !ok || addr == "" {
		return "", fmt.Errorf("signer: no EVM account for user %s", userID)
	}
	return addr, nil
}

// SignTransaction asks the vault to sign tx on behalf of the user.
func (s *RemoteSigner) SignTransaction(ctx context.Context, userID string, tx Transaction) (SignedTransaction, error) {
	from, err := s.Address(ctx, userID)
	if err != nil {
		return SignedTransaction{}, err
	}
	if tx.From == "" {
		tx.From = from
	}
	if !strings.EqualFold(tx.From, from) {
		return SignedTransaction{}, fmt.Errorf("signer: tx sender %s is not the account of user %s", tx.From, userID)
	}

	raw, err := s.vault.callOnce(ctx, "eth_signTransaction", []any{tx.signArgs()})
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("signer: %w", err)
	}

	var res struct {
		Raw string `json:"raw"`
		Tx  struct {
			Hash string `json:"hash"`
		} `json:"tx"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		// Some vaults return the bare raw payload.
		var bare string
		if err2 := json.Unmarshal(raw, &bare); err2 != nil {
			return SignedTransaction{}, fmt.Errorf("signer: parse result: %w", err)
		}
		res.Raw = bare
	}
	if res.Raw == "" {
		return SignedTransaction{}, fmt.Errorf("signer: vault returned empty payload")
	}

	hash := res.Tx.Hash
	if hash == "" {
		if hash, err = TxHash(res.Raw); err != nil {
			return SignedTransaction{}, err
		}
	}
	return SignedTransaction{Raw: res.Raw, Hash: hash}, nil
}
