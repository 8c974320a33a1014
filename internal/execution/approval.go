package execution

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/mirror/internal/evm"
)

// ApprovalNode is the part of an EVM node the approval manager uses.
type ApprovalNode interface {
	FeeNode
	Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	SendRawTransaction(ctx context.Context, raw string) (string, error)
	TransactionReceipt(ctx context.Context, hash string) (*evm.Receipt, error)
}

// ApprovalRequest asks that Spender may move at least Required of Token
// on behalf of Owner.
type ApprovalRequest struct {
	UserID   string
	Owner    string
	Token    string
	Spender  string
	Required *big.Int
	Nonce    uint64
	DryRun   bool
}

// ApprovalResult describes what Ensure did.
type ApprovalResult struct {
	// Needed is false when the existing allowance already sufficed.
	Needed    bool
	Allowance *big.Int
	Approved  *big.Int
	TxHash    string
	// NonceUsed is set when an approval was signed, so the swap must use
	// the next nonce if the approval was not mined.
	NonceUsed bool
	Fee       *FeePlan
	Warnings  []Code
}

// ApprovalManager grants ERC-20 allowances to the swap target.
type ApprovalManager struct {
	node       ApprovalNode
	signer     EVMSigner
	fees       *FeeCalculator
	chainID    int64
	multiplier int64
	timeout    time.Duration
	poll       time.Duration
}

// NewApprovalManager creates an ApprovalManager.
func NewApprovalManager(node ApprovalNode, signer EVMSigner, fees *FeeCalculator, chainID int64, cfg Config) *ApprovalManager {
	cfg.applyDefaults()
	return &ApprovalManager{
		node:       node,
		signer:     signer,
		fees:       fees,
		chainID:    chainID,
		multiplier: cfg.ApprovalMultiplier,
		timeout:    cfg.ConfirmTimeout,
		poll:       cfg.PollInterval,
	}
}

// Ensure checks the allowance and, if short, approves multiplier times the
// required amount and waits for the approval to be mined. In dry-run mode
// the approval is signed but not broadcast.
func (a *ApprovalManager) Ensure(ctx context.Context, req ApprovalRequest) (ApprovalResult, error) {
	current, err := a.node.Allowance(ctx, req.Token, req.Owner, req.Spender)
	if err != nil {
		return ApprovalResult{}, Errorf(CodeAllowanceUnresolved, "read allowance: %w", err)
	}
	res := ApprovalResult{Allowance: current}
	if current.Cmp(req.Required) >= 0 {
		return res, nil
	}

	res.Needed = true
	res.Approved = new(big.Int).Mul(req.Required, big.NewInt(a.multiplier))

	tx := evm.Transaction{
		ChainID: a.chainID,
		From:    req.Owner,
		To:      req.Token,
		Data:    evm.EncodeApprove(req.Spender, res.Approved),
		Value:   big.NewInt(0),
		Nonce:   req.Nonce,
	}
	plan, err := a.fees.Plan(ctx, tx)
	if err != nil {
		res.Warnings = append(res.Warnings, CodeFeeEstimationFailed)
	}
	plan.Apply(&tx)
	res.Fee = &plan

	signed, err := a.signer.SignTransaction(ctx, req.UserID, tx)
	if err != nil {
		return res, Errorf(CodeSigningFailed, "sign approve: %w", err)
	}
	res.TxHash = signed.Hash
	res.NonceUsed = true

	if req.DryRun {
		log.Info().
			Str("token", req.Token).
			Str("spender", req.Spender).
			Str("amount", res.Approved.String()).
			Msg("execution: dry run approval signed")
		return res, nil
	}

	hash, err := a.node.SendRawTransaction(ctx, signed.Raw)
	if err != nil {
		return res, Errorf(CodeAllowanceUnresolved, "broadcast approve: %w", err)
	}
	res.TxHash = hash

	receipt, err := waitReceipt(ctx, a.node, hash, a.timeout, a.poll)
	if err != nil {
		return res, Errorf(CodeAllowanceUnresolved, "approve %s: %w", hash, err)
	}
	if !receipt.Succeeded() {
		return res, Errorf(CodeAllowanceUnresolved, "approve %s reverted", hash)
	}
	// Mined: the nonce is consumed on chain, pending nonce reflects it.
	res.NonceUsed = false

	log.Info().
		Str("token", req.Token).
		Str("spender", req.Spender).
		Str("tx", hash).
		Msg("execution: allowance approved")
	return res, nil
}

// ---------------------------------------------------------------------------
// Receipt polling
// ---------------------------------------------------------------------------

// errConfirmTimeout is returned by waitReceipt when no receipt appeared.
var errConfirmTimeout = errors.New("no receipt before deadline")

type receiptSource interface {
	TransactionReceipt(ctx context.Context, hash string) (*evm.Receipt, error)
}

// waitReceipt polls for hash's receipt until it appears or timeout passes.
// Transport errors while polling are logged and retried.
func waitReceipt(ctx context.Context, node receiptSource, hash string, timeout, poll time.Duration) (*evm.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		receipt, err := node.TransactionReceipt(ctx, hash)
		if err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Str("tx", hash).Msg("execution: receipt poll failed")
		}
		if receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, errConfirmTimeout
		case <-ticker.C:
		}
	}
}
