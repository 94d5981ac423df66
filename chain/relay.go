package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/botmarket/settlement"
)

// ContractRelay submits settlement claims to the escrow contract using
// the operator account.
type ContractRelay struct {
	signer  EvmSigner
	address string
}

var _ settlement.TransactionRelay = (*ContractRelay)(nil)

// NewContractRelay creates a relay bound to the escrow contract at
// address.
func NewContractRelay(signer EvmSigner, address string) *ContractRelay {
	return &ContractRelay{signer: signer, address: address}
}

// SubmitSettlement broadcasts settleCompletion for the claim and waits
// for the receipt. Reverts and timeouts surface as PipelineErrors with
// distinct codes so callers can decide retry behavior.
func (r *ContractRelay) SubmitSettlement(ctx context.Context, claim *settlement.SettlementClaim, signature []byte) (*settlement.TxReceipt, error) {
	jobSpecHash, err := hexToBytes32(claim.JobSpecHash)
	if err != nil {
		return nil, settlement.NewPipelineError(settlement.ClassFatal, settlement.ErrCodeTxFailed,
			fmt.Sprintf("invalid job spec hash: %v", err), nil)
	}
	manifestHash, err := hexToBytes32(claim.ManifestHash)
	if err != nil {
		return nil, settlement.NewPipelineError(settlement.ClassFatal, settlement.ErrCodeTxFailed,
			fmt.Sprintf("invalid manifest hash: %v", err), nil)
	}

	txHash, err := r.signer.WriteContract(ctx, r.address, []byte(escrowABI), "settleCompletion",
		new(big.Int).SetUint64(claim.JobID),
		jobSpecHash,
		manifestHash,
		claim.RobotID,
		common.HexToAddress(claim.Controller),
		big.NewInt(claim.Deadline),
		big.NewInt(int64(claim.QualityScore)),
		big.NewInt(int64(claim.WorkUnits)),
		signature)
	if err != nil {
		return nil, classifySubmitError(err)
	}

	receipt, err := r.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, settlement.NewPipelineError(settlement.ClassRetryable, settlement.ErrCodeTxTimeout,
				"transaction not mined before deadline", map[string]any{"txHash": txHash})
		}
		return nil, settlement.NewPipelineError(settlement.ClassRetryable, settlement.ErrCodeTxFailed,
			fmt.Sprintf("fetch receipt: %v", err), map[string]any{"txHash": txHash})
	}
	if receipt.Status != TxStatusSuccess {
		return nil, settlement.NewPipelineError(settlement.ClassFatal, settlement.ErrCodeTxReverted,
			"settlement transaction reverted", map[string]any{"txHash": txHash, "blockNumber": receipt.BlockNumber})
	}

	return &settlement.TxReceipt{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
	}, nil
}

// classifySubmitError maps escrow revert reasons onto stable codes.
// Deterministic reverts are fatal; everything else is assumed to be a
// transient RPC or mempool condition.
func classifySubmitError(err error) *settlement.PipelineError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "AlreadySettled"),
		strings.Contains(msg, "JobNotFound"),
		strings.Contains(msg, "DeadlineExpired"),
		strings.Contains(msg, "InvalidSignature"),
		strings.Contains(msg, "execution reverted"):
		return settlement.NewPipelineError(settlement.ClassFatal, settlement.ErrCodeTxReverted, msg, nil)
	default:
		return settlement.NewPipelineError(settlement.ClassRetryable, settlement.ErrCodeTxFailed, msg, nil)
	}
}

func hexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
