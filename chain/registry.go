package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/botmarket/settlement"
)

// ContractRegistry resolves machine controllers from the on-chain
// identity registry.
type ContractRegistry struct {
	signer  EvmSigner
	address string
}

var _ settlement.IdentityRegistry = (*ContractRegistry)(nil)

// NewContractRegistry creates a registry bound to the contract at
// address.
func NewContractRegistry(signer EvmSigner, address string) *ContractRegistry {
	return &ContractRegistry{signer: signer, address: address}
}

// Controller looks up the registered controller for machineID. The
// contract returns the zero address for unknown machines, which maps to
// ErrNotRegistered.
func (r *ContractRegistry) Controller(ctx context.Context, machineID string) (string, error) {
	result, err := r.signer.ReadContract(ctx, r.address, []byte(identityRegistryABI), "controllerOf", machineID)
	if err != nil {
		return "", fmt.Errorf("controllerOf %s: %w", machineID, err)
	}
	addr, ok := result.(common.Address)
	if !ok {
		return "", fmt.Errorf("controllerOf %s: unexpected result type %T", machineID, result)
	}
	if addr == (common.Address{}) {
		return "", settlement.ErrNotRegistered
	}
	return addr.Hex(), nil
}

// Register binds machineID to controller on chain and returns the
// transaction hash without waiting for inclusion.
func (r *ContractRegistry) Register(ctx context.Context, machineID, controller string) (string, error) {
	txHash, err := r.signer.WriteContract(ctx, r.address, []byte(identityRegistryABI), "register",
		machineID, common.HexToAddress(controller))
	if err != nil {
		return "", fmt.Errorf("register %s: %w", machineID, err)
	}
	return txHash, nil
}
