// Package chain talks to the machine-labor escrow and identity contracts
// on an EVM network: resolving registered controllers, relaying settlement
// transactions, and classifying reverts into stable error codes.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TxStatusSuccess is the receipt status of a mined, non-reverted
// transaction.
const TxStatusSuccess = uint64(1)

// Receipt is the mined result of a transaction.
type Receipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
	TxHash      string `json:"transactionHash"`
}

// EvmSigner abstracts the operator account's view of an EVM network.
type EvmSigner interface {
	// Address returns the signer's checksummed address.
	Address() string

	// ChainID returns the connected network's chain ID.
	ChainID() uint64

	// ReadContract executes an eth_call against a contract function and
	// returns the unpacked result (single value, or []interface{} for
	// multiple outputs).
	ReadContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (interface{}, error)

	// WriteContract signs and broadcasts a contract transaction and
	// returns its hash without waiting for inclusion.
	WriteContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (string, error)

	// WaitForTransactionReceipt polls until the transaction is mined or
	// ctx expires.
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// KeySigner implements EvmSigner with a raw ECDSA key and an ethclient
// connection.
type KeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     *ethclient.Client
	chainID    *big.Int

	// pollInterval controls receipt polling.
	pollInterval time.Duration
}

var _ EvmSigner = (*KeySigner)(nil)

// NewKeySigner creates a signer from a hex private key connected to
// rpcURL. The chain ID is fetched once at construction.
func NewKeySigner(ctx context.Context, privateKeyHex, rpcURL string) (*KeySigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	return &KeySigner{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		client:       client,
		chainID:      chainID,
		pollInterval: 2 * time.Second,
	}, nil
}

func (s *KeySigner) Address() string { return s.address.Hex() }

func (s *KeySigner) ChainID() uint64 { return s.chainID.Uint64() }

func (s *KeySigner) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiJSON []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", functionName, err)
	}

	addr := common.HexToAddress(contractAddress)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", functionName, err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", functionName, err)
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

func (s *KeySigner) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiJSON []byte,
	functionName string,
	args ...interface{},
) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return "", fmt.Errorf("parse abi: %w", err)
	}
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", functionName, err)
	}

	addr := common.HexToAddress(contractAddress)
	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &addr,
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &addr,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

func (s *KeySigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &Receipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				TxHash:      txHash,
			}, nil
		}
		if err != ethereum.NotFound {
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
