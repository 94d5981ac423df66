// Package claims builds and verifies the EIP-712 typed data that a
// machine controller signs to authorize settlement of a completed job.
package claims

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/botmarket/settlement"
)

const (
	// DomainName and DomainVersion identify the signing domain. They must
	// match the settlement contract's EIP-712 domain or recovery will
	// produce the wrong address.
	DomainName    = "BotMarket Settlement"
	DomainVersion = "1"

	primaryType = "SettlementClaim"
)

// TypedData assembles the full EIP-712 payload for a claim. Self-submit
// callers receive this verbatim so any standard wallet can sign it.
func TypedData(claim *settlement.SettlementClaim, chainID uint64, verifyingContract string) (*apitypes.TypedData, error) {
	// Message values stay JSON-friendly (hex and decimal strings) so the
	// payload round-trips to wallets unchanged; apitypes parses both
	// forms when hashing.
	if _, err := hashToBytes32(claim.JobSpecHash); err != nil {
		return nil, fmt.Errorf("invalid jobSpecHash: %w", err)
	}
	if _, err := hashToBytes32(claim.ManifestHash); err != nil {
		return nil, fmt.Errorf("invalid manifestHash: %w", err)
	}

	return &apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			primaryType: {
				{Name: "jobId", Type: "uint256"},
				{Name: "jobSpecHash", Type: "bytes32"},
				{Name: "manifestHash", Type: "bytes32"},
				{Name: "robotId", Type: "string"},
				{Name: "controller", Type: "address"},
				{Name: "deadline", Type: "uint256"},
				{Name: "qualityScore", Type: "uint256"},
				{Name: "workUnits", Type: "uint256"},
			},
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           math.NewHexOrDecimal256(int64(chainID)),
			VerifyingContract: common.HexToAddress(verifyingContract).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"jobId":        new(big.Int).SetUint64(claim.JobID).String(),
			"jobSpecHash":  claim.JobSpecHash,
			"manifestHash": claim.ManifestHash,
			"robotId":      claim.RobotID,
			"controller":   common.HexToAddress(claim.Controller).Hex(),
			"deadline":     big.NewInt(claim.Deadline).String(),
			"qualityScore": big.NewInt(int64(claim.QualityScore)).String(),
			"workUnits":    big.NewInt(int64(claim.WorkUnits)).String(),
		},
	}, nil
}

// Hash computes the EIP-712 digest for a claim:
// keccak256("\x19\x01" || domainSeparator || structHash).
func Hash(claim *settlement.SettlementClaim, chainID uint64, verifyingContract string) ([]byte, error) {
	td, err := TypedData(claim, chainID, verifyingContract)
	if err != nil {
		return nil, err
	}
	return HashTypedData(td)
}

// HashTypedData computes the EIP-712 digest of an assembled payload.
func HashTypedData(td *apitypes.TypedData) ([]byte, error) {
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("hash struct: %w", err)
	}
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, structHash...)
	return crypto.Keccak256(rawData), nil
}

// Sign produces a 65-byte hex signature over the claim digest with v in
// Ethereum convention (27/28). Used by the custodial path where the
// operator key signs on a machine's behalf.
func Sign(claim *settlement.SettlementClaim, chainID uint64, verifyingContract string, key *ecdsa.PrivateKey) (string, error) {
	digest, err := Hash(claim, chainID, verifyingContract)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("sign claim: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverSigner recovers the address that produced signature over the
// claim digest. Accepts both the raw recovery id (0/1) and the Ethereum
// convention (27/28) in the final byte.
func RecoverSigner(digest []byte, signature string) (string, error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return "", err
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey).Hex(), nil
}

// VerifyController checks that the request signature binds the claim to
// its registered controller: the recovered signer, the address the
// caller declared, and the registry's controller of record must all be
// the same address.
func VerifyController(claim *settlement.SettlementClaim, chainID uint64, verifyingContract, signature, registered string) error {
	digest, err := Hash(claim, chainID, verifyingContract)
	if err != nil {
		return err
	}
	recovered, err := RecoverSigner(digest, signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, claim.Controller) {
		return fmt.Errorf("signature recovered %s, claim controller is %s", recovered, claim.Controller)
	}
	if !strings.EqualFold(recovered, registered) {
		return fmt.Errorf("signature recovered %s, registered controller is %s", recovered, registered)
	}
	return nil
}

func decodeSignature(signature string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	return sig, nil
}

func hashToBytes32(h string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	return b, nil
}
