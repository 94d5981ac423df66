package claims

import (
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/botmarket/settlement"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func testClaim(controller string) *settlement.SettlementClaim {
	return &settlement.SettlementClaim{
		JobID:        42,
		JobSpecHash:  "0x" + strings.Repeat("11", 32),
		ManifestHash: "0x" + strings.Repeat("22", 32),
		RobotID:      "robot-7f3a",
		Controller:   controller,
		Deadline:     1767225600,
		QualityScore: 92,
		WorkUnits:    46,
	}
}

func TestHashDeterministic(t *testing.T) {
	claim := testClaim("0x000000000000000000000000000000000000dEaD")

	h1, err := Hash(claim, 84532, testContract)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := Hash(claim, 84532, testContract)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if len(h1) != 32 {
		t.Fatalf("digest length %d, want 32", len(h1))
	}
	if string(h1) != string(h2) {
		t.Fatal("same claim hashed to different digests")
	}

	// Any field change must move the digest.
	mutated := *claim
	mutated.QualityScore = 93
	h3, err := Hash(&mutated, 84532, testContract)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if string(h1) == string(h3) {
		t.Fatal("score change did not change digest")
	}

	// A different chain binds to a different domain.
	h4, err := Hash(claim, 8453, testContract)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if string(h1) == string(h4) {
		t.Fatal("chain change did not change digest")
	}
}

func TestHashRejectsBadHashes(t *testing.T) {
	claim := testClaim("0x000000000000000000000000000000000000dEaD")
	claim.ManifestHash = "0x1234"
	if _, err := Hash(claim, 84532, testContract); err == nil {
		t.Fatal("expected error for short manifest hash")
	}

	claim = testClaim("0x000000000000000000000000000000000000dEaD")
	claim.JobSpecHash = "not-hex"
	if _, err := Hash(claim, 84532, testContract); err == nil {
		t.Fatal("expected error for non-hex job spec hash")
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	controller := crypto.PubkeyToAddress(key.PublicKey).Hex()
	claim := testClaim(controller)

	sig, err := Sign(claim, 84532, testContract, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") || len(sig) != 132 {
		t.Fatalf("unexpected signature encoding: %s", sig)
	}

	digest, err := Hash(claim, 84532, testContract)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	if !strings.EqualFold(recovered, controller) {
		t.Fatalf("recovered %s, want %s", recovered, controller)
	}
}

func TestRecoverSignerAcceptsRawRecoveryID(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	controller := crypto.PubkeyToAddress(key.PublicKey).Hex()
	claim := testClaim(controller)

	digest, err := Hash(claim, 84532, testContract)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	// crypto.Sign returns v as 0/1; no 27 adjustment here.
	raw, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	recovered, err := RecoverSigner(digest, "0x"+fmt.Sprintf("%x", raw))
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	if !strings.EqualFold(recovered, controller) {
		t.Fatalf("recovered %s, want %s", recovered, controller)
	}
}

func TestVerifyController(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	controller := crypto.PubkeyToAddress(key.PublicKey).Hex()
	claim := testClaim(controller)

	sig, err := Sign(claim, 84532, testContract, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := VerifyController(claim, 84532, testContract, sig, controller); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// Lowercased registry entry still matches.
	if err := VerifyController(claim, 84532, testContract, sig, strings.ToLower(controller)); err != nil {
		t.Fatalf("case-insensitive match failed: %v", err)
	}

	// A signature from a different key recovers a different address.
	forger, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	forged, err := Sign(claim, 84532, testContract, forger)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := VerifyController(claim, 84532, testContract, forged, controller); err == nil {
		t.Fatal("forged signature accepted")
	}

	// The registered controller differing from the claim's is rejected
	// even with a valid signature.
	other := "0x000000000000000000000000000000000000dEaD"
	if err := VerifyController(claim, 84532, testContract, sig, other); err == nil {
		t.Fatal("registry mismatch accepted")
	}

	// Mutating the claim after signing invalidates the signature.
	tampered := *claim
	tampered.WorkUnits = 999
	if err := VerifyController(&tampered, 84532, testContract, sig, controller); err == nil {
		t.Fatal("tampered claim accepted")
	}
}

func TestRecoverSignerRejectsMalformed(t *testing.T) {
	digest := make([]byte, 32)
	if _, err := RecoverSigner(digest, "0x1234"); err == nil {
		t.Fatal("expected error for short signature")
	}
	if _, err := RecoverSigner(digest, "zz"); err == nil {
		t.Fatal("expected error for non-hex signature")
	}
}
