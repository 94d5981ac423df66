package chain

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/botmarket/settlement"
)

// mockSigner records calls and returns scripted results.
type mockSigner struct {
	readResult interface{}
	readErr    error

	writeTxHash string
	writeErr    error
	writeCalls  int
	lastFunc    string
	lastArgs    []interface{}

	receipt    *Receipt
	receiptErr error
}

func (m *mockSigner) Address() string { return "0x00000000000000000000000000000000000f00d5" }
func (m *mockSigner) ChainID() uint64 { return 84532 }

func (m *mockSigner) ReadContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (interface{}, error) {
	m.lastFunc = functionName
	m.lastArgs = args
	return m.readResult, m.readErr
}

func (m *mockSigner) WriteContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (string, error) {
	m.writeCalls++
	m.lastFunc = functionName
	m.lastArgs = args
	return m.writeTxHash, m.writeErr
}

func (m *mockSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	return m.receipt, m.receiptErr
}

func testClaim() *settlement.SettlementClaim {
	return &settlement.SettlementClaim{
		JobID:        42,
		JobSpecHash:  "0x" + strings.Repeat("11", 32),
		ManifestHash: "0x" + strings.Repeat("22", 32),
		RobotID:      "robot-7f3a",
		Controller:   "0x000000000000000000000000000000000000dEaD",
		Deadline:     1767225600,
		QualityScore: 92,
		WorkUnits:    46,
	}
}

func TestRegistry_Controller(t *testing.T) {
	signer := &mockSigner{readResult: common.HexToAddress("0x000000000000000000000000000000000000dEaD")}
	registry := NewContractRegistry(signer, "0x1111111111111111111111111111111111111111")

	addr, err := registry.Controller(context.Background(), "robot-7f3a")
	if err != nil {
		t.Fatalf("Controller: %v", err)
	}
	if !strings.EqualFold(addr, "0x000000000000000000000000000000000000dead") {
		t.Fatalf("unexpected controller: %s", addr)
	}
	if signer.lastFunc != "controllerOf" {
		t.Fatalf("called %s, want controllerOf", signer.lastFunc)
	}
}

func TestRegistry_ControllerUnregistered(t *testing.T) {
	signer := &mockSigner{readResult: common.Address{}}
	registry := NewContractRegistry(signer, "0x1111111111111111111111111111111111111111")

	_, err := registry.Controller(context.Background(), "ghost")
	if !errors.Is(err, settlement.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestRelay_SubmitSettlement(t *testing.T) {
	signer := &mockSigner{
		writeTxHash: "0xabc123",
		receipt:     &Receipt{Status: TxStatusSuccess, BlockNumber: 1234, GasUsed: 21000, TxHash: "0xabc123"},
	}
	relay := NewContractRelay(signer, "0x2222222222222222222222222222222222222222")

	receipt, err := relay.SubmitSettlement(context.Background(), testClaim(), make([]byte, 65))
	if err != nil {
		t.Fatalf("SubmitSettlement: %v", err)
	}
	if receipt.TxHash != "0xabc123" || receipt.BlockNumber != 1234 || receipt.GasUsed != 21000 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if signer.lastFunc != "settleCompletion" {
		t.Fatalf("called %s, want settleCompletion", signer.lastFunc)
	}
	if len(signer.lastArgs) != 9 {
		t.Fatalf("expected 9 args, got %d", len(signer.lastArgs))
	}
}

func TestRelay_RevertIsFatal(t *testing.T) {
	signer := &mockSigner{writeErr: errors.New("execution reverted: AlreadySettled")}
	relay := NewContractRelay(signer, "0x2222222222222222222222222222222222222222")

	_, err := relay.SubmitSettlement(context.Background(), testClaim(), make([]byte, 65))
	pe := settlement.AsPipelineError(err)
	if pe.Code != settlement.ErrCodeTxReverted {
		t.Fatalf("code %s, want %s", pe.Code, settlement.ErrCodeTxReverted)
	}
	if pe.Class != settlement.ClassFatal {
		t.Fatalf("class %v, want fatal", pe.Class)
	}
}

func TestRelay_RPCFailureIsRetryable(t *testing.T) {
	signer := &mockSigner{writeErr: errors.New("connection refused")}
	relay := NewContractRelay(signer, "0x2222222222222222222222222222222222222222")

	_, err := relay.SubmitSettlement(context.Background(), testClaim(), make([]byte, 65))
	pe := settlement.AsPipelineError(err)
	if pe.Code != settlement.ErrCodeTxFailed {
		t.Fatalf("code %s, want %s", pe.Code, settlement.ErrCodeTxFailed)
	}
	if !settlement.IsRetryable(err) {
		t.Fatal("rpc failure should be retryable")
	}
}

func TestRelay_RevertedReceipt(t *testing.T) {
	signer := &mockSigner{
		writeTxHash: "0xdef456",
		receipt:     &Receipt{Status: 0, BlockNumber: 1235, TxHash: "0xdef456"},
	}
	relay := NewContractRelay(signer, "0x2222222222222222222222222222222222222222")

	_, err := relay.SubmitSettlement(context.Background(), testClaim(), make([]byte, 65))
	pe := settlement.AsPipelineError(err)
	if pe.Code != settlement.ErrCodeTxReverted {
		t.Fatalf("code %s, want %s", pe.Code, settlement.ErrCodeTxReverted)
	}
	if pe.Details["txHash"] != "0xdef456" {
		t.Fatalf("expected tx hash in details, got %+v", pe.Details)
	}
}

func TestRelay_TimeoutWaitingForReceipt(t *testing.T) {
	signer := &mockSigner{
		writeTxHash: "0xdef456",
		receiptErr:  context.DeadlineExceeded,
	}
	relay := NewContractRelay(signer, "0x2222222222222222222222222222222222222222")

	_, err := relay.SubmitSettlement(context.Background(), testClaim(), make([]byte, 65))
	pe := settlement.AsPipelineError(err)
	if pe.Code != settlement.ErrCodeTxTimeout {
		t.Fatalf("code %s, want %s", pe.Code, settlement.ErrCodeTxTimeout)
	}
	if !settlement.IsRetryable(err) {
		t.Fatal("timeout should be retryable")
	}
}

func TestRelay_BadHashRejected(t *testing.T) {
	claim := testClaim()
	claim.ManifestHash = "0x1234"
	relay := NewContractRelay(&mockSigner{}, "0x2222222222222222222222222222222222222222")

	_, err := relay.SubmitSettlement(context.Background(), claim, make([]byte, 65))
	if err == nil {
		t.Fatal("expected error for short manifest hash")
	}
}
