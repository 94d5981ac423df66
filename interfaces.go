package settlement

import "context"

// IdentityRegistry resolves a machine's registered payout controller.
// Implementations must be safe for concurrent use.
type IdentityRegistry interface {
	// Controller returns the checksummed controller address registered for
	// machineID, or ErrNotRegistered if none exists.
	Controller(ctx context.Context, machineID string) (string, error)

	// Register submits a registration binding machineID to controller and
	// returns the transaction hash. Optional: implementations without a
	// write path return an error.
	Register(ctx context.Context, machineID, controller string) (string, error)
}

// BlobStore persists execution manifests content-addressed by hash.
type BlobStore interface {
	// Store persists data under hash and returns a retrieval URL.
	Store(ctx context.Context, hash string, data []byte) (string, error)

	// Retrieve returns the bytes stored under hash, or ErrBlobNotFound.
	Retrieve(ctx context.Context, hash string) ([]byte, error)

	// URLFor returns the canonical URL for hash without touching storage.
	URLFor(hash string) string
}

// TransactionRelay submits settlement claims to the escrow contract on the
// controller's behalf. Errors distinguish reverts from timeouts via stable
// PipelineError codes.
type TransactionRelay interface {
	SubmitSettlement(ctx context.Context, claim *SettlementClaim, signature []byte) (*TxReceipt, error)
}

// CompletionStore is the denormalized read feed of settled completions.
type CompletionStore interface {
	Upsert(ctx context.Context, rec *CompletionRecord) error
	Get(ctx context.Context, chainID, jobID uint64) (*CompletionRecord, error)
	Recent(ctx context.Context, limit int) ([]*CompletionRecord, error)
}
