// Package pipeline implements the completion submission pipeline: the
// authoritative path from a machine's completion report to a settled
// escrow claim. Stages run in a fixed order (schema, validation,
// identity, manifest hashing, storage, scoring, authorization,
// submission) and every failure branch records a dead-letter event
// before surfacing its error.
package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/botmarket/settlement"
	"github.com/botmarket/settlement/canonical"
	"github.com/botmarket/settlement/claims"
	"github.com/botmarket/settlement/dlq"
	"github.com/botmarket/settlement/idempotency"
	"github.com/botmarket/settlement/scoring"
)

// DefaultClaimTTL is the signature deadline horizon applied when a
// request does not declare its own deadline.
const DefaultClaimTTL = time.Hour

// zeroHash stands in for an absent job spec hash in the on-chain claim.
var zeroHash = "0x" + strings.Repeat("00", 32)

// Config is the static configuration of a Pipeline.
type Config struct {
	// ChainID is the default target chain.
	ChainID uint64
	// Strict requires a controller signature on every relay submission
	// and re-verifies stored manifests against their hash.
	Strict bool
	// DefaultMode applies when a request does not select one.
	DefaultMode settlement.Mode
	// VerifyingContract anchors the EIP-712 domain.
	VerifyingContract string
	// ConnectorType names the blob backend in DLQ metadata, e.g. "s3".
	ConnectorType string
	// ClaimTTL overrides DefaultClaimTTL when positive.
	ClaimTTL time.Duration
}

// Options are per-request overrides.
type Options struct {
	// DryRun computes hashes, scores, and typed data without touching
	// storage, the idempotency guard, or the chain.
	DryRun bool
	// ChainID overrides the configured default when non-zero.
	ChainID uint64
	// Mode overrides the configured default when set.
	Mode settlement.Mode

	// suppressDLQ is set by the replay path so a failed replay does not
	// enqueue a second event for the same incident.
	suppressDLQ bool
}

// Pipeline wires the completion stages to their collaborators.
type Pipeline struct {
	cfg      Config
	registry settlement.IdentityRegistry
	blobs    settlement.BlobStore
	relay    settlement.TransactionRelay
	guard    *idempotency.Guard
	events   dlq.Store
	feed     settlement.CompletionStore
	clock    settlement.Clock
	log      *slog.Logger
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithClock injects a clock for tests.
func WithClock(c settlement.Clock) PipelineOption {
	return func(p *Pipeline) { p.clock = c }
}

// WithLogger sets the pipeline's logger.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = l }
}

// New creates a Pipeline. All collaborators are required except that
// relay may be nil when only self-submit and dry-run are used.
func New(
	cfg Config,
	registry settlement.IdentityRegistry,
	blobs settlement.BlobStore,
	relay settlement.TransactionRelay,
	guard *idempotency.Guard,
	events dlq.Store,
	feed settlement.CompletionStore,
	opts ...PipelineOption,
) *Pipeline {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = settlement.ModeRelay
	}
	p := &Pipeline{
		cfg:      cfg,
		registry: registry,
		blobs:    blobs,
		relay:    relay,
		guard:    guard,
		events:   events,
		feed:     feed,
		clock:    settlement.SystemClock{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessCompletion runs one completion report through the pipeline and
// returns the response that was (or previously had been) produced for
// its idempotency key. Errors carry stable codes; retryable and
// integrity failures have already been recorded in the dead letter
// queue when this returns.
func (p *Pipeline) ProcessCompletion(ctx context.Context, rawBody []byte, opts Options) (*settlement.CompletionResponse, error) {
	chainID := opts.ChainID
	if chainID == 0 {
		chainID = p.cfg.ChainID
	}
	mode := opts.Mode
	if mode == "" {
		mode = p.cfg.DefaultMode
	}

	if err := validateSchema(rawBody); err != nil {
		p.enqueue(ctx, dlq.TypeSchemaFail, chainID, mode, rawBody, nil, "", err, opts)
		return nil, err
	}

	var req settlement.CompletionRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		perr := settlement.NewPipelineError(settlement.ClassClient, settlement.ErrCodeSchemaInvalid,
			fmt.Sprintf("request does not decode: %v", err), nil)
		p.enqueue(ctx, dlq.TypeSchemaFail, chainID, mode, rawBody, nil, "", perr, opts)
		return nil, perr
	}

	if err := p.validateRequest(&req); err != nil {
		p.enqueue(ctx, dlq.TypeValidationFail, chainID, mode, rawBody, &req, "", err, opts)
		return nil, err
	}

	registered, err := p.resolveController(ctx, mode, &req)
	if err != nil {
		p.enqueue(ctx, dlq.TypeValidationFail, chainID, mode, rawBody, &req, "", err, opts)
		return nil, err
	}

	manifest := req.Manifest(registered)
	manifestHash, canonicalJSON, err := canonical.HashManifest(manifest)
	if err != nil {
		perr := settlement.NewPipelineError(settlement.ClassRetryable, settlement.ErrCodeInternal,
			fmt.Sprintf("canonicalize manifest: %v", err), nil)
		p.enqueue(ctx, dlq.TypeValidationFail, chainID, mode, rawBody, &req, "", perr, opts)
		return nil, perr
	}

	scores := scoring.Score(manifest)
	claim := p.buildClaim(&req, registered, manifestHash, scores)

	if opts.DryRun {
		return p.dryRunResponse(chainID, mode, &req, manifestHash, claim, scores)
	}

	requestHash := canonical.HashBytes(rawBody)
	key := idempotency.Key(chainID, req.JobID)

	outcome, err := p.guard.Do(ctx, key, requestHash, manifestHash, func(hctx context.Context) ([]byte, error) {
		return p.settle(hctx, chainID, mode, key, rawBody, &req, manifest, canonicalJSON, manifestHash, claim, scores, opts)
	})
	if err != nil {
		// Handler failures enqueued inside settle; the guard's own
		// conflict gets its event here. Replaying one is harmless: the
		// guard replays or conflicts again.
		if settlement.AsPipelineError(err).Code == settlement.ErrCodeInFlight {
			p.enqueue(ctx, dlq.TypeIdempotencyConflict, chainID, mode, rawBody, &req, manifestHash, err, opts)
		}
		return nil, err
	}

	var resp settlement.CompletionResponse
	if err := json.Unmarshal(outcome.Response, &resp); err != nil {
		return nil, settlement.NewPipelineError(settlement.ClassRetryable, settlement.ErrCodeInternal,
			fmt.Sprintf("stored response for %s does not decode: %v", key, err), nil)
	}
	resp.Cached = outcome.Cached
	return &resp, nil
}

// settle is the guarded section: it runs at most once per idempotency
// key and its serialized response is replayed verbatim afterwards.
func (p *Pipeline) settle(
	ctx context.Context,
	chainID uint64,
	mode settlement.Mode,
	key string,
	rawBody []byte,
	req *settlement.CompletionRequest,
	manifest *settlement.ExecutionManifest,
	canonicalJSON []byte,
	manifestHash string,
	claim *settlement.SettlementClaim,
	scores scoring.Result,
	opts Options,
) ([]byte, error) {
	manifestURL, err := p.blobs.Store(ctx, manifestHash, canonicalJSON)
	if err != nil {
		if p.cfg.Strict {
			perr := settlement.NewPipelineError(settlement.ClassRetryable, settlement.ErrCodeUploadFailed,
				fmt.Sprintf("store manifest %s: %v", manifestHash, err), nil)
			p.enqueue(ctx, dlq.TypeUploadFail, chainID, mode, rawBody, req, manifestHash, perr, opts)
			return nil, perr
		}
		// Non-strict degrades to the canonical address; the manifest can
		// be re-uploaded out of band since the hash pins its content.
		p.log.Warn("manifest upload failed, degrading to canonical url",
			"manifestHash", manifestHash, "error", err)
		manifestURL = p.blobs.URLFor(manifestHash)
	}

	hashVerified := false
	if p.cfg.Strict {
		stored, err := p.blobs.Retrieve(ctx, manifestHash)
		if err != nil {
			perr := settlement.NewPipelineError(settlement.ClassRetryable, settlement.ErrCodeUploadFailed,
				fmt.Sprintf("read back manifest %s: %v", manifestHash, err), nil)
			p.enqueue(ctx, dlq.TypeUploadFail, chainID, mode, rawBody, req, manifestHash, perr, opts)
			return nil, perr
		}
		if got := canonical.HashBytes(stored); got != manifestHash {
			perr := settlement.NewPipelineError(settlement.ClassFatal, settlement.ErrCodeHashMismatch,
				"stored manifest does not hash to its address",
				map[string]any{"expected": manifestHash, "actual": got})
			p.enqueue(ctx, dlq.TypeHashMismatch, chainID, mode, rawBody, req, manifestHash, perr, opts)
			return nil, perr
		}
		hashVerified = true
	}

	resp := &settlement.CompletionResponse{
		Accepted:       true,
		Success:        true,
		ServiceType:    manifest.ServiceType,
		ManifestHash:   manifestHash,
		ManifestURL:    manifestURL,
		HashVerified:   hashVerified,
		Mode:           mode,
		Strict:         p.cfg.Strict,
		IdempotencyKey: key,
		QualityScore:   scores.QualityScore,
		WorkUnits:      scores.WorkUnits,
	}

	if mode == settlement.ModeSelfSubmit {
		td, err := claims.TypedData(claim, chainID, p.cfg.VerifyingContract)
		if err != nil {
			perr := settlement.NewPipelineError(settlement.ClassRetryable, settlement.ErrCodeInternal,
				fmt.Sprintf("build typed data: %v", err), nil)
			p.enqueue(ctx, dlq.TypeValidationFail, chainID, mode, rawBody, req, manifestHash, perr, opts)
			return nil, perr
		}
		resp.Claim = claim
		resp.TypedData = td
		p.upsertFeed(ctx, chainID, req, manifest, manifestHash, manifestURL, "", false, scores)
		return json.Marshal(resp)
	}

	if req.Signature == "" {
		if p.cfg.Strict {
			perr := settlement.NewPipelineError(settlement.ClassClient, settlement.ErrCodeSignatureMissing,
				"relay mode requires a controller signature", nil)
			p.enqueue(ctx, dlq.TypeValidationFail, chainID, mode, rawBody, req, manifestHash, perr, opts)
			return nil, perr
		}
		// Custodial completion: the platform records the settled work with
		// no on-chain proof. The controller can settle later with the
		// stored manifest hash.
		resp.Custodial = true
		p.upsertFeed(ctx, chainID, req, manifest, manifestHash, manifestURL, "", true, scores)
		p.log.Info("completion recorded custodially",
			"key", key, "serviceType", manifest.ServiceType,
			"manifestHash", manifestHash,
			"qualityScore", scores.QualityScore, "workUnits", scores.WorkUnits)
		return json.Marshal(resp)
	}

	if verr := claims.VerifyController(claim, chainID, p.cfg.VerifyingContract, req.Signature, claim.Controller); verr != nil {
		perr := settlement.NewPipelineError(settlement.ClassClient, settlement.ErrCodeSignatureInvalid,
			verr.Error(), nil)
		p.enqueue(ctx, dlq.TypeValidationFail, chainID, mode, rawBody, req, claim.ManifestHash, perr, opts)
		return nil, perr
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil {
		perr := settlement.NewPipelineError(settlement.ClassClient, settlement.ErrCodeSignatureInvalid,
			fmt.Sprintf("signature is not valid hex: %v", err), nil)
		p.enqueue(ctx, dlq.TypeValidationFail, chainID, mode, rawBody, req, manifestHash, perr, opts)
		return nil, perr
	}

	receipt, err := p.relay.SubmitSettlement(ctx, claim, sig)
	if err != nil {
		p.enqueue(ctx, dlq.TypeTransactionFail, chainID, mode, rawBody, req, manifestHash, err, opts)
		return nil, err
	}

	resp.TxHash = receipt.TxHash
	resp.BlockNumber = receipt.BlockNumber
	resp.GasUsed = receipt.GasUsed
	resp.Claim = claim

	p.upsertFeed(ctx, chainID, req, manifest, manifestHash, manifestURL, receipt.TxHash, false, scores)

	p.log.Info("completion settled",
		"key", key, "serviceType", manifest.ServiceType,
		"manifestHash", manifestHash, "txHash", receipt.TxHash,
		"qualityScore", scores.QualityScore, "workUnits", scores.WorkUnits)

	return json.Marshal(resp)
}

func (p *Pipeline) validateRequest(req *settlement.CompletionRequest) error {
	if !settlement.ServiceType(req.ServiceType).Valid() && req.ServiceType != "" {
		return settlement.NewPipelineError(settlement.ClassClient, settlement.ErrCodeUnknownServiceType,
			fmt.Sprintf("unknown serviceType: %s", req.ServiceType),
			map[string]any{"serviceType": req.ServiceType})
	}
	if err := settlement.ValidateCompletionRequest(req); err != nil {
		return settlement.NewPipelineError(settlement.ClassClient, settlement.ErrCodeValidationFailed,
			err.Error(), nil)
	}
	return nil
}

func (p *Pipeline) resolveController(ctx context.Context, mode settlement.Mode, req *settlement.CompletionRequest) (string, error) {
	registered, err := p.registry.Controller(ctx, req.MachineID)
	if isNotRegistered(err) && mode == settlement.ModeRelay && req.Controller != "" {
		// One auto-registration attempt binds the declared controller;
		// a second lookup decides whether it took.
		if _, rerr := p.registry.Register(ctx, req.MachineID, req.Controller); rerr != nil {
			p.log.Warn("auto-registration failed",
				"machineId", req.MachineID, "error", rerr)
		} else {
			p.log.Info("auto-registered machine",
				"machineId", req.MachineID, "controller", req.Controller)
			registered, err = p.registry.Controller(ctx, req.MachineID)
		}
	}
	if err != nil {
		if isNotRegistered(err) {
			return "", settlement.NewPipelineError(settlement.ClassNotFound, settlement.ErrCodeMachineNotFound,
				fmt.Sprintf("machine %s has no registered controller", req.MachineID), nil)
		}
		return "", settlement.NewPipelineError(settlement.ClassRetryable, settlement.ErrCodeInternal,
			fmt.Sprintf("identity lookup for %s: %v", req.MachineID, err), nil)
	}
	if req.Controller != "" && !strings.EqualFold(req.Controller, registered) {
		return "", settlement.NewPipelineError(settlement.ClassClient, settlement.ErrCodeControllerMismatch,
			fmt.Sprintf("declared controller %s does not match registered %s", req.Controller, registered),
			map[string]any{"declared": req.Controller, "registered": registered})
	}
	return registered, nil
}

func isNotRegistered(err error) bool {
	return err != nil &&
		(err == settlement.ErrNotRegistered || strings.Contains(err.Error(), settlement.ErrNotRegistered.Error()))
}

func (p *Pipeline) buildClaim(req *settlement.CompletionRequest, controller, manifestHash string, scores scoring.Result) *settlement.SettlementClaim {
	jobSpecHash := req.JobSpecHash
	if jobSpecHash == "" {
		jobSpecHash = zeroHash
	}
	deadline := req.Deadline
	if deadline == 0 {
		deadline = p.clock.Now().Add(p.cfg.ClaimTTL).Unix()
	}
	return &settlement.SettlementClaim{
		JobID:        req.JobID,
		JobSpecHash:  jobSpecHash,
		ManifestHash: manifestHash,
		RobotID:      req.MachineID,
		Controller:   controller,
		Deadline:     deadline,
		QualityScore: scores.QualityScore,
		WorkUnits:    scores.WorkUnits,
	}
}

func (p *Pipeline) dryRunResponse(
	chainID uint64,
	mode settlement.Mode,
	req *settlement.CompletionRequest,
	manifestHash string,
	claim *settlement.SettlementClaim,
	scores scoring.Result,
) (*settlement.CompletionResponse, error) {
	td, err := claims.TypedData(claim, chainID, p.cfg.VerifyingContract)
	if err != nil {
		return nil, settlement.NewPipelineError(settlement.ClassRetryable, settlement.ErrCodeInternal,
			fmt.Sprintf("build typed data: %v", err), nil)
	}
	return &settlement.CompletionResponse{
		Accepted:       true,
		Success:        true,
		DryRun:         true,
		ServiceType:    settlement.ServiceType(req.ServiceType),
		ManifestHash:   manifestHash,
		Mode:           mode,
		Strict:         p.cfg.Strict,
		IdempotencyKey: idempotency.Key(chainID, req.JobID),
		QualityScore:   scores.QualityScore,
		WorkUnits:      scores.WorkUnits,
		Claim:          claim,
		TypedData:      td,
	}, nil
}

func (p *Pipeline) upsertFeed(
	ctx context.Context,
	chainID uint64,
	req *settlement.CompletionRequest,
	manifest *settlement.ExecutionManifest,
	manifestHash, manifestURL, txHash string,
	custodial bool,
	scores scoring.Result,
) {
	if p.feed == nil {
		return
	}
	now := p.clock.Now().UTC()
	rec := &settlement.CompletionRecord{
		ChainID:      chainID,
		JobID:        req.JobID,
		MachineID:    req.MachineID,
		Controller:   manifest.Controller,
		ServiceType:  manifest.ServiceType,
		ManifestHash: manifestHash,
		ManifestURL:  manifestURL,
		TxHash:       txHash,
		QualityScore: scores.QualityScore,
		WorkUnits:    scores.WorkUnits,
		Custodial:    custodial,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.feed.Upsert(ctx, rec); err != nil {
		// The settlement already happened; the feed is a projection and
		// must not fail the request.
		p.log.Error("completion feed upsert failed",
			"chainId", chainID, "jobId", req.JobID, "error", err)
	}
}

// enqueue records a pipeline failure in the dead letter queue. DLQ
// write failures are logged, never propagated: the original error is
// what the caller must see.
func (p *Pipeline) enqueue(
	ctx context.Context,
	ft dlq.FailureType,
	chainID uint64,
	mode settlement.Mode,
	rawBody []byte,
	req *settlement.CompletionRequest,
	manifestHash string,
	cause error,
	opts Options,
) {
	if opts.suppressDLQ || opts.DryRun || p.events == nil {
		return
	}

	pe := settlement.AsPipelineError(cause)
	payload, err := json.Marshal(replayEnvelope{ChainID: chainID, Mode: mode, Body: rawBody})
	if err != nil {
		p.log.Error("dlq payload marshal failed", "error", err)
		payload = nil
	}

	meta := dlq.Metadata{ConnectorType: p.cfg.ConnectorType, ManifestHash: manifestHash}
	if req != nil {
		meta.ServiceType = req.ServiceType
		meta.JobID = fmt.Sprintf("%d", req.JobID)
	}

	now := p.clock.Now().UTC()
	id, err := p.events.Enqueue(ctx, &dlq.Event{
		Type:       ft,
		Payload:    payload,
		Reason:     pe.Message,
		ErrorCode:  pe.Code,
		ErrorStack: fmt.Sprintf("%+v", cause),
		Metadata:   meta,
		CreatedAt:  now,
	})
	if err != nil {
		p.log.Error("dlq enqueue failed", "type", ft, "error", err)
		return
	}
	p.log.Warn("pipeline failure recorded",
		"dlqId", id, "type", ft, "code", pe.Code, "jobId", meta.JobID)
}
