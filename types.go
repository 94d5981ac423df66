// Package settlement contains the shared vocabulary of the machine-labor
// settlement backend: execution manifests, completion requests and
// responses, settlement claims, and the interfaces of the external
// collaborators (identity registry, blob storage, transaction relay).
package settlement

import (
	"fmt"
	"time"
)

// ManifestVersion tags the manifest schema so stored manifests remain
// interpretable after format changes.
const ManifestVersion = "1.0"

// ServiceType identifies the kind of physical-world job a machine performed.
// The set is closed; adding a type requires a new scoring policy.
type ServiceType string

const (
	ServiceInspection     ServiceType = "inspection"
	ServiceSecurityPatrol ServiceType = "security_patrol"
	ServiceDelivery       ServiceType = "delivery"
)

// Valid reports whether t is one of the known service types.
func (t ServiceType) Valid() bool {
	switch t {
	case ServiceInspection, ServiceSecurityPatrol, ServiceDelivery:
		return true
	}
	return false
}

// Artifact references a piece of evidence produced during a job,
// content-addressed by its digest.
type Artifact struct {
	Kind   string `json:"kind"`
	Digest string `json:"digest"`
	URL    string `json:"url,omitempty"`
}

// InspectionData is the service payload for inspection jobs.
type InspectionData struct {
	CoverageVisited int `json:"coverageVisited"`
	CoverageTotal   int `json:"coverageTotal"`
}

// PatrolData is the service payload for security patrol jobs.
type PatrolData struct {
	CheckpointsExpected []string `json:"checkpointsExpected,omitempty"`
	CheckpointsVisited  []string `json:"checkpointsVisited"`
	AvgDwellSeconds     float64  `json:"avgDwellSeconds"`
}

// DeliveryData is the service payload for delivery jobs.
type DeliveryData struct {
	PickupProof  string `json:"pickupProof"`
	DropoffProof string `json:"dropoffProof"`
}

// ExecutionManifest is the canonical record of what a machine did for a job.
// Its keccak-256 hash over the canonical JSON form is both the storage key
// and the value a controller signs; the struct is immutable once hashed.
type ExecutionManifest struct {
	Version     string      `json:"version"`
	JobID       uint64      `json:"jobId"`
	MachineID   string      `json:"machineId"`
	Controller  string      `json:"controller"`
	ServiceType ServiceType `json:"serviceType"`
	StartedAt   int64       `json:"startedAt"`
	CompletedAt int64       `json:"completedAt"`
	RouteDigest string      `json:"routeDigest,omitempty"`
	Artifacts   []Artifact  `json:"artifacts,omitempty"`

	// Exactly one of the following is set, matching ServiceType.
	Inspection *InspectionData `json:"inspection,omitempty"`
	Patrol     *PatrolData     `json:"patrol,omitempty"`
	Delivery   *DeliveryData   `json:"delivery,omitempty"`
}

// DurationMinutes returns the job duration in minutes.
func (m *ExecutionManifest) DurationMinutes() float64 {
	return float64(m.CompletedAt-m.StartedAt) / 60.0
}

// CompletionRequest is the body of a completion report submitted by a
// machine or its controller. Declared scores, if present, are informational
// only; the backend recomputes them from the manifest.
type CompletionRequest struct {
	JobID       uint64     `json:"jobId"`
	MachineID   string     `json:"machineId"`
	Controller  string     `json:"controller"`
	ServiceType string     `json:"serviceType"`
	JobSpecHash string     `json:"jobSpecHash,omitempty"`
	StartedAt   int64      `json:"startedAt"`
	CompletedAt int64      `json:"completedAt"`
	RouteDigest string     `json:"routeDigest,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`

	Inspection *InspectionData `json:"inspection,omitempty"`
	Patrol     *PatrolData     `json:"patrol,omitempty"`
	Delivery   *DeliveryData   `json:"delivery,omitempty"`

	// Signature is the controller's EIP-712 signature over the settlement
	// claim, hex encoded. Optional outside strict relay mode.
	Signature string `json:"signature,omitempty"`
	// Deadline is the unix time after which the signature is void.
	Deadline int64 `json:"deadline,omitempty"`

	// Client-declared values, never trusted for authorization.
	DeclaredQualityScore *int `json:"qualityScore,omitempty"`
	DeclaredWorkUnits    *int `json:"workUnits,omitempty"`
}

// Manifest builds the execution manifest for this request. The resulting
// manifest carries only content the backend is willing to hash and store;
// declared scores and the signature are deliberately excluded.
func (r *CompletionRequest) Manifest(controller string) *ExecutionManifest {
	return &ExecutionManifest{
		Version:     ManifestVersion,
		JobID:       r.JobID,
		MachineID:   r.MachineID,
		Controller:  controller,
		ServiceType: ServiceType(r.ServiceType),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		RouteDigest: r.RouteDigest,
		Artifacts:   r.Artifacts,
		Inspection:  r.Inspection,
		Patrol:      r.Patrol,
		Delivery:    r.Delivery,
	}
}

// ValidateCompletionRequest performs basic field validation on a completion
// request. Schema-level validation happens before unmarshalling.
func ValidateCompletionRequest(r *CompletionRequest) error {
	if r.JobID == 0 {
		return fmt.Errorf("jobId is required")
	}
	if r.MachineID == "" {
		return fmt.Errorf("machineId is required")
	}
	if r.ServiceType == "" {
		return fmt.Errorf("serviceType is required")
	}
	if !ServiceType(r.ServiceType).Valid() {
		return fmt.Errorf("unknown serviceType: %s", r.ServiceType)
	}
	if r.CompletedAt < r.StartedAt {
		return fmt.Errorf("completedAt precedes startedAt")
	}
	return nil
}

// SettlementClaim is the struct a controller signs to authorize settlement.
// Field order matches the on-chain struct layout.
type SettlementClaim struct {
	JobID        uint64 `json:"jobId"`
	JobSpecHash  string `json:"jobSpecHash"`
	ManifestHash string `json:"manifestHash"`
	RobotID      string `json:"robotId"`
	Controller   string `json:"controller"`
	Deadline     int64  `json:"deadline"`
	QualityScore int    `json:"qualityScore"`
	WorkUnits    int    `json:"workUnits"`
}

// TxReceipt holds the on-chain result of a settlement transaction.
type TxReceipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}

// Mode selects how a settlement transaction reaches the chain.
type Mode string

const (
	// ModeRelay means the backend submits the transaction on the
	// controller's behalf given a valid off-chain signature.
	ModeRelay Mode = "relay"
	// ModeSelfSubmit means the backend returns signable typed data and the
	// caller submits its own transaction.
	ModeSelfSubmit Mode = "selfSubmit"
)

// CompletionResponse is returned to the caller and cached verbatim by the
// idempotency guard; replays are identical except for the Cached flag.
type CompletionResponse struct {
	Accepted       bool        `json:"accepted"`
	Success        bool        `json:"success"`
	Cached         bool        `json:"cached"`
	ServiceType    ServiceType `json:"serviceType"`
	ManifestHash   string      `json:"manifestHash"`
	ManifestURL    string      `json:"manifestUrl,omitempty"`
	HashVerified   bool        `json:"hashVerified"`
	Mode           Mode        `json:"mode"`
	Strict         bool        `json:"strict"`
	DryRun         bool        `json:"dryRun,omitempty"`
	Custodial      bool        `json:"custodial,omitempty"`
	IdempotencyKey string      `json:"idempotencyKey"`
	QualityScore   int         `json:"qualityScore"`
	WorkUnits      int         `json:"workUnits"`

	// Relay mode, settled on chain.
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	GasUsed     uint64 `json:"gasUsed,omitempty"`

	// Self-submit and dry-run modes.
	Claim     *SettlementClaim `json:"claim,omitempty"`
	TypedData any              `json:"typedData,omitempty"`
}

// Clock abstracts time for components that schedule or expire records.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used outside tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// CompletionRecord is the denormalized read-feed projection of a settled
// completion, upserted by the pipeline after a fresh success.
type CompletionRecord struct {
	ChainID      uint64      `json:"chainId"`
	JobID        uint64      `json:"jobId"`
	MachineID    string      `json:"machineId"`
	Controller   string      `json:"controller"`
	ServiceType  ServiceType `json:"serviceType"`
	ManifestHash string      `json:"manifestHash"`
	ManifestURL  string      `json:"manifestUrl,omitempty"`
	TxHash       string      `json:"txHash,omitempty"`
	QualityScore int         `json:"qualityScore"`
	WorkUnits    int         `json:"workUnits"`
	Custodial    bool        `json:"custodial"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}
