package types

import (
	"time"
)

// SubSystem tags log lines with the component that emitted them.
type SubSystem string

const (
	System       SubSystem = "System"
	Nodes        SubSystem = "Nodes"
	Scheduling   SubSystem = "Scheduling"
	Partitioning SubSystem = "Partitioning"
	Validation   SubSystem = "Validation"
	Verification SubSystem = "Verification"
	Scoring      SubSystem = "Scoring"
	Chain        SubSystem = "Chain"
	Storage      SubSystem = "Storage"
	Server       SubSystem = "Server"
	Messages     SubSystem = "Messages"
	Training     SubSystem = "Training"
)

// NodeStatus is the registry's view of a contributor.
type NodeStatus string

const (
	NodeStatusUnknown   NodeStatus = "unknown"
	NodeStatusActive    NodeStatus = "active"
	NodeStatusProbation NodeStatus = "probation"
	NodeStatusBanned    NodeStatus = "banned"
)

// Capability is what a node declares about itself at registration time.
// ComputeClass is an opaque tier label ("a100-80g", "consumer-24g", ...);
// the scheduler only compares it against unit requirements.
type Capability struct {
	ComputeClass string `json:"compute_class"`
	BandwidthMbs uint32 `json:"bandwidth_mbs"`
	GPUCount     uint32 `json:"gpu_count"`
}

// Node is a registered compute contributor. Identity is the node's chain
// account address; PubKey is the base64 compressed secp256k1 key its
// requests are signed with. Nodes are never deleted, only transitioned to
// banned.
type Node struct {
	ID              string     `json:"id"`
	PubKey          string     `json:"pub_key"`
	Capability      Capability `json:"capability"`
	Status          NodeStatus `json:"status"`
	RegisteredAt    time.Time  `json:"registered_at"`
	LastSeen        time.Time  `json:"last_seen"`
	MissedBeats     int        `json:"missed_beats"`
	Rejections      int        `json:"rejections"`
	SuspectCount    int        `json:"suspect_count"`
	FraudCount      int        `json:"fraud_count"`
	IdleWindows     int        `json:"idle_windows"`
	VerifiedScore   float64    `json:"verified_score"`
	VerifiedUnits   uint64     `json:"verified_units"`
	BanReason       string     `json:"ban_reason,omitempty"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
}

// UnitState is the scheduler-owned lifecycle of a WorkUnit.
type UnitState string

const (
	UnitStatePending   UnitState = "pending"
	UnitStateAssigned  UnitState = "assigned"
	UnitStateSubmitted UnitState = "submitted"
	UnitStateVerified  UnitState = "verified"
	UnitStateFailed    UnitState = "failed"
	UnitStateExpired   UnitState = "expired"
)

// UnitType selects the verification strategy for a unit.
type UnitType string

const (
	// UnitTypeReference units are spot-checked by re-executing a sampled
	// fraction against the trusted training framework.
	UnitTypeReference UnitType = "reference"
	// UnitTypeQuorum units are assigned redundantly and accepted when a
	// quorum of submissions agrees within tolerance.
	UnitTypeQuorum UnitType = "quorum"
)

// ShardDescriptor pins a unit to a slice of the global task: a contiguous
// data range, a model partition, and a step range.
type ShardDescriptor struct {
	DataStart      uint64 `json:"data_start"`
	DataEnd        uint64 `json:"data_end"`
	ModelPartition uint32 `json:"model_partition"`
	StepStart      uint64 `json:"step_start"`
	StepEnd        uint64 `json:"step_end"`
}

// Steps returns the number of compute steps the shard covers. It is the
// unit-type-independent part of a unit's incentive value.
func (s ShardDescriptor) Steps() uint64 {
	if s.StepEnd <= s.StepStart {
		return 0
	}
	return s.StepEnd - s.StepStart
}

// Assignment records one node currently holding a unit replica.
type Assignment struct {
	NodeID     string    `json:"node_id"`
	AssignedAt time.Time `json:"assigned_at"`
	Deadline   time.Time `json:"deadline"`
}

// WorkUnit is the smallest schedulable slice of a training task. State
// transitions happen only inside the scheduler; everything else reads
// snapshots.
type WorkUnit struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Type        UnitType        `json:"type"`
	Shard       ShardDescriptor `json:"shard"`
	State       UnitState       `json:"state"`
	Assignments []Assignment    `json:"assignments,omitempty"`
	Retries     int             `json:"retries"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ActiveAssignment returns the assignment held by nodeID, or nil.
func (u *WorkUnit) ActiveAssignment(nodeID string) *Assignment {
	for i := range u.Assignments {
		if u.Assignments[i].NodeID == nodeID {
			return &u.Assignments[i]
		}
	}
	return nil
}

// IsTerminal reports whether the unit can no longer change state.
func (u *WorkUnit) IsTerminal() bool {
	return u.State == UnitStateVerified || u.State == UnitStateFailed || u.State == UnitStateExpired
}

// VerificationOutcome is the verifier's judgement of one submission.
type VerificationOutcome string

const (
	OutcomePending  VerificationOutcome = "pending"
	OutcomeVerified VerificationOutcome = "verified"
	OutcomeSuspect  VerificationOutcome = "suspect"
	OutcomeFailed   VerificationOutcome = "failed"
)

// Submission is a node's result for a unit. PayloadRef is a content hash of
// the produced artifact; Metrics carries the artifact summary the verifier
// compares (training loss, gradient norm). Immutable once verified.
type Submission struct {
	ID          string              `json:"id"`
	UnitID      string              `json:"unit_id"`
	NodeID      string              `json:"node_id"`
	WindowID    uint64              `json:"window_id"`
	PayloadRef  string              `json:"payload_ref"`
	Metrics     ArtifactMetrics     `json:"metrics"`
	SubmittedAt time.Time           `json:"submitted_at"`
	Valid       bool                `json:"valid"`
	Outcome     VerificationOutcome `json:"outcome"`
	UnitValue   float64             `json:"unit_value"`
}

// ArtifactMetrics is the narrow view of a training artifact the control
// plane inspects. Model internals stay with the training framework.
type ArtifactMetrics struct {
	Loss         float64 `json:"loss"`
	GradientNorm float64 `json:"gradient_norm"`
	StepCount    uint64  `json:"step_count"`
	SizeBytes    uint64  `json:"size_bytes"`
}

// WindowState tracks a ScoreWindow through its life.
type WindowState string

const (
	WindowStateOpen          WindowState = "open"
	WindowStateSealed        WindowState = "sealed"
	WindowStatePublished     WindowState = "published"
	WindowStatePublishFailed WindowState = "publish_failed"
)

// ScoreWindow is a bounded aggregation period. Read-only after sealing.
type ScoreWindow struct {
	ID       uint64      `json:"id"`
	OpenedAt time.Time   `json:"opened_at"`
	ClosesAt time.Time   `json:"closes_at"`
	State    WindowState `json:"state"`
	SealedAt time.Time   `json:"sealed_at,omitempty"`
}

// IncentiveVector maps node ids to normalized weights for one sealed
// window. Weights sum to 1 within tolerance, or the map is empty when the
// window held no verified submissions.
type IncentiveVector struct {
	WindowID uint64             `json:"window_id"`
	Weights  map[string]float64 `json:"weights"`
	SealedAt time.Time          `json:"sealed_at"`
}

// TaskDescriptor describes a global training task to be partitioned.
type TaskDescriptor struct {
	ID              string   `json:"id"`
	DataSize        uint64   `json:"data_size"`
	UnitDataSize    uint64   `json:"unit_data_size"`
	ModelPartitions uint32   `json:"model_partitions"`
	StepsPerUnit    uint64   `json:"steps_per_unit"`
	TotalSteps      uint64   `json:"total_steps"`
	UnitType        UnitType `json:"unit_type"`
}
