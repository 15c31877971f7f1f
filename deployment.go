package capstan

import (
	"time"

	"github.com/google/uuid"
)

type DeploymentID string

func NewDeploymentID() DeploymentID {
	return DeploymentID(uuid.NewString())
}

type SnapshotID string

func NewSnapshotID() SnapshotID {
	return SnapshotID(uuid.NewString())
}

// DeploymentState is one state of the promotion state machine. States are
// only ever written by the orchestrator driving the deployment.
type DeploymentState string

const (
	StatePending          DeploymentState = "Pending"
	StateSnapshotting     DeploymentState = "Snapshotting"
	StateRendering        DeploymentState = "Rendering"
	StateAwaitingApproval DeploymentState = "AwaitingApproval"
	StatePromoting        DeploymentState = "Promoting"
	StateApplying         DeploymentState = "Applying"
	StateHealthChecking   DeploymentState = "HealthChecking"
	StateSucceeded        DeploymentState = "Succeeded"
	StateRollingBack      DeploymentState = "RollingBack"
	StateRolledBack       DeploymentState = "RolledBack"
	StateRollbackFailed   DeploymentState = "RollbackFailed"
)

// Terminal reports whether no further transitions are possible.
func (s DeploymentState) Terminal() bool {
	switch s {
	case StateSucceeded, StateRolledBack, StateRollbackFailed:
		return true
	}
	return false
}

// validNext is the edge set of the state machine. Approval precedes apply
// for gated environments, so a denied approval never has to reverse an
// environment mutation; ungated environments skip AwaitingApproval and
// Promoting entirely.
var validNext = map[DeploymentState][]DeploymentState{
	StatePending:          {StateSnapshotting},
	StateSnapshotting:     {StateRendering, StateRollingBack},
	StateRendering:        {StateAwaitingApproval, StateApplying, StateRollingBack},
	StateAwaitingApproval: {StatePromoting, StateRollingBack},
	StatePromoting:        {StateApplying, StateRollingBack},
	StateApplying:         {StateHealthChecking, StateRollingBack},
	StateHealthChecking:   {StateSucceeded, StateRollingBack},
	StateSucceeded:        {StateRollingBack},
	StateRollingBack:      {StateRolledBack, StateRollbackFailed},
}

// ValidTransition reports whether from -> to is an edge of the state
// machine. Succeeded -> RollingBack covers manual post-hoc rollback.
func ValidTransition(from, to DeploymentState) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Deployment is one promotion attempt of one artifact into one
// environment.
type Deployment struct {
	ID              DeploymentID    `json:"id"`
	ServiceName     string          `json:"serviceName"`
	EnvironmentName string          `json:"environmentName"`
	Artifact        Artifact        `json:"artifact"`
	State           DeploymentState `json:"state"`
	SnapshotRef     SnapshotID      `json:"snapshotRef,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func (d Deployment) Target() Target {
	return Target{ServiceName: d.ServiceName, EnvironmentName: d.EnvironmentName}
}

// Snapshot is a restorable capture of an environment's live configuration,
// taken before any mutating apply. Immutable once captured.
type Snapshot struct {
	ID              SnapshotID `json:"id"`
	EnvironmentName string     `json:"environmentName"`
	CapturedSpec    []byte     `json:"capturedSpec"`
	CapturedAt      time.Time  `json:"capturedAt"`
}

// ApprovalDecision is the outcome of an approval gate.
type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "Pending"
	ApprovalApproved ApprovalDecision = "Approved"
	ApprovalDenied   ApprovalDecision = "Denied"
)

// ApprovalRequest records the human gate for one deployment; there is at
// most one per deployment.
type ApprovalRequest struct {
	DeploymentID DeploymentID     `json:"deploymentId"`
	RequestedAt  time.Time        `json:"requestedAt"`
	Decision     ApprovalDecision `json:"decision"`
	DecidedBy    string           `json:"decidedBy,omitempty"`
	DecidedAt    time.Time        `json:"decidedAt,omitempty"`
}
