// Package ledger is the single source of truth for deployment state: an
// append-only log of state transitions plus a materialized current-state
// row per deployment. Transitions are recorded durably before the
// corresponding side effect is attempted, which is what makes a crashed
// pipeline resumable instead of silently lost.
package ledger

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/capstan-io/capstan"
)

var (
	ErrNoSuchDeployment = errors.New("no such deployment")
	ErrNoSuchSnapshot   = errors.New("no such snapshot")

	// ErrInvalidTransition guards the single-writer state machine: the
	// recorded from-state must match the current row, and the edge must
	// exist in the machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrApprovalDecided rejects a second decision; approvals are
	// decided exactly once.
	ErrApprovalDecided = errors.New("approval already decided")
)

// MetadataReason is the metadata key whose value, when present on a
// transition, is copied to the deployment's failure reason.
const MetadataReason = "reason"

// Transition is one append-only record of a state change.
type Transition struct {
	DeploymentID capstan.DeploymentID    `json:"deploymentId"`
	FromState    capstan.DeploymentState `json:"fromState"`
	ToState      capstan.DeploymentState `json:"toState"`
	Metadata     map[string]string       `json:"metadata,omitempty"`
	RecordedAt   time.Time               `json:"recordedAt"`
}

type DeploymentStore interface {
	// CreateDeployment records a new deployment in Pending.
	CreateDeployment(ctx context.Context, d capstan.Deployment) error

	// RecordTransition atomically appends a transition record and
	// updates the deployment's current state. It fails with
	// ErrInvalidTransition unless from matches the stored state and
	// from -> to is an edge of the state machine.
	RecordTransition(ctx context.Context, id capstan.DeploymentID, from, to capstan.DeploymentState, metadata map[string]string) error

	// SetSnapshotRef attaches the pre-apply snapshot to the deployment.
	SetSnapshotRef(ctx context.Context, id capstan.DeploymentID, ref capstan.SnapshotID) error

	GetDeployment(ctx context.Context, id capstan.DeploymentID) (capstan.Deployment, error)

	// ActiveDeployment returns the non-terminal deployment for the
	// target, if one exists.
	ActiveDeployment(ctx context.Context, target capstan.Target) (capstan.Deployment, bool, error)

	// LatestSucceeded returns the most recent Succeeded deployment for
	// the target, if any.
	LatestSucceeded(ctx context.Context, target capstan.Target) (capstan.Deployment, bool, error)

	// LatestDeployment returns the most recently created deployment for
	// the target, terminal or not.
	LatestDeployment(ctx context.Context, target capstan.Target) (capstan.Deployment, bool, error)

	// HasSucceeded reports whether an artifact with the given content
	// digest has ever been successfully deployed to the target.
	HasSucceeded(ctx context.Context, target capstan.Target, contentDigest string) (bool, error)

	// NonTerminal returns every deployment not yet in a terminal state,
	// for crash recovery.
	NonTerminal(ctx context.Context) ([]capstan.Deployment, error)

	// Transitions returns the transition log for one deployment in
	// recording order.
	Transitions(ctx context.Context, id capstan.DeploymentID) ([]Transition, error)

	// History returns transitions for every deployment of the target,
	// most recent first.
	History(ctx context.Context, target capstan.Target) ([]Transition, error)
}

type SnapshotStore interface {
	PutSnapshot(ctx context.Context, s capstan.Snapshot) error
	GetSnapshot(ctx context.Context, id capstan.SnapshotID) (capstan.Snapshot, error)

	// PruneSnapshots deletes all but the newest keep snapshots for the
	// environment. Snapshots still referenced by a non-terminal
	// deployment are never pruned.
	PruneSnapshots(ctx context.Context, environmentName string, keep int) error
}

type ApprovalStore interface {
	CreateApproval(ctx context.Context, req capstan.ApprovalRequest) error
	GetApproval(ctx context.Context, id capstan.DeploymentID) (capstan.ApprovalRequest, bool, error)

	// ResolveApproval records the decision for a pending approval. A
	// second resolution is an error; approvals are decided exactly once.
	ResolveApproval(ctx context.Context, id capstan.DeploymentID, decision capstan.ApprovalDecision, actor string, at time.Time) error
}

// Ledger is everything the orchestrator persists.
type Ledger interface {
	DeploymentStore
	SnapshotStore
	ApprovalStore
	io.Closer
}
