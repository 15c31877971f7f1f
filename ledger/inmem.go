package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/capstan-io/capstan"
)

// NewInMem returns a ledger held entirely in memory. It honours the same
// transition validation as the SQL ledger, so tests exercise the real
// state machine rules.
func NewInMem() Ledger {
	return &inmem{
		deployments: map[capstan.DeploymentID]capstan.Deployment{},
		transitions: map[capstan.DeploymentID][]Transition{},
		snapshots:   map[capstan.SnapshotID]capstan.Snapshot{},
		approvals:   map[capstan.DeploymentID]capstan.ApprovalRequest{},
	}
}

type inmem struct {
	mtx         sync.Mutex
	deployments map[capstan.DeploymentID]capstan.Deployment
	transitions map[capstan.DeploymentID][]Transition
	snapshots   map[capstan.SnapshotID]capstan.Snapshot
	approvals   map[capstan.DeploymentID]capstan.ApprovalRequest
}

func (db *inmem) CreateDeployment(_ context.Context, d capstan.Deployment) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if _, ok := db.deployments[d.ID]; ok {
		return errors.Errorf("deployment %s already exists", d.ID)
	}
	db.deployments[d.ID] = d
	return nil
}

func (db *inmem) RecordTransition(_ context.Context, id capstan.DeploymentID, from, to capstan.DeploymentState, metadata map[string]string) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	d, ok := db.deployments[id]
	if !ok {
		return ErrNoSuchDeployment
	}
	if d.State != from || !capstan.ValidTransition(from, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s (current %s)", from, to, d.State)
	}
	now := time.Now().UTC()
	d.State = to
	d.UpdatedAt = now
	if reason := metadata[MetadataReason]; reason != "" {
		d.FailureReason = reason
	}
	db.deployments[id] = d
	db.transitions[id] = append(db.transitions[id], Transition{
		DeploymentID: id,
		FromState:    from,
		ToState:      to,
		Metadata:     copyMetadata(metadata),
		RecordedAt:   now,
	})
	return nil
}

func (db *inmem) SetSnapshotRef(_ context.Context, id capstan.DeploymentID, ref capstan.SnapshotID) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	d, ok := db.deployments[id]
	if !ok {
		return ErrNoSuchDeployment
	}
	d.SnapshotRef = ref
	d.UpdatedAt = time.Now().UTC()
	db.deployments[id] = d
	return nil
}

func (db *inmem) GetDeployment(_ context.Context, id capstan.DeploymentID) (capstan.Deployment, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	d, ok := db.deployments[id]
	if !ok {
		return capstan.Deployment{}, ErrNoSuchDeployment
	}
	return d, nil
}

func (db *inmem) ActiveDeployment(_ context.Context, target capstan.Target) (capstan.Deployment, bool, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	for _, d := range db.deployments {
		if d.Target() == target && !d.State.Terminal() {
			return d, true, nil
		}
	}
	return capstan.Deployment{}, false, nil
}

func (db *inmem) LatestSucceeded(_ context.Context, target capstan.Target) (capstan.Deployment, bool, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	var (
		latest capstan.Deployment
		found  bool
	)
	for _, d := range db.deployments {
		if d.Target() == target && d.State == capstan.StateSucceeded {
			if !found || d.UpdatedAt.After(latest.UpdatedAt) {
				latest, found = d, true
			}
		}
	}
	return latest, found, nil
}

func (db *inmem) LatestDeployment(_ context.Context, target capstan.Target) (capstan.Deployment, bool, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	var (
		latest capstan.Deployment
		found  bool
	)
	for _, d := range db.deployments {
		if d.Target() == target {
			if !found || d.CreatedAt.After(latest.CreatedAt) {
				latest, found = d, true
			}
		}
	}
	return latest, found, nil
}

func (db *inmem) HasSucceeded(_ context.Context, target capstan.Target, contentDigest string) (bool, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	for _, d := range db.deployments {
		if d.Target() == target && d.State == capstan.StateSucceeded && d.Artifact.ContentDigest == contentDigest {
			return true, nil
		}
	}
	return false, nil
}

func (db *inmem) NonTerminal(_ context.Context) ([]capstan.Deployment, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	var out []capstan.Deployment
	for _, d := range db.deployments {
		if !d.State.Terminal() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (db *inmem) Transitions(_ context.Context, id capstan.DeploymentID) ([]Transition, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	ts := db.transitions[id]
	out := make([]Transition, len(ts))
	copy(out, ts)
	return out, nil
}

func (db *inmem) History(_ context.Context, target capstan.Target) ([]Transition, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	var out []Transition
	for id, d := range db.deployments {
		if d.Target() == target {
			out = append(out, db.transitions[id]...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return out, nil
}

func (db *inmem) PutSnapshot(_ context.Context, s capstan.Snapshot) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	db.snapshots[s.ID] = s
	return nil
}

func (db *inmem) GetSnapshot(_ context.Context, id capstan.SnapshotID) (capstan.Snapshot, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	s, ok := db.snapshots[id]
	if !ok {
		return capstan.Snapshot{}, ErrNoSuchSnapshot
	}
	return s, nil
}

func (db *inmem) PruneSnapshots(_ context.Context, environmentName string, keep int) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	referenced := map[capstan.SnapshotID]bool{}
	for _, d := range db.deployments {
		if !d.State.Terminal() && d.SnapshotRef != "" {
			referenced[d.SnapshotRef] = true
		}
	}
	var candidates []capstan.Snapshot
	for _, s := range db.snapshots {
		if s.EnvironmentName == environmentName && !referenced[s.ID] {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CapturedAt.After(candidates[j].CapturedAt) })
	for i := keep; i < len(candidates); i++ {
		delete(db.snapshots, candidates[i].ID)
	}
	return nil
}

func (db *inmem) CreateApproval(_ context.Context, req capstan.ApprovalRequest) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if _, ok := db.approvals[req.DeploymentID]; ok {
		return errors.Errorf("approval for deployment %s already exists", req.DeploymentID)
	}
	db.approvals[req.DeploymentID] = req
	return nil
}

func (db *inmem) GetApproval(_ context.Context, id capstan.DeploymentID) (capstan.ApprovalRequest, bool, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	req, ok := db.approvals[id]
	return req, ok, nil
}

func (db *inmem) ResolveApproval(_ context.Context, id capstan.DeploymentID, decision capstan.ApprovalDecision, actor string, at time.Time) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	req, ok := db.approvals[id]
	if !ok {
		return errors.Errorf("no approval request for deployment %s", id)
	}
	if req.Decision != capstan.ApprovalPending {
		return errors.Wrapf(ErrApprovalDecided, "deployment %s: %s", id, req.Decision)
	}
	req.Decision = decision
	req.DecidedBy = actor
	req.DecidedAt = at
	db.approvals[id] = req
	return nil
}

func (db *inmem) Close() error { return nil }

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
