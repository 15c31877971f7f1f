// Package snapshot captures and restores environment state. A snapshot is
// taken before every mutating apply; no apply proceeds without one.
package snapshot

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/capstan-io/capstan"
	"github.com/capstan-io/capstan/ledger"
	"github.com/capstan-io/capstan/platform"
)

// DefaultRetention is how many snapshots are kept per environment.
const DefaultRetention = 5

type Manager struct {
	platform platform.Platform
	store    ledger.SnapshotStore
	keep     int
	logger   log.Logger
}

func NewManager(p platform.Platform, store ledger.SnapshotStore, keep int, logger log.Logger) *Manager {
	if keep <= 0 {
		keep = DefaultRetention
	}
	return &Manager{platform: p, store: store, keep: keep, logger: logger}
}

// Capture records a restorable snapshot of the environment's current live
// configuration. Failure here is fatal for the deployment: a target that
// cannot be snapshotted is never mutated.
func (m *Manager) Capture(ctx context.Context, environmentName string) (capstan.Snapshot, error) {
	state, err := m.platform.CaptureState(ctx, environmentName)
	if err != nil {
		return capstan.Snapshot{}, capstan.NewSnapshotError(errors.Wrapf(err, "capturing state of %s", environmentName))
	}
	snap := capstan.Snapshot{
		ID:              capstan.NewSnapshotID(),
		EnvironmentName: environmentName,
		CapturedSpec:    state,
		CapturedAt:      time.Now().UTC(),
	}
	if err := m.store.PutSnapshot(ctx, snap); err != nil {
		return capstan.Snapshot{}, capstan.NewSnapshotError(errors.Wrap(err, "persisting snapshot"))
	}
	m.logger.Log("snapshot", snap.ID, "environment", environmentName, "bytes", len(state))
	return snap, nil
}

// Restore puts the environment back to the given snapshot. Restoring the
// same snapshot twice produces the same end state.
func (m *Manager) Restore(ctx context.Context, id capstan.SnapshotID) error {
	snap, err := m.store.GetSnapshot(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "loading snapshot %s", id)
	}
	if err := m.platform.RestoreState(ctx, snap.EnvironmentName, snap.CapturedSpec); err != nil {
		return errors.Wrapf(err, "restoring snapshot %s to %s", id, snap.EnvironmentName)
	}
	m.logger.Log("restored", snap.ID, "environment", snap.EnvironmentName)
	return nil
}

// Prune applies the retention policy after a successful deployment.
// Pruning is housekeeping; its errors are reported but don't fail
// anything.
func (m *Manager) Prune(ctx context.Context, environmentName string) error {
	return m.store.PruneSnapshots(ctx, environmentName, m.keep)
}
