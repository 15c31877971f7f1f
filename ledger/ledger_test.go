package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstan-io/capstan"
)

// Both implementations must behave identically; every test runs against
// each.
func forEachStore(t *testing.T, test func(t *testing.T, store Ledger)) {
	t.Run("InMem", func(t *testing.T) {
		store := NewInMem()
		defer store.Close()
		test(t, store)
	})
	t.Run("SQL", func(t *testing.T) {
		store, err := Open("file:" + filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		defer store.Close()
		test(t, store)
	})
}

func newDeployment(service, environment string) capstan.Deployment {
	now := time.Now().UTC().Truncate(time.Second)
	return capstan.Deployment{
		ID:              capstan.NewDeploymentID(),
		ServiceName:     service,
		EnvironmentName: environment,
		Artifact: capstan.Artifact{
			ServiceName:   service,
			Version:       "1.0.0",
			ContentDigest: "sha256:aa11",
			CreatedAt:     now,
		},
		State:     capstan.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// advance walks the deployment along the happy ungated path to the given
// state.
func advance(t *testing.T, store Ledger, id capstan.DeploymentID, to capstan.DeploymentState) {
	t.Helper()
	path := []capstan.DeploymentState{
		capstan.StatePending,
		capstan.StateSnapshotting,
		capstan.StateRendering,
		capstan.StateApplying,
		capstan.StateHealthChecking,
		capstan.StateSucceeded,
	}
	for i := 0; i+1 < len(path); i++ {
		require.NoError(t, store.RecordTransition(context.Background(), id, path[i], path[i+1], nil))
		if path[i+1] == to {
			return
		}
	}
	t.Fatalf("state %s not on the happy path", to)
}

func TestCreateAndGetDeployment(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Ledger) {
		ctx := context.Background()
		d := newDeployment("billing", "dev")
		require.NoError(t, store.CreateDeployment(ctx, d))

		got, err := store.GetDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, d.ID, got.ID)
		assert.Equal(t, capstan.StatePending, got.State)
		assert.Equal(t, "sha256:aa11", got.Artifact.ContentDigest)

		_, err = store.GetDeployment(ctx, "nope")
		assert.ErrorIs(t, err, ErrNoSuchDeployment)
	})
}

func TestRecordTransition(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Ledger) {
		ctx := context.Background()
		d := newDeployment("billing", "dev")
		require.NoError(t, store.CreateDeployment(ctx, d))

		require.NoError(t, store.RecordTransition(ctx, d.ID, capstan.StatePending, capstan.StateSnapshotting, nil))

		// Stale from-state: the row has moved on.
		err := store.RecordTransition(ctx, d.ID, capstan.StatePending, capstan.StateSnapshotting, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		// Edge not in the machine.
		err = store.RecordTransition(ctx, d.ID, capstan.StateSnapshotting, capstan.StateSucceeded, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		got, err := store.GetDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, capstan.StateSnapshotting, got.State)
	})
}

func TestTransitionReasonBecomesFailureReason(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Ledger) {
		ctx := context.Background()
		d := newDeployment("billing", "dev")
		require.NoError(t, store.CreateDeployment(ctx, d))
		require.NoError(t, store.RecordTransition(ctx, d.ID, capstan.StatePending, capstan.StateSnapshotting, nil))
		require.NoError(t, store.RecordTransition(ctx, d.ID, capstan.StateSnapshotting, capstan.StateRollingBack,
			map[string]string{MetadataReason: "health check timed out"}))

		got, err := store.GetDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, "health check timed out", got.FailureReason)

		ts, err := store.Transitions(ctx, d.ID)
		require.NoError(t, err)
		require.Len(t, ts, 2)
		assert.Equal(t, capstan.StateRollingBack, ts[1].ToState)
		assert.Equal(t, "health check timed out", ts[1].Metadata[MetadataReason])
	})
}

func TestActiveAndLatestDeployment(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Ledger) {
		ctx := context.Background()
		target := capstan.Target{ServiceName: "billing", EnvironmentName: "dev"}

		_, ok, err := store.ActiveDeployment(ctx, target)
		require.NoError(t, err)
		assert.False(t, ok)

		first := newDeployment("billing", "dev")
		require.NoError(t, store.CreateDeployment(ctx, first))

		active, ok, err := store.ActiveDeployment(ctx, target)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.ID, active.ID)

		advance(t, store, first.ID, capstan.StateSucceeded)

		_, ok, err = store.ActiveDeployment(ctx, target)
		require.NoError(t, err)
		assert.False(t, ok, "terminal deployments are not active")

		second := newDeployment("billing", "dev")
		second.CreatedAt = second.CreatedAt.Add(time.Second)
		require.NoError(t, store.CreateDeployment(ctx, second))

		latest, ok, err := store.LatestDeployment(ctx, target)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, second.ID, latest.ID)

		succeeded, ok, err := store.LatestSucceeded(ctx, target)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.ID, succeeded.ID)
	})
}

func TestHasSucceeded(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Ledger) {
		ctx := context.Background()
		target := capstan.Target{ServiceName: "billing", EnvironmentName: "dev"}

		ok, err := store.HasSucceeded(ctx, target, "sha256:aa11")
		require.NoError(t, err)
		assert.False(t, ok)

		d := newDeployment("billing", "dev")
		require.NoError(t, store.CreateDeployment(ctx, d))
		advance(t, store, d.ID, capstan.StateSucceeded)

		ok, err = store.HasSucceeded(ctx, target, "sha256:aa11")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.HasSucceeded(ctx, target, "sha256:other")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestNonTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Ledger) {
		ctx := context.Background()

		done := newDeployment("billing", "dev")
		require.NoError(t, store.CreateDeployment(ctx, done))
		advance(t, store, done.ID, capstan.StateSucceeded)

		stuck := newDeployment("billing", "staging")
		require.NoError(t, store.CreateDeployment(ctx, stuck))
		advance(t, store, stuck.ID, capstan.StateApplying)

		ds, err := store.NonTerminal(ctx)
		require.NoError(t, err)
		require.Len(t, ds, 1)
		assert.Equal(t, stuck.ID, ds[0].ID)
		assert.Equal(t, capstan.StateApplying, ds[0].State)
	})
}

func TestHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Ledger) {
		ctx := context.Background()
		target := capstan.Target{ServiceName: "billing", EnvironmentName: "dev"}

		d := newDeployment("billing", "dev")
		require.NoError(t, store.CreateDeployment(ctx, d))
		advance(t, store, d.ID, capstan.StateSucceeded)

		other := newDeployment("billing", "staging")
		require.NoError(t, store.CreateDeployment(ctx, other))
		advance(t, store, other.ID, capstan.StateRendering)

		ts, err := store.History(ctx, target)
		require.NoError(t, err)
		require.Len(t, ts, 5)
		for _, tr := range ts {
			assert.Equal(t, d.ID, tr.DeploymentID)
		}
	})
}

func TestSnapshotStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Ledger) {
		ctx := context.Background()

		snap := capstan.Snapshot{
			ID:              capstan.NewSnapshotID(),
			EnvironmentName: "dev",
			CapturedSpec:    []byte(`{"services":{}}`),
			CapturedAt:      time.Now().UTC().Truncate(time.Second),
		}
		require.NoError(t, store.PutSnapshot(ctx, snap))

		got, err := store.GetSnapshot(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, snap.CapturedSpec, got.CapturedSpec)

		_, err = store.GetSnapshot(ctx, "nope")
		assert.ErrorIs(t, err, ErrNoSuchSnapshot)
	})
}

func TestPruneSnapshotsKeepsNewest(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Ledger) {
		ctx := context.Background()

		ids := make([]capstan.SnapshotID, 5)
		base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
		for i := range ids {
			ids[i] = capstan.NewSnapshotID()
			require.NoError(t, store.PutSnapshot(ctx, capstan.Snapshot{
				ID:              ids[i],
				EnvironmentName: "dev",
				CapturedSpec:    []byte("{}"),
				CapturedAt:      base.Add(time.Duration(i) * time.Minute),
			}))
		}

		require.NoError(t, store.PruneSnapshots(ctx, "dev", 2))

		for i, id := range ids {
			_, err := store.GetSnapshot(ctx, id)
			if i < 3 {
				assert.ErrorIs(t, err, ErrNoSuchSnapshot, "snapshot %d should be pruned", i)
			} else {
				assert.NoError(t, err, "snapshot %d should survive", i)
			}
		}
	})
}

func TestPruneSnapshotsSparesReferenced(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Ledger) {
		ctx := context.Background()

		// The oldest snapshot backs a still-running deployment.
		referenced := capstan.NewSnapshotID()
		base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
		require.NoError(t, store.PutSnapshot(ctx, capstan.Snapshot{
			ID: referenced, EnvironmentName: "dev", CapturedSpec: []byte("{}"), CapturedAt: base,
		}))
		for i := 0; i < 3; i++ {
			require.NoError(t, store.PutSnapshot(ctx, capstan.Snapshot{
				ID:              capstan.NewSnapshotID(),
				EnvironmentName: "dev",
				CapturedSpec:    []byte("{}"),
				CapturedAt:      base.Add(time.Duration(i+1) * time.Minute),
			}))
		}

		d := newDeployment("billing", "dev")
		require.NoError(t, store.CreateDeployment(ctx, d))
		advance(t, store, d.ID, capstan.StateApplying)
		require.NoError(t, store.SetSnapshotRef(ctx, d.ID, referenced))

		require.NoError(t, store.PruneSnapshots(ctx, "dev", 1))

		_, err := store.GetSnapshot(ctx, referenced)
		assert.NoError(t, err, "referenced snapshot must survive pruning")
	})
}

func TestApprovalDecidedExactlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Ledger) {
		ctx := context.Background()
		d := newDeployment("billing", "prod")
		require.NoError(t, store.CreateDeployment(ctx, d))

		req := capstan.ApprovalRequest{
			DeploymentID: d.ID,
			RequestedAt:  time.Now().UTC().Truncate(time.Second),
			Decision:     capstan.ApprovalPending,
		}
		require.NoError(t, store.CreateApproval(ctx, req))

		got, ok, err := store.GetApproval(ctx, d.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, capstan.ApprovalPending, got.Decision)

		now := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, store.ResolveApproval(ctx, d.ID, capstan.ApprovalApproved, "alice", now))

		got, ok, err = store.GetApproval(ctx, d.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, capstan.ApprovalApproved, got.Decision)
		assert.Equal(t, "alice", got.DecidedBy)

		err = store.ResolveApproval(ctx, d.ID, capstan.ApprovalDenied, "bob", now)
		require.Error(t, err, "a second resolution must fail")
		assert.True(t, errors.Is(err, ErrApprovalDecided))

		got, _, err = store.GetApproval(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, capstan.ApprovalApproved, got.Decision, "the first decision stands")
	})
}
