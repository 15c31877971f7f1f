package snapshot

import (
	"context"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstan-io/capstan"
	"github.com/capstan-io/capstan/ledger"
	"github.com/capstan-io/capstan/platform"
)

func TestCaptureAndRestore(t *testing.T) {
	restored := map[string][]byte{}
	p := &platform.MockPlatform{
		CaptureStateAnswer: []byte(`{"services":{"billing":"1.0.0"}}`),
		RestoreStateArgTest: func(environment string, state []byte) error {
			restored[environment] = state
			return nil
		},
	}
	store := ledger.NewInMem()
	defer store.Close()
	m := NewManager(p, store, 0, log.NewNopLogger())

	snap, err := m.Capture(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", snap.EnvironmentName)
	assert.Equal(t, p.CaptureStateAnswer, snap.CapturedSpec)

	require.NoError(t, m.Restore(context.Background(), snap.ID))
	assert.Equal(t, p.CaptureStateAnswer, restored["dev"])

	// Restoring again is fine; snapshots are immutable.
	require.NoError(t, m.Restore(context.Background(), snap.ID))
}

func TestCaptureFailureIsSnapshotError(t *testing.T) {
	p := &platform.MockPlatform{
		CaptureStateError: errors.New("platform unreachable"),
	}
	store := ledger.NewInMem()
	defer store.Close()
	m := NewManager(p, store, 0, log.NewNopLogger())

	_, err := m.Capture(context.Background(), "dev")
	require.Error(t, err)
	var snapErr *capstan.SnapshotError
	assert.True(t, errors.As(err, &snapErr))
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	store := ledger.NewInMem()
	defer store.Close()
	m := NewManager(&platform.MockPlatform{}, store, 0, log.NewNopLogger())

	err := m.Restore(context.Background(), capstan.NewSnapshotID())
	assert.ErrorIs(t, err, ledger.ErrNoSuchSnapshot)
}
