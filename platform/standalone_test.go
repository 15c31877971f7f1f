package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstan-io/capstan"
)

func devSpec(version string) capstan.RenderedSpec {
	return capstan.RenderedSpec{
		ServiceName:     "billing",
		EnvironmentName: "dev",
		Version:         version,
		ContentDigest:   "sha256:aa11",
		Replicas:        1,
	}
}

func TestStandaloneApplyAndQuery(t *testing.T) {
	p := NewStandalone()

	handle, err := p.ApplySpec(context.Background(), devSpec("1.0.0"))
	require.NoError(t, err)
	assert.NotEmpty(t, handle.ID)

	report, err := p.QueryHealth(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, report.Status)

	spec, ok := p.Live("dev", "billing")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", spec.Version)

	_, err = p.ApplySpec(context.Background(), capstan.RenderedSpec{})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestStandaloneHealthScript(t *testing.T) {
	p := NewStandalone()
	p.SetHealth("dev", HealthScript{HealthyAfter: 2})

	handle, err := p.ApplySpec(context.Background(), devSpec("1.0.0"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		report, err := p.QueryHealth(context.Background(), handle)
		require.NoError(t, err)
		assert.Equal(t, HealthProgressing, report.Status, "query %d", i)
	}
	report, err := p.QueryHealth(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, report.Status)
}

func TestStandaloneCaptureAndRestore(t *testing.T) {
	p := NewStandalone()
	ctx := context.Background()

	_, err := p.ApplySpec(ctx, devSpec("1.0.0"))
	require.NoError(t, err)
	state, err := p.CaptureState(ctx, "dev")
	require.NoError(t, err)

	_, err = p.ApplySpec(ctx, devSpec("2.0.0"))
	require.NoError(t, err)

	require.NoError(t, p.RestoreState(ctx, "dev", state))
	spec, ok := p.Live("dev", "billing")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", spec.Version)

	// Restore is idempotent.
	require.NoError(t, p.RestoreState(ctx, "dev", state))
	spec, _ = p.Live("dev", "billing")
	assert.Equal(t, "1.0.0", spec.Version)
}

func TestStandaloneUnknownHandle(t *testing.T) {
	p := NewStandalone()
	_, err := p.QueryHealth(context.Background(), ApplyHandle{ID: "bogus"})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}
