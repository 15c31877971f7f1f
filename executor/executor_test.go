package executor

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstan-io/capstan"
	"github.com/capstan-io/capstan/platform"
)

// flakyPlatform fails the first n applies with a transient error.
type flakyPlatform struct {
	platform.MockPlatform
	failures int
	calls    int
}

func (p *flakyPlatform) ApplySpec(_ context.Context, _ capstan.RenderedSpec) (platform.ApplyHandle, error) {
	p.calls++
	if p.calls <= p.failures {
		return platform.ApplyHandle{}, platform.TransientError(errors.New("platform briefly unavailable"))
	}
	return platform.ApplyHandle{ID: "h1"}, nil
}

func newTestExecutor(p platform.Platform) *Executor {
	e := New(p, log.NewNopLogger())
	e.initialBackoff = time.Millisecond
	return e
}

func testSpec() capstan.RenderedSpec {
	return capstan.RenderedSpec{ServiceName: "billing", EnvironmentName: "dev", Version: "1.0.0", Replicas: 1}
}

func TestApplyRetriesTransientErrors(t *testing.T) {
	p := &flakyPlatform{failures: 2}
	e := newTestExecutor(p)

	handle, err := e.Apply(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "h1", handle.ID)
	assert.Equal(t, 3, p.calls)
}

func TestApplyGivesUpAfterMaxAttempts(t *testing.T) {
	p := &flakyPlatform{failures: 100}
	e := newTestExecutor(p)

	_, err := e.Apply(context.Background(), testSpec())
	require.Error(t, err)
	assert.Equal(t, DefaultMaxAttempts, p.calls)
}

func TestApplyPermanentErrorFailsImmediately(t *testing.T) {
	p := &platform.MockPlatform{
		ApplySpecError: platform.PermanentError(errors.New("spec rejected")),
	}
	e := newTestExecutor(p)

	_, err := e.Apply(context.Background(), testSpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spec rejected")
}

func TestApplyHonoursContextBetweenAttempts(t *testing.T) {
	p := &flakyPlatform{failures: 100}
	e := New(p, log.NewNopLogger())
	e.initialBackoff = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := e.Apply(ctx, testSpec())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.calls, "no second attempt after cancellation")
}
