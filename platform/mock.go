package platform

import (
	"context"

	"github.com/capstan-io/capstan"
)

// MockPlatform answers with canned values, for tests.
type MockPlatform struct {
	ApplySpecArgTest func(capstan.RenderedSpec) error
	ApplySpecAnswer  ApplyHandle
	ApplySpecError   error

	QueryHealthAnswer HealthReport
	QueryHealthError  error

	CaptureStateAnswer []byte
	CaptureStateError  error

	RestoreStateArgTest func(string, []byte) error
	RestoreStateError   error
}

func (p *MockPlatform) ApplySpec(_ context.Context, spec capstan.RenderedSpec) (ApplyHandle, error) {
	if p.ApplySpecArgTest != nil {
		if err := p.ApplySpecArgTest(spec); err != nil {
			return ApplyHandle{}, err
		}
	}
	return p.ApplySpecAnswer, p.ApplySpecError
}

func (p *MockPlatform) QueryHealth(_ context.Context, _ ApplyHandle) (HealthReport, error) {
	return p.QueryHealthAnswer, p.QueryHealthError
}

func (p *MockPlatform) CaptureState(_ context.Context, _ string) ([]byte, error) {
	return p.CaptureStateAnswer, p.CaptureStateError
}

func (p *MockPlatform) RestoreState(_ context.Context, environmentName string, state []byte) error {
	if p.RestoreStateArgTest != nil {
		if err := p.RestoreStateArgTest(environmentName, state); err != nil {
			return err
		}
	}
	return p.RestoreStateError
}
