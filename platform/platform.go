// Package platform is the interface to the compute platform that actually
// runs workloads. capstan only ever talks to it through the Platform
// interface; how the platform schedules work is its own business.
package platform

import (
	"context"

	"github.com/capstan-io/capstan"
)

// Health is the platform's observable verdict on a set of workload
// instances.
type Health string

const (
	HealthProgressing Health = "Progressing"
	HealthHealthy     Health = "Healthy"
	HealthUnhealthy   Health = "Unhealthy"
)

// HealthReport is the result of one health query.
type HealthReport struct {
	Status Health `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ApplyHandle correlates an apply with the workload instances it created,
// so health queries observe the right generation of the workload.
type ApplyHandle struct {
	ID              string `json:"id"`
	ServiceName     string `json:"serviceName"`
	EnvironmentName string `json:"environmentName"`
}

// Platform is the consumed interface of the external compute platform.
type Platform interface {
	// ApplySpec makes the environment run the given spec. Errors are
	// *platform.Error; transient errors may be retried by the caller.
	ApplySpec(ctx context.Context, spec capstan.RenderedSpec) (ApplyHandle, error)

	// QueryHealth reports the health of the workload instances belonging
	// to the given apply.
	QueryHealth(ctx context.Context, handle ApplyHandle) (HealthReport, error)

	// CaptureState returns an opaque blob describing the environment's
	// current live configuration, suitable for RestoreState.
	CaptureState(ctx context.Context, environmentName string) ([]byte, error)

	// RestoreState puts the environment back to a previously captured
	// state. It must be idempotent.
	RestoreState(ctx context.Context, environmentName string, state []byte) error
}
