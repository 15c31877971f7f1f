// Package health decides whether an apply actually worked, by watching
// the platform's health signal for the new workload instances. This is
// the gate that separates the pipeline from a deploy-and-hope script.
package health

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/capstan-io/capstan/platform"
)

const (
	DefaultPollInterval = 5 * time.Second
	// DefaultDwell is how long the target must stay healthy before we
	// believe it; a single healthy poll right after an apply proves
	// nothing if the instances then start crash-looping.
	DefaultDwell = 30 * time.Second
)

type Result string

const (
	ResultHealthy   Result = "Healthy"
	ResultUnhealthy Result = "Unhealthy"
	ResultTimedOut  Result = "TimedOut"
	ResultCancelled Result = "Cancelled"
)

type Validator struct {
	platform platform.Platform
	interval time.Duration
	dwell    time.Duration
	logger   log.Logger
}

func NewValidator(p platform.Platform, interval, dwell time.Duration, logger log.Logger) *Validator {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if dwell < 0 {
		dwell = DefaultDwell
	}
	return &Validator{platform: p, interval: interval, dwell: dwell, logger: logger}
}

// Validate polls the platform until the workload has been stably healthy
// for the dwell time, an explicit unhealthy signal is observed, or the
// timeout elapses. A timeout is not a verdict of health: callers treat
// TimedOut exactly like Unhealthy. Cancelling the context (rollback
// request, daemon shutdown) abandons the poll.
func (v *Validator) Validate(ctx context.Context, handle platform.ApplyHandle, timeout time.Duration) (Result, string) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	var healthySince time.Time
	var lastDetail string
	for {
		report, err := v.platform.QueryHealth(ctx, handle)
		switch {
		case err != nil && !platform.IsTransient(err):
			return ResultUnhealthy, err.Error()
		case err != nil:
			// transient query failure; keep polling
			v.logger.Log("handle", handle.ID, "err", err)
			healthySince = time.Time{}
		case report.Status == platform.HealthUnhealthy:
			return ResultUnhealthy, report.Detail
		case report.Status == platform.HealthHealthy:
			if healthySince.IsZero() {
				healthySince = time.Now()
			}
			if time.Since(healthySince) >= v.dwell {
				return ResultHealthy, report.Detail
			}
			lastDetail = report.Detail
		default:
			healthySince = time.Time{}
			lastDetail = report.Detail
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return ResultTimedOut, lastDetail
		case <-ctx.Done():
			return ResultCancelled, ctx.Err().Error()
		}
	}
}
