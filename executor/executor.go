// Package executor applies rendered specs to the compute platform, with
// bounded retries for transient failures.
package executor

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/capstan-io/capstan"
	"github.com/capstan-io/capstan/platform"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 2 * time.Second
)

type Executor struct {
	platform       platform.Platform
	maxAttempts    int
	initialBackoff time.Duration
	logger         log.Logger
}

func New(p platform.Platform, logger log.Logger) *Executor {
	return &Executor{
		platform:       p,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		logger:         logger,
	}
}

// Apply hands the spec to the platform. Transient errors are retried with
// exponential backoff up to the attempt bound; permanent errors (a spec
// the platform rejects) fail immediately. The returned handle correlates
// this apply's workload instances for health validation.
//
// The context is honoured between attempts only: an apply already in
// flight is allowed to finish, since abandoning it could leave the target
// half-updated.
func (e *Executor) Apply(ctx context.Context, spec capstan.RenderedSpec) (platform.ApplyHandle, error) {
	backoff := e.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		handle, err := e.platform.ApplySpec(ctx, spec)
		if err == nil {
			return handle, nil
		}
		if !platform.IsTransient(err) {
			return platform.ApplyHandle{}, errors.Wrapf(err, "applying %s to %s", spec.ServiceName, spec.EnvironmentName)
		}
		lastErr = err
		e.logger.Log("apply", spec.ServiceName, "environment", spec.EnvironmentName,
			"attempt", attempt, "err", err)
		if attempt == e.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return platform.ApplyHandle{}, ctx.Err()
		}
	}
	return platform.ApplyHandle{}, errors.Wrapf(lastErr, "applying %s to %s: %d attempts failed",
		spec.ServiceName, spec.EnvironmentName, e.maxAttempts)
}
