// Package approval is the suspension point for gated environments. The
// gate does not poll anything: a waiting pipeline is parked on a channel
// until an operator decides, or the clock does. On timeout the gate fails
// closed.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/capstan-io/capstan"
)

var ErrNotAwaiting = errors.New("deployment is not awaiting approval")

// Outcome is the result of one wait at the gate.
type Outcome struct {
	Decision  capstan.ApprovalDecision
	Actor     string
	TimedOut  bool
	Cancelled bool
}

type resolution struct {
	decision capstan.ApprovalDecision
	actor    string
}

type Gate struct {
	mtx     sync.Mutex
	waiters map[capstan.DeploymentID]chan resolution
}

func NewGate() *Gate {
	return &Gate{waiters: map[capstan.DeploymentID]chan resolution{}}
}

// Await parks until Resolve is called for the deployment, the timeout
// elapses, or the context is cancelled. A timeout comes back as a Denied
// decision with TimedOut set.
func (g *Gate) Await(ctx context.Context, id capstan.DeploymentID, timeout time.Duration) Outcome {
	ch := make(chan resolution, 1)
	g.mtx.Lock()
	g.waiters[id] = ch
	g.mtx.Unlock()
	defer func() {
		g.mtx.Lock()
		delete(g.waiters, id)
		g.mtx.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return Outcome{Decision: res.decision, Actor: res.actor}
	case <-timer.C:
		return Outcome{Decision: capstan.ApprovalDenied, TimedOut: true}
	case <-ctx.Done():
		return Outcome{Decision: capstan.ApprovalDenied, Cancelled: true}
	}
}

// Resolve delivers a decision to the waiting pipeline. It fails with
// ErrNotAwaiting if nothing is waiting for the deployment, which covers
// both unknown deployments and ones past (or before) the gate.
func (g *Gate) Resolve(id capstan.DeploymentID, decision capstan.ApprovalDecision, actor string) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	ch, ok := g.waiters[id]
	if !ok {
		return ErrNotAwaiting
	}
	select {
	case ch <- resolution{decision: decision, actor: actor}:
		// The buffered send also makes a second Resolve fall through to
		// ErrNotAwaiting once the waiter has gone.
		delete(g.waiters, id)
		return nil
	default:
		return ErrNotAwaiting
	}
}

// Waiting reports whether a pipeline is parked at the gate for the given
// deployment.
func (g *Gate) Waiting(id capstan.DeploymentID) bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	_, ok := g.waiters[id]
	return ok
}
