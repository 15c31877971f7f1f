package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/capstan-io/capstan"
	"github.com/capstan-io/capstan/health"
	"github.com/capstan-io/capstan/ledger"
	capstanmetrics "github.com/capstan-io/capstan/metrics"
	"github.com/capstan-io/capstan/notify"
	"github.com/capstan-io/capstan/platform"
)

// metadataApplyHandle is the transition metadata key under which the
// apply handle is persisted, so a restarted daemon can resume a health
// check against the right workload generation.
const metadataApplyHandle = "applyHandle"

// pipeline drives one deployment through the state machine. It is the
// deployment's single writer: every transition is recorded in the ledger
// before the stage's side effect runs, so a crash leaves a resumable
// record rather than a lost action.
type pipeline struct {
	o   *Orchestrator
	d   capstan.Deployment
	env capstan.Environment

	spec   capstan.RenderedSpec
	handle platform.ApplyHandle

	stageCtx    context.Context
	cancelStage context.CancelFunc

	rollbackOnce sync.Once
	rollbackc    chan struct{}
	reason       string

	logger log.Logger
}

func (o *Orchestrator) newPipeline(d capstan.Deployment, env capstan.Environment) *pipeline {
	stageCtx, cancel := context.WithCancel(o.baseCtx)
	return &pipeline{
		o:           o,
		d:           d,
		env:         env,
		stageCtx:    stageCtx,
		cancelStage: cancel,
		rollbackc:   make(chan struct{}),
		logger: log.With(o.logger,
			"deployment", d.ID, "service", d.ServiceName, "environment", d.EnvironmentName),
	}
}

// signalRollback diverts the pipeline into RollingBack at the next stage
// boundary and abandons any cancellable pending work. An apply already in
// flight is left to finish; interrupting it could leave the target in a
// worse state than rolling back a completed one.
func (p *pipeline) signalRollback(reason string) {
	p.rollbackOnce.Do(func() {
		p.reason = reason
		close(p.rollbackc)
		p.cancelStage()
	})
}

func (p *pipeline) rollbackDue() (string, bool) {
	select {
	case <-p.rollbackc:
		return p.reason, true
	default:
		return "", false
	}
}

// aborted reports whether the pipeline should park because the daemon is
// shutting down (as opposed to a rollback being requested).
func (p *pipeline) aborted() bool {
	if _, due := p.rollbackDue(); due {
		return false
	}
	return p.o.baseCtx.Err() != nil
}

func (p *pipeline) run() {
	defer p.o.release(p.d.Target())

	if err := p.prepare(); err != nil {
		p.logger.Log("stage", "prepare", "err", err)
		return
	}

	st := p.d.State
	if st == capstan.StateSucceeded {
		// Manual post-hoc rollback enters here; everything else starts
		// from a non-terminal state.
		reason, due := p.rollbackDue()
		if !due {
			return
		}
		var err error
		st, err = p.fail(reason)
		if err != nil {
			p.logger.Log("err", err)
			return
		}
	}

	for !st.Terminal() {
		begin, stage := time.Now(), st
		next, err := p.step(st)
		p.o.metrics.StageDuration.With(
			capstanmetrics.LabelStage, string(stage),
			capstanmetrics.LabelOutcome, string(next),
		).Observe(time.Since(begin).Seconds())
		if err != nil {
			// Ledger unavailable or daemon stopping: park without a
			// transition. Recovery resumes from the last recorded state.
			p.logger.Log("stage", stage, "err", err)
			return
		}
		st = next
	}
	p.logger.Log("state", st, "artifact", p.d.Artifact.String())
}

// prepare rebuilds in-memory stage inputs that are not persisted: the
// rendered spec (a pure function of artifact and config) and, for a
// resumed health check, the apply handle recorded in the transition log.
func (p *pipeline) prepare() error {
	switch p.d.State {
	case capstan.StateAwaitingApproval, capstan.StatePromoting, capstan.StateApplying:
		config := p.o.config.EnvConfigs[p.env.Name]
		spec, err := p.o.renderer.Render(p.d.Artifact, config)
		if err != nil {
			p.signalRollback(fmt.Sprintf("configuration no longer renders: %v", err))
			return nil
		}
		p.spec = spec
	case capstan.StateHealthChecking:
		ts, err := p.o.ledger.Transitions(p.o.baseCtx, p.d.ID)
		if err != nil {
			return errors.Wrap(err, "reading transition log")
		}
		for i := len(ts) - 1; i >= 0; i-- {
			if raw, ok := ts[i].Metadata[metadataApplyHandle]; ok {
				if err := json.Unmarshal([]byte(raw), &p.handle); err != nil {
					return errors.Wrap(err, "decoding recorded apply handle")
				}
				break
			}
		}
		if p.handle.ID == "" {
			p.signalRollback("apply handle lost across restart")
		}
	}
	return nil
}

func (p *pipeline) step(st capstan.DeploymentState) (capstan.DeploymentState, error) {
	switch st {
	case capstan.StatePending:
		return p.to(capstan.StateSnapshotting, nil)
	case capstan.StateSnapshotting:
		return p.snapshotting()
	case capstan.StateRendering:
		return p.rendering()
	case capstan.StateAwaitingApproval:
		return p.awaitingApproval()
	case capstan.StatePromoting:
		return p.to(capstan.StateApplying, nil)
	case capstan.StateApplying:
		return p.applying()
	case capstan.StateHealthChecking:
		return p.healthChecking()
	case capstan.StateRollingBack:
		return p.rollingBack()
	default:
		return st, errors.Errorf("pipeline cannot drive state %s", st)
	}
}

func (p *pipeline) snapshotting() (capstan.DeploymentState, error) {
	if reason, due := p.rollbackDue(); due {
		return p.fail(reason)
	}
	snap, err := p.o.snapshots.Capture(p.stageCtx, p.env.Name)
	if err != nil {
		if p.aborted() {
			return p.d.State, err
		}
		return p.fail(err.Error())
	}
	if err := p.o.ledger.SetSnapshotRef(p.stageCtx, p.d.ID, snap.ID); err != nil {
		return p.d.State, errors.Wrap(err, "recording snapshot ref")
	}
	p.d.SnapshotRef = snap.ID
	return p.to(capstan.StateRendering, nil)
}

func (p *pipeline) rendering() (capstan.DeploymentState, error) {
	if reason, due := p.rollbackDue(); due {
		return p.fail(reason)
	}
	config := p.o.config.EnvConfigs[p.env.Name]
	spec, err := p.o.renderer.Render(p.d.Artifact, config)
	if err != nil {
		return p.fail(err.Error())
	}
	p.spec = spec
	if p.env.RequiresApproval {
		return p.to(capstan.StateAwaitingApproval, nil)
	}
	return p.to(capstan.StateApplying, nil)
}

func (p *pipeline) awaitingApproval() (capstan.DeploymentState, error) {
	if reason, due := p.rollbackDue(); due {
		return p.fail(reason)
	}

	req, exists, err := p.o.ledger.GetApproval(p.stageCtx, p.d.ID)
	if err != nil {
		return p.d.State, errors.Wrap(err, "reading approval request")
	}
	if !exists {
		req = capstan.ApprovalRequest{
			DeploymentID: p.d.ID,
			RequestedAt:  time.Now().UTC(),
			Decision:     capstan.ApprovalPending,
		}
		if err := p.o.ledger.CreateApproval(p.stageCtx, req); err != nil {
			return p.d.State, errors.Wrap(err, "creating approval request")
		}
	}
	// A decision recorded before a crash still stands.
	switch req.Decision {
	case capstan.ApprovalApproved:
		return p.to(capstan.StatePromoting, map[string]string{"approvedBy": req.DecidedBy})
	case capstan.ApprovalDenied:
		return p.fail(fmt.Sprintf("approval denied by %s", req.DecidedBy))
	}

	outcome := p.o.gate.Await(p.stageCtx, p.d.ID, p.env.ApprovalTimeout)
	if outcome.Cancelled {
		if reason, due := p.rollbackDue(); due {
			return p.fail(reason)
		}
		return p.d.State, p.o.baseCtx.Err()
	}

	actor := outcome.Actor
	if outcome.TimedOut {
		actor = "gate-timeout"
	}
	err = p.o.ledger.ResolveApproval(p.o.baseCtx, p.d.ID, outcome.Decision, actor, time.Now().UTC())
	if errors.Is(err, ledger.ErrApprovalDecided) {
		// An operator recorded the decision straight to the ledger
		// while the gate raced; the recorded row wins.
		req, _, gerr := p.o.ledger.GetApproval(p.o.baseCtx, p.d.ID)
		if gerr != nil {
			return p.d.State, errors.Wrap(gerr, "reading approval request")
		}
		if req.Decision == capstan.ApprovalApproved {
			return p.to(capstan.StatePromoting, map[string]string{"approvedBy": req.DecidedBy})
		}
		return p.fail(fmt.Sprintf("approval denied by %s", req.DecidedBy))
	} else if err != nil {
		return p.d.State, errors.Wrap(err, "recording approval decision")
	}

	switch {
	case outcome.TimedOut:
		// Fail closed: an unanswered gate is a denial.
		return p.fail(fmt.Sprintf("approval timed out after %s", p.env.ApprovalTimeout))
	case outcome.Decision == capstan.ApprovalDenied:
		return p.fail(fmt.Sprintf("approval denied by %s", outcome.Actor))
	}
	return p.to(capstan.StatePromoting, map[string]string{"approvedBy": outcome.Actor})
}

func (p *pipeline) applying() (capstan.DeploymentState, error) {
	if reason, due := p.rollbackDue(); due {
		return p.fail(reason)
	}
	handle, err := p.o.executor.Apply(p.stageCtx, p.spec)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			if reason, due := p.rollbackDue(); due {
				return p.fail(reason)
			}
			return p.d.State, err
		}
		return p.fail(fmt.Sprintf("apply failed: %v", err))
	}
	p.handle = handle
	handleJSON, err := json.Marshal(handle)
	if err != nil {
		return p.d.State, errors.Wrap(err, "encoding apply handle")
	}
	return p.to(capstan.StateHealthChecking, map[string]string{metadataApplyHandle: string(handleJSON)})
}

func (p *pipeline) healthChecking() (capstan.DeploymentState, error) {
	if reason, due := p.rollbackDue(); due {
		return p.fail(reason)
	}
	result, detail := p.o.health.Validate(p.stageCtx, p.handle, p.env.HealthTimeout)
	switch result {
	case health.ResultHealthy:
		next, err := p.to(capstan.StateSucceeded, nil)
		if err != nil {
			return next, err
		}
		if err := p.o.snapshots.Prune(p.o.baseCtx, p.env.Name); err != nil {
			p.logger.Log("prune", p.env.Name, "err", err)
		}
		return next, nil
	case health.ResultCancelled:
		if reason, due := p.rollbackDue(); due {
			return p.fail(reason)
		}
		return p.d.State, p.o.baseCtx.Err()
	case health.ResultTimedOut:
		// No verdict within the window is treated exactly like an
		// explicit unhealthy signal.
		return p.fail(fmt.Sprintf("health check timed out after %s", p.env.HealthTimeout))
	default:
		if detail == "" {
			detail = "target reported unhealthy"
		}
		return p.fail(detail)
	}
}

func (p *pipeline) rollingBack() (capstan.DeploymentState, error) {
	if p.d.SnapshotRef == "" {
		// Failed before anything was applied; nothing to restore.
		return p.to(capstan.StateRolledBack, map[string]string{"detail": "nothing applied; no restore needed"})
	}
	if err := p.o.snapshots.Restore(p.o.baseCtx, p.d.SnapshotRef); err != nil {
		if p.aborted() {
			return p.d.State, err
		}
		return p.to(capstan.StateRollbackFailed, map[string]string{
			ledger.MetadataReason: fmt.Sprintf("restoring snapshot %s: %v", p.d.SnapshotRef, err),
		})
	}
	return p.to(capstan.StateRolledBack, nil)
}

// fail records the failure reason and diverts into RollingBack.
func (p *pipeline) fail(reason string) (capstan.DeploymentState, error) {
	return p.to(capstan.StateRollingBack, map[string]string{ledger.MetadataReason: reason})
}

// to durably records the transition, then reports it to the notification
// sinks. The record happens before the next stage's side effect ever
// runs; that ordering is the crash-safety contract of the pipeline.
func (p *pipeline) to(next capstan.DeploymentState, metadata map[string]string) (capstan.DeploymentState, error) {
	from := p.d.State
	if err := p.o.ledger.RecordTransition(p.o.baseCtx, p.d.ID, from, next, metadata); err != nil {
		return from, errors.Wrapf(err, "recording %s -> %s", from, next)
	}
	p.d.State = next
	p.d.UpdatedAt = time.Now().UTC()
	if reason := metadata[ledger.MetadataReason]; reason != "" {
		p.d.FailureReason = reason
	}

	severity := notify.SeverityNormal
	if next == capstan.StateRollbackFailed {
		severity = notify.SeverityCritical
	}
	event := notify.Event{
		Deployment: p.d,
		FromState:  from,
		ToState:    next,
		Reason:     p.d.FailureReason,
		Severity:   severity,
		OccurredAt: p.d.UpdatedAt,
	}
	go p.o.notifier.Notify(event)

	return next, nil
}
