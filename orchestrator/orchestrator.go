// Package orchestrator composes the promotion pipeline: it owns the
// public API, the per-target locks, and the state machine driving every
// in-flight deployment.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/pkg/errors"

	"github.com/capstan-io/capstan"
	"github.com/capstan-io/capstan/approval"
	"github.com/capstan-io/capstan/executor"
	"github.com/capstan-io/capstan/health"
	"github.com/capstan-io/capstan/ledger"
	capstanmetrics "github.com/capstan-io/capstan/metrics"
	"github.com/capstan-io/capstan/notify"
	"github.com/capstan-io/capstan/registry"
	"github.com/capstan-io/capstan/render"
	"github.com/capstan-io/capstan/snapshot"
)

type Metrics struct {
	StageDuration metrics.Histogram
}

func NewMetrics() Metrics {
	return Metrics{
		StageDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: "capstan",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration in seconds of each pipeline stage.",
			Buckets:   stdprometheus.DefBuckets,
		}, []string{capstanmetrics.LabelStage, capstanmetrics.LabelOutcome}),
	}
}

// Config is everything the orchestrator needs to know about the world:
// the promotion chain and each environment's configuration profile.
type Config struct {
	Chain      capstan.Chain
	EnvConfigs map[string]render.EnvironmentConfig
}

// Orchestrator drives deployments through the promotion pipeline. All
// state mutation goes through the ledger; the orchestrator goroutine
// owning a deployment is its only writer.
type Orchestrator struct {
	ledger    ledger.Ledger
	resolver  *registry.Resolver
	renderer  *render.Renderer
	snapshots *snapshot.Manager
	executor  *executor.Executor
	health    *health.Validator
	gate      *approval.Gate
	notifier  notify.Notifier
	config    Config
	metrics   Metrics
	logger    log.Logger

	// baseCtx is cancelled on daemon shutdown only; pipelines abandon
	// their work and resume from the ledger on restart.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mtx    sync.Mutex
	active map[capstan.Target]*pipeline
	wg     sync.WaitGroup
}

func New(
	l ledger.Ledger,
	resolver *registry.Resolver,
	renderer *render.Renderer,
	snapshots *snapshot.Manager,
	exec *executor.Executor,
	validator *health.Validator,
	gate *approval.Gate,
	notifier notify.Notifier,
	config Config,
	m Metrics,
	logger log.Logger,
) *Orchestrator {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		ledger:     l,
		resolver:   resolver,
		renderer:   renderer,
		snapshots:  snapshots,
		executor:   exec,
		health:     validator,
		gate:       gate,
		notifier:   notifier,
		config:     config,
		metrics:    m,
		logger:     logger,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		active:     map[capstan.Target]*pipeline{},
	}
}

// RequestPromotion resolves the artifact, validates the rank-order
// constraint, and starts a pipeline for the target. It returns as soon as
// the deployment is created; the pipeline runs asynchronously.
func (o *Orchestrator) RequestPromotion(ctx context.Context, serviceName, version, environmentName string) (capstan.DeploymentID, error) {
	env, ok := o.config.Chain.Get(environmentName)
	if !ok {
		return "", capstan.NewNotFoundError(
			errors.Errorf("unknown environment %q", environmentName),
			fmt.Sprintf("Environment %q is not part of the promotion chain.", environmentName),
		)
	}
	if _, ok := o.config.EnvConfigs[environmentName]; !ok {
		return "", capstan.NewNotFoundError(
			errors.Errorf("no configuration profile for environment %q", environmentName),
			fmt.Sprintf("Environment %q has no configuration profile.", environmentName),
		)
	}

	artifact, err := o.resolver.Resolve(ctx, serviceName, version)
	if err != nil {
		return "", err
	}

	if err := o.validateRank(ctx, artifact, env); err != nil {
		return "", err
	}

	target := capstan.Target{ServiceName: serviceName, EnvironmentName: environmentName}

	o.mtx.Lock()
	defer o.mtx.Unlock()
	if _, held := o.active[target]; held {
		return "", conflict(target)
	}
	// The lock table is authoritative for running pipelines, but a
	// non-terminal row without a pipeline (daemon restarted without
	// recovery, say) still blocks the target.
	if _, activeRow, err := o.ledger.ActiveDeployment(ctx, target); err != nil {
		return "", errors.Wrap(err, "checking for active deployment")
	} else if activeRow {
		return "", conflict(target)
	}

	now := time.Now().UTC()
	d := capstan.Deployment{
		ID:              capstan.NewDeploymentID(),
		ServiceName:     serviceName,
		EnvironmentName: environmentName,
		Artifact:        artifact,
		State:           capstan.StatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.ledger.CreateDeployment(ctx, d); err != nil {
		return "", errors.Wrap(err, "creating deployment")
	}

	p := o.newPipeline(d, env)
	o.active[target] = p
	o.wg.Add(1)
	go p.run()

	return d.ID, nil
}

// validateRank enforces ordered promotion: the requested environment must
// be the lowest rank not yet holding this artifact, which for rank N+1
// means a Succeeded deployment of the same digest at rank N.
func (o *Orchestrator) validateRank(ctx context.Context, artifact capstan.Artifact, env capstan.Environment) error {
	target := capstan.Target{ServiceName: artifact.ServiceName, EnvironmentName: env.Name}
	held, err := o.ledger.HasSucceeded(ctx, target, artifact.ContentDigest)
	if err != nil {
		return errors.Wrap(err, "checking promotion history")
	}
	if held {
		return capstan.NewInvalidStateError(
			errors.Errorf("%s already deployed to %s", artifact.String(), env.Name),
			fmt.Sprintf("%s is already successfully deployed to %s.", artifact.String(), env.Name),
		)
	}
	prev, ok := o.config.Chain.Previous(env)
	if !ok {
		return nil
	}
	prevTarget := capstan.Target{ServiceName: artifact.ServiceName, EnvironmentName: prev.Name}
	promoted, err := o.ledger.HasSucceeded(ctx, prevTarget, artifact.ContentDigest)
	if err != nil {
		return errors.Wrap(err, "checking promotion history")
	}
	if !promoted {
		return capstan.NewInvalidStateError(
			errors.Errorf("%s has not succeeded in %s", artifact.String(), prev.Name),
			fmt.Sprintf("Ranks cannot be skipped: promote %s to %s first.", artifact.String(), prev.Name),
		)
	}
	return nil
}

// RequestRollback rolls a deployment back. For an in-flight deployment it
// cancels the current stage and diverts the pipeline; for a Succeeded one
// it starts a fresh restore of the pre-apply snapshot. Requesting
// rollback of a deployment already rolled back is a no-op.
func (o *Orchestrator) RequestRollback(ctx context.Context, id capstan.DeploymentID) error {
	d, err := o.ledger.GetDeployment(ctx, id)
	if errors.Is(err, ledger.ErrNoSuchDeployment) {
		return noSuchDeployment(id)
	}
	if err != nil {
		return err
	}

	switch d.State {
	case capstan.StateRolledBack:
		return nil // idempotent
	case capstan.StateRollbackFailed:
		return capstan.NewInvalidStateError(
			errors.Errorf("deployment %s is in RollbackFailed", id),
			"Automatic restoration already failed for this deployment; it needs manual intervention.",
		)
	case capstan.StateSucceeded:
		return o.startManualRollback(ctx, d)
	}

	o.mtx.Lock()
	p, ok := o.active[d.Target()]
	o.mtx.Unlock()
	if !ok || p.d.ID != id {
		// Non-terminal row but no pipeline: the daemon restarted without
		// resuming it. Recover() is the way back.
		return capstan.NewInvalidStateError(
			errors.Errorf("deployment %s has no running pipeline", id),
			"This deployment is not being driven right now; restart recovery will resume it.",
		)
	}
	p.signalRollback("rollback requested")
	return nil
}

func (o *Orchestrator) startManualRollback(ctx context.Context, d capstan.Deployment) error {
	env, ok := o.config.Chain.Get(d.EnvironmentName)
	if !ok {
		return capstan.NewNotFoundError(
			errors.Errorf("unknown environment %q", d.EnvironmentName),
			fmt.Sprintf("Environment %q is no longer part of the promotion chain.", d.EnvironmentName),
		)
	}
	target := d.Target()
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if _, held := o.active[target]; held {
		return conflict(target)
	}
	p := o.newPipeline(d, env)
	p.signalRollback("manual rollback after success")
	o.active[target] = p
	o.wg.Add(1)
	go p.run()
	return nil
}

// Approve records a human approval for a deployment awaiting one.
func (o *Orchestrator) Approve(ctx context.Context, id capstan.DeploymentID, actor string) error {
	return o.resolveApproval(ctx, id, capstan.ApprovalApproved, actor)
}

// Deny records a human denial for a deployment awaiting approval.
func (o *Orchestrator) Deny(ctx context.Context, id capstan.DeploymentID, actor string) error {
	return o.resolveApproval(ctx, id, capstan.ApprovalDenied, actor)
}

func (o *Orchestrator) resolveApproval(ctx context.Context, id capstan.DeploymentID, decision capstan.ApprovalDecision, actor string) error {
	d, err := o.ledger.GetDeployment(ctx, id)
	if errors.Is(err, ledger.ErrNoSuchDeployment) {
		return noSuchDeployment(id)
	} else if err != nil {
		return err
	}
	err = o.gate.Resolve(id, decision, actor)
	if err == nil {
		return nil
	}
	if !errors.Is(err, approval.ErrNotAwaiting) {
		return err
	}
	// No waiter parked, but the ledger says the deployment is at the
	// gate: a resumed pipeline has not reached Await yet. Record the
	// decision; the pipeline honors a decided row when it arrives.
	if d.State == capstan.StateAwaitingApproval {
		err := o.ledger.ResolveApproval(ctx, id, decision, actor, time.Now().UTC())
		if errors.Is(err, ledger.ErrApprovalDecided) {
			return capstan.NewInvalidStateError(
				errors.Wrapf(err, "deployment %s", id),
				"The approval has already been decided.",
			)
		} else if err != nil {
			return err
		}
		// The waiter may have parked in the meantime; wake it so the
		// pipeline does not sit out the gate timeout.
		if err := o.gate.Resolve(id, decision, actor); err != nil && !errors.Is(err, approval.ErrNotAwaiting) {
			return err
		}
		return nil
	}
	return capstan.NewInvalidStateError(
		errors.Wrapf(approval.ErrNotAwaiting, "deployment %s", id),
		"The deployment is not awaiting approval; check its status.",
	)
}

// GetStatus returns the deployment's last recorded state. It reads only
// the ledger and never blocks on in-flight work.
func (o *Orchestrator) GetStatus(ctx context.Context, id capstan.DeploymentID) (capstan.Deployment, error) {
	d, err := o.ledger.GetDeployment(ctx, id)
	if errors.Is(err, ledger.ErrNoSuchDeployment) {
		return capstan.Deployment{}, noSuchDeployment(id)
	}
	return d, err
}

// GetTargetStatus returns the most recent deployment for a target.
func (o *Orchestrator) GetTargetStatus(ctx context.Context, target capstan.Target) (capstan.Deployment, error) {
	d, ok, err := o.ledger.LatestDeployment(ctx, target)
	if err != nil {
		return capstan.Deployment{}, err
	}
	if !ok {
		return capstan.Deployment{}, capstan.NewNotFoundError(
			errors.Errorf("no deployments for %s", target),
			fmt.Sprintf("Nothing has ever been deployed to %s.", target),
		)
	}
	return d, nil
}

// History returns the transition history for a target, newest first.
func (o *Orchestrator) History(ctx context.Context, target capstan.Target) ([]ledger.Transition, error) {
	return o.ledger.History(ctx, target)
}

// Recover resumes every non-terminal deployment found in the ledger from
// its last recorded transition. Call once, before serving requests.
func (o *Orchestrator) Recover(ctx context.Context) error {
	ds, err := o.ledger.NonTerminal(ctx)
	if err != nil {
		return errors.Wrap(err, "scanning ledger for unfinished deployments")
	}
	for _, d := range ds {
		env, ok := o.config.Chain.Get(d.EnvironmentName)
		if !ok {
			o.logger.Log("deployment", d.ID, "err", "environment no longer configured", "environment", d.EnvironmentName)
			continue
		}
		target := d.Target()
		o.mtx.Lock()
		if _, held := o.active[target]; held {
			o.mtx.Unlock()
			o.logger.Log("deployment", d.ID, "err", "target already locked during recovery")
			continue
		}
		p := o.newPipeline(d, env)
		o.active[target] = p
		o.wg.Add(1)
		o.mtx.Unlock()
		o.logger.Log("resuming", d.ID, "state", d.State)
		go p.run()
	}
	return nil
}

// Stop cancels all in-flight pipelines and waits for them to park. Their
// deployments stay non-terminal in the ledger and resume on restart.
func (o *Orchestrator) Stop(timeout time.Duration) error {
	o.cancelBase()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("timed out waiting for pipelines to stop")
	}
}

// release is invoked by a pipeline when it finishes, whether terminal or
// abandoned; it is the single code path freeing a target lock.
func (o *Orchestrator) release(target capstan.Target) {
	o.mtx.Lock()
	delete(o.active, target)
	o.mtx.Unlock()
	o.wg.Done()
}

func conflict(target capstan.Target) error {
	return capstan.NewConflictError(
		errors.Errorf("a deployment is already active for %s", target),
		fmt.Sprintf("A rollout to %s is already in flight; wait for it to finish or inspect it with status.", target),
	)
}

func noSuchDeployment(id capstan.DeploymentID) error {
	return capstan.NewNotFoundError(
		errors.Errorf("no such deployment %s", id),
		"No deployment with that ID exists. Check the ID against capstanctl status.",
	)
}
