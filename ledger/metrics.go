package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/capstan-io/capstan"
	capstanmetrics "github.com/capstan-io/capstan/metrics"
)

type instrumentedLedger struct {
	l               Ledger
	RequestDuration metrics.Histogram
}

// Instrumented wraps a ledger with request duration metrics.
func Instrumented(l Ledger) Ledger {
	return &instrumentedLedger{
		l: l,
		RequestDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: "capstan",
			Subsystem: "ledger",
			Name:      "request_duration_seconds",
			Help:      "Ledger request duration in seconds.",
			Buckets:   stdprometheus.DefBuckets,
		}, []string{capstanmetrics.LabelMethod, capstanmetrics.LabelSuccess}),
	}
}

func (i *instrumentedLedger) observe(method string, begin time.Time, err error) {
	i.RequestDuration.With(
		capstanmetrics.LabelMethod, method,
		capstanmetrics.LabelSuccess, fmt.Sprint(err == nil),
	).Observe(time.Since(begin).Seconds())
}

func (i *instrumentedLedger) CreateDeployment(ctx context.Context, d capstan.Deployment) (err error) {
	defer func(begin time.Time) { i.observe("CreateDeployment", begin, err) }(time.Now())
	return i.l.CreateDeployment(ctx, d)
}

func (i *instrumentedLedger) RecordTransition(ctx context.Context, id capstan.DeploymentID, from, to capstan.DeploymentState, metadata map[string]string) (err error) {
	defer func(begin time.Time) { i.observe("RecordTransition", begin, err) }(time.Now())
	return i.l.RecordTransition(ctx, id, from, to, metadata)
}

func (i *instrumentedLedger) SetSnapshotRef(ctx context.Context, id capstan.DeploymentID, ref capstan.SnapshotID) (err error) {
	defer func(begin time.Time) { i.observe("SetSnapshotRef", begin, err) }(time.Now())
	return i.l.SetSnapshotRef(ctx, id, ref)
}

func (i *instrumentedLedger) GetDeployment(ctx context.Context, id capstan.DeploymentID) (d capstan.Deployment, err error) {
	defer func(begin time.Time) { i.observe("GetDeployment", begin, err) }(time.Now())
	return i.l.GetDeployment(ctx, id)
}

func (i *instrumentedLedger) ActiveDeployment(ctx context.Context, target capstan.Target) (d capstan.Deployment, ok bool, err error) {
	defer func(begin time.Time) { i.observe("ActiveDeployment", begin, err) }(time.Now())
	return i.l.ActiveDeployment(ctx, target)
}

func (i *instrumentedLedger) LatestSucceeded(ctx context.Context, target capstan.Target) (d capstan.Deployment, ok bool, err error) {
	defer func(begin time.Time) { i.observe("LatestSucceeded", begin, err) }(time.Now())
	return i.l.LatestSucceeded(ctx, target)
}

func (i *instrumentedLedger) LatestDeployment(ctx context.Context, target capstan.Target) (d capstan.Deployment, ok bool, err error) {
	defer func(begin time.Time) { i.observe("LatestDeployment", begin, err) }(time.Now())
	return i.l.LatestDeployment(ctx, target)
}

func (i *instrumentedLedger) HasSucceeded(ctx context.Context, target capstan.Target, contentDigest string) (ok bool, err error) {
	defer func(begin time.Time) { i.observe("HasSucceeded", begin, err) }(time.Now())
	return i.l.HasSucceeded(ctx, target, contentDigest)
}

func (i *instrumentedLedger) NonTerminal(ctx context.Context) (ds []capstan.Deployment, err error) {
	defer func(begin time.Time) { i.observe("NonTerminal", begin, err) }(time.Now())
	return i.l.NonTerminal(ctx)
}

func (i *instrumentedLedger) Transitions(ctx context.Context, id capstan.DeploymentID) (ts []Transition, err error) {
	defer func(begin time.Time) { i.observe("Transitions", begin, err) }(time.Now())
	return i.l.Transitions(ctx, id)
}

func (i *instrumentedLedger) History(ctx context.Context, target capstan.Target) (ts []Transition, err error) {
	defer func(begin time.Time) { i.observe("History", begin, err) }(time.Now())
	return i.l.History(ctx, target)
}

func (i *instrumentedLedger) PutSnapshot(ctx context.Context, s capstan.Snapshot) (err error) {
	defer func(begin time.Time) { i.observe("PutSnapshot", begin, err) }(time.Now())
	return i.l.PutSnapshot(ctx, s)
}

func (i *instrumentedLedger) GetSnapshot(ctx context.Context, id capstan.SnapshotID) (s capstan.Snapshot, err error) {
	defer func(begin time.Time) { i.observe("GetSnapshot", begin, err) }(time.Now())
	return i.l.GetSnapshot(ctx, id)
}

func (i *instrumentedLedger) PruneSnapshots(ctx context.Context, environmentName string, keep int) (err error) {
	defer func(begin time.Time) { i.observe("PruneSnapshots", begin, err) }(time.Now())
	return i.l.PruneSnapshots(ctx, environmentName, keep)
}

func (i *instrumentedLedger) CreateApproval(ctx context.Context, req capstan.ApprovalRequest) (err error) {
	defer func(begin time.Time) { i.observe("CreateApproval", begin, err) }(time.Now())
	return i.l.CreateApproval(ctx, req)
}

func (i *instrumentedLedger) GetApproval(ctx context.Context, id capstan.DeploymentID) (req capstan.ApprovalRequest, ok bool, err error) {
	defer func(begin time.Time) { i.observe("GetApproval", begin, err) }(time.Now())
	return i.l.GetApproval(ctx, id)
}

func (i *instrumentedLedger) ResolveApproval(ctx context.Context, id capstan.DeploymentID, decision capstan.ApprovalDecision, actor string, at time.Time) (err error) {
	defer func(begin time.Time) { i.observe("ResolveApproval", begin, err) }(time.Now())
	return i.l.ResolveApproval(ctx, id, decision, actor, at)
}

func (i *instrumentedLedger) Close() error { return i.l.Close() }
