// Package api defines the service surface shared by the daemon and its
// clients. The orchestrator implements it; the HTTP transport and the
// typed client speak it.
package api

import (
	"context"

	"github.com/capstan-io/capstan"
	"github.com/capstan-io/capstan/ledger"
)

type Service interface {
	// RequestPromotion starts promoting the given artifact version into
	// the named environment and returns the deployment's ID.
	RequestPromotion(ctx context.Context, serviceName, version, environmentName string) (capstan.DeploymentID, error)

	// RequestRollback restores the deployment's pre-apply snapshot.
	RequestRollback(ctx context.Context, id capstan.DeploymentID) error

	Approve(ctx context.Context, id capstan.DeploymentID, actor string) error
	Deny(ctx context.Context, id capstan.DeploymentID, actor string) error

	GetStatus(ctx context.Context, id capstan.DeploymentID) (capstan.Deployment, error)
	GetTargetStatus(ctx context.Context, target capstan.Target) (capstan.Deployment, error)
	History(ctx context.Context, target capstan.Target) ([]ledger.Transition, error)
}
