// Package registry resolves symbolic artifact references ("version 1.2.3
// of orders-api") into immutable artifact descriptors, by way of an
// external artifact source.
package registry

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/capstan-io/capstan"
)

// ErrUnknownArtifact is returned by sources for a service/version pair
// they have never seen.
var ErrUnknownArtifact = errors.New("unknown artifact")

// ArtifactSource is the consumed interface of the external registry.
type ArtifactSource interface {
	ResolveArtifact(ctx context.Context, serviceName, version string) (capstan.Artifact, error)
	// Versions lists the known versions for a service, newest first by
	// semver order.
	Versions(ctx context.Context, serviceName string) ([]string, error)
}

// Resolver validates and resolves promotion requests against an artifact
// source.
type Resolver struct {
	source ArtifactSource
	logger log.Logger
}

func NewResolver(source ArtifactSource, logger log.Logger) *Resolver {
	return &Resolver{source: source, logger: logger}
}

// Resolve turns (service, version) into an immutable artifact descriptor.
// The version must be well-formed semver, or the literal "latest", which
// picks the newest known version; resolution of an unknown artifact is a
// caller error, not retried.
func (r *Resolver) Resolve(ctx context.Context, serviceName, version string) (capstan.Artifact, error) {
	if version == "latest" {
		versions, err := r.source.Versions(ctx, serviceName)
		if err != nil {
			return capstan.Artifact{}, errors.Wrapf(err, "listing versions of %s", serviceName)
		}
		if len(versions) == 0 {
			return capstan.Artifact{}, capstan.NewNotFoundError(
				errors.Wrapf(ErrUnknownArtifact, "service %s", serviceName),
				fmt.Sprintf("No versions of %s are known to the registry.", serviceName),
			)
		}
		version = versions[0]
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return capstan.Artifact{}, capstan.NewNotFoundError(
			errors.Wrapf(err, "parsing version %q", version),
			fmt.Sprintf("%q is not a valid version; versions look like 1.2.3.", version),
		)
	}

	artifact, err := r.source.ResolveArtifact(ctx, serviceName, v.String())
	if errors.Is(err, ErrUnknownArtifact) {
		return capstan.Artifact{}, capstan.NewNotFoundError(
			err,
			fmt.Sprintf("No artifact %s:%s is known to the registry. Has the build finished?", serviceName, v.String()),
		)
	}
	if err != nil {
		return capstan.Artifact{}, errors.Wrapf(err, "resolving %s:%s", serviceName, v.String())
	}
	if artifact.ContentDigest == "" {
		return capstan.Artifact{}, errors.Errorf("registry returned %s:%s without a content digest", serviceName, v.String())
	}

	r.logger.Log("resolved", artifact.String(), "digest", artifact.ContentDigest)
	return artifact, nil
}
