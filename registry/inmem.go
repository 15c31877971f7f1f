package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/capstan-io/capstan"
)

// InMemSource is an artifact source fed by hand; the daemon's standalone
// mode and the tests use it in place of a real registry.
type InMemSource struct {
	mtx       sync.RWMutex
	artifacts map[string]map[string]capstan.Artifact // service -> version -> artifact
}

func NewInMemSource() *InMemSource {
	return &InMemSource{artifacts: map[string]map[string]capstan.Artifact{}}
}

// Add registers an artifact. Later additions for the same service/version
// overwrite, which mirrors a registry being repopulated.
func (s *InMemSource) Add(artifact capstan.Artifact) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	versions, ok := s.artifacts[artifact.ServiceName]
	if !ok {
		versions = map[string]capstan.Artifact{}
		s.artifacts[artifact.ServiceName] = versions
	}
	versions[artifact.Version] = artifact
}

func (s *InMemSource) ResolveArtifact(_ context.Context, serviceName, version string) (capstan.Artifact, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	artifact, ok := s.artifacts[serviceName][version]
	if !ok {
		return capstan.Artifact{}, ErrUnknownArtifact
	}
	return artifact, nil
}

// Versions returns the known versions for a service, newest first.
func (s *InMemSource) Versions(_ context.Context, serviceName string) ([]string, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var parsed semver.Collection
	for v := range s.artifacts[serviceName] {
		if sv, err := semver.NewVersion(v); err == nil {
			parsed = append(parsed, sv)
		}
	}
	sort.Sort(sort.Reverse(parsed))
	versions := make([]string, len(parsed))
	for i, sv := range parsed {
		versions[i] = sv.String()
	}
	return versions, nil
}
