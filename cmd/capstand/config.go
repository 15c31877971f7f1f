package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/capstan-io/capstan"
	"github.com/capstan-io/capstan/render"
)

// file is the daemon configuration file layout.
type file struct {
	Environments []environmentConfig `yaml:"environments"`
	Artifacts    []artifactConfig    `yaml:"artifacts"`
}

type environmentConfig struct {
	Name             string `yaml:"name"`
	Order            int    `yaml:"order"`
	RequiresApproval bool   `yaml:"requiresApproval"`
	// Timeouts are Go duration strings, e.g. "30m".
	ApprovalTimeout string                 `yaml:"approvalTimeout"`
	HealthTimeout   string                 `yaml:"healthTimeout"`
	Replicas        int                    `yaml:"replicas"`
	Values          map[string]interface{} `yaml:"values"`
	Vars            map[string]string      `yaml:"vars"`
}

type artifactConfig struct {
	Service string `yaml:"service"`
	Version string `yaml:"version"`
	Digest  string `yaml:"digest"`
}

func loadConfig(path string) (capstan.Chain, map[string]render.EnvironmentConfig, []capstan.Artifact, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "reading config %s", path)
	}
	var f file
	if err := yaml.UnmarshalStrict(buf, &f); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "parsing config %s", path)
	}
	if len(f.Environments) == 0 {
		return nil, nil, nil, errors.Errorf("config %s defines no environments", path)
	}

	var envs []capstan.Environment
	configs := map[string]render.EnvironmentConfig{}
	for _, e := range f.Environments {
		approvalTimeout, err := parseTimeout(e.ApprovalTimeout)
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "environment %s: approvalTimeout", e.Name)
		}
		healthTimeout, err := parseTimeout(e.HealthTimeout)
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "environment %s: healthTimeout", e.Name)
		}
		if approvalTimeout == 0 {
			approvalTimeout = defaultApprovalTimeout
		}
		if healthTimeout == 0 {
			healthTimeout = defaultHealthTimeout
		}
		envs = append(envs, capstan.Environment{
			Name:             e.Name,
			Order:            e.Order,
			RequiresApproval: e.RequiresApproval,
			ApprovalTimeout:  approvalTimeout,
			HealthTimeout:    healthTimeout,
		})
		configs[e.Name] = render.EnvironmentConfig{
			EnvironmentName: e.Name,
			Replicas:        e.Replicas,
			Values:          normalizeMap(e.Values),
			Vars:            e.Vars,
		}
	}
	chain, err := capstan.NewChain(envs)
	if err != nil {
		return nil, nil, nil, err
	}

	var artifacts []capstan.Artifact
	for _, a := range f.Artifacts {
		artifacts = append(artifacts, capstan.Artifact{
			ServiceName:   a.Service,
			Version:       a.Version,
			ContentDigest: a.Digest,
			CreatedAt:     time.Now().UTC(),
		})
	}
	return chain, configs, artifacts, nil
}

const (
	defaultApprovalTimeout = 30 * time.Minute
	defaultHealthTimeout   = 5 * time.Minute
)

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// normalizeMap rewrites the map[interface{}]interface{} values that
// yaml.v2 produces for nested mappings into map[string]interface{}, which
// is what the renderer and encoding/json expect.
func normalizeMap(values map[string]interface{}) map[string]interface{} {
	if values == nil {
		return nil
	}
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			key, ok := k.(string)
			if !ok {
				continue
			}
			out[key] = normalizeValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i := range v {
			out[i] = normalizeValue(v[i])
		}
		return out
	default:
		return v
	}
}
