package capstan

import (
	"fmt"
	"sort"
	"time"
)

// Artifact is an immutable, versioned build output for one service. The
// digest identifies the content byte-for-byte; two artifacts with the same
// digest are interchangeable.
type Artifact struct {
	ServiceName   string    `json:"serviceName"`
	Version       string    `json:"version"`
	ContentDigest string    `json:"contentDigest"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (a Artifact) String() string {
	return fmt.Sprintf("%s:%s", a.ServiceName, a.Version)
}

// Environment is one ranked stage in the promotion chain. An artifact must
// pass through each rank in order; ranks cannot be skipped.
type Environment struct {
	Name             string        `json:"name"`
	Order            int           `json:"order"`
	RequiresApproval bool          `json:"requiresApproval"`
	ApprovalTimeout  time.Duration `json:"approvalTimeout"`
	HealthTimeout    time.Duration `json:"healthCheckTimeout"`
}

// Chain is the ordered set of environments a service promotes through.
type Chain []Environment

// NewChain sorts the given environments by rank and verifies the ranks are
// distinct and contiguous from zero.
func NewChain(envs []Environment) (Chain, error) {
	c := make(Chain, len(envs))
	copy(c, envs)
	sort.Slice(c, func(i, j int) bool { return c[i].Order < c[j].Order })
	for i, env := range c {
		if env.Order != i {
			return nil, fmt.Errorf("environment ranks must be contiguous from 0; %q has rank %d at position %d", env.Name, env.Order, i)
		}
	}
	return c, nil
}

// Get returns the named environment.
func (c Chain) Get(name string) (Environment, bool) {
	for _, env := range c {
		if env.Name == name {
			return env, true
		}
	}
	return Environment{}, false
}

// Previous returns the environment one rank below the given one, or false
// if the given environment is the lowest rank.
func (c Chain) Previous(env Environment) (Environment, bool) {
	if env.Order == 0 {
		return Environment{}, false
	}
	return c[env.Order-1], true
}

// Target identifies a (service, environment) pair, the unit of mutual
// exclusion for rollouts.
type Target struct {
	ServiceName     string `json:"serviceName"`
	EnvironmentName string `json:"environmentName"`
}

func (t Target) String() string {
	return t.ServiceName + ":" + t.EnvironmentName
}
