package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/capstan-io/capstan"
)

// Standalone is an in-process platform that tracks what was applied to
// each environment without running anything. It backs the daemon's
// standalone mode and the end-to-end tests; health behaviour is scriptable
// per environment.
type Standalone struct {
	mtx        sync.Mutex
	live       map[string]capstan.RenderedSpec // keyed by environment:service
	handles    map[string]string               // handle ID -> live key
	health     map[string]HealthScript         // keyed by environment
	restoreErr error
}

// HealthScript decides what the standalone platform reports for an
// environment. The zero value reports healthy immediately.
type HealthScript struct {
	// HealthyAfter is how many queries report Progressing before the
	// first Healthy report.
	HealthyAfter int
	// Unhealthy makes every query report Unhealthy.
	Unhealthy bool
	// Hang makes every query report Progressing forever.
	Hang bool

	queries int
}

func NewStandalone() *Standalone {
	return &Standalone{
		live:    map[string]capstan.RenderedSpec{},
		handles: map[string]string{},
		health:  map[string]HealthScript{},
	}
}

// SetHealth scripts the health behaviour for an environment.
func (p *Standalone) SetHealth(environmentName string, script HealthScript) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.health[environmentName] = script
}

// FailRestores makes every subsequent RestoreState fail with err; pass
// nil to heal the platform again.
func (p *Standalone) FailRestores(err error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.restoreErr = err
}

// Live returns what is currently applied for the given target, if
// anything.
func (p *Standalone) Live(environmentName, serviceName string) (capstan.RenderedSpec, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	spec, ok := p.live[environmentName+":"+serviceName]
	return spec, ok
}

func (p *Standalone) ApplySpec(_ context.Context, spec capstan.RenderedSpec) (ApplyHandle, error) {
	if spec.ServiceName == "" || spec.EnvironmentName == "" {
		return ApplyHandle{}, PermanentError(errors.New("spec is missing service or environment"))
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	key := spec.EnvironmentName + ":" + spec.ServiceName
	p.live[key] = spec
	handle := ApplyHandle{
		ID:              uuid.NewString(),
		ServiceName:     spec.ServiceName,
		EnvironmentName: spec.EnvironmentName,
	}
	p.handles[handle.ID] = key
	return handle, nil
}

func (p *Standalone) QueryHealth(_ context.Context, handle ApplyHandle) (HealthReport, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if _, ok := p.handles[handle.ID]; !ok {
		return HealthReport{}, PermanentError(fmt.Errorf("unknown apply handle %q", handle.ID))
	}
	script := p.health[handle.EnvironmentName]
	switch {
	case script.Hang:
		return HealthReport{Status: HealthProgressing, Detail: "still rolling out"}, nil
	case script.Unhealthy:
		return HealthReport{Status: HealthUnhealthy, Detail: "instances crash-looping"}, nil
	case script.queries < script.HealthyAfter:
		script.queries++
		p.health[handle.EnvironmentName] = script
		return HealthReport{Status: HealthProgressing}, nil
	}
	return HealthReport{Status: HealthHealthy}, nil
}

func (p *Standalone) CaptureState(_ context.Context, environmentName string) ([]byte, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	specs := map[string]capstan.RenderedSpec{}
	for key, spec := range p.live {
		if spec.EnvironmentName == environmentName {
			specs[key] = spec
		}
	}
	return json.Marshal(specs)
}

func (p *Standalone) RestoreState(_ context.Context, environmentName string, state []byte) error {
	var specs map[string]capstan.RenderedSpec
	if err := json.Unmarshal(state, &specs); err != nil {
		return PermanentError(errors.Wrap(err, "decoding captured state"))
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.restoreErr != nil {
		return p.restoreErr
	}
	for key, spec := range p.live {
		if spec.EnvironmentName == environmentName {
			delete(p.live, key)
		}
	}
	for key, spec := range specs {
		p.live[key] = spec
	}
	return nil
}
