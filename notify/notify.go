// Package notify reports state transitions out-of-band. Sinks are
// best-effort: a broken webhook never blocks or fails a deployment.
package notify

import (
	"time"

	"github.com/go-kit/kit/log"

	"github.com/capstan-io/capstan"
)

type Severity string

const (
	SeverityNormal Severity = "normal"
	// SeverityCritical is reserved for RollbackFailed: automation has
	// stopped and a human needs to look.
	SeverityCritical Severity = "critical"
)

// Event describes one state transition of one deployment.
type Event struct {
	Deployment capstan.Deployment      `json:"deployment"`
	FromState  capstan.DeploymentState `json:"fromState"`
	ToState    capstan.DeploymentState `json:"toState"`
	Reason     string                  `json:"reason,omitempty"`
	Severity   Severity                `json:"severity"`
	OccurredAt time.Time               `json:"occurredAt"`
}

type Notifier interface {
	Notify(Event) error
}

// LogNotifier writes events to the log; it is the sink of last resort and
// always configured.
type LogNotifier struct {
	logger log.Logger
}

func NewLogNotifier(logger log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(e Event) error {
	keyvals := []interface{}{
		"deployment", e.Deployment.ID,
		"service", e.Deployment.ServiceName,
		"environment", e.Deployment.EnvironmentName,
		"from", e.FromState,
		"to", e.ToState,
		"severity", e.Severity,
	}
	if e.Reason != "" {
		keyvals = append(keyvals, "reason", e.Reason)
	}
	return n.logger.Log(keyvals...)
}

// Multi fans an event out to several sinks. Each sink gets the event
// regardless of the others failing; failures are logged and swallowed.
type Multi struct {
	notifiers []Notifier
	logger    log.Logger
}

func NewMulti(logger log.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, logger: logger}
}

func (m *Multi) Notify(e Event) error {
	for _, n := range m.notifiers {
		if err := n.Notify(e); err != nil {
			m.logger.Log("deployment", e.Deployment.ID, "err", err)
		}
	}
	return nil
}
