package capstan

import "testing"

func TestValidTransition(t *testing.T) {
	for _, tr := range []struct {
		from, to DeploymentState
		ok       bool
	}{
		{StatePending, StateSnapshotting, true},
		{StateSnapshotting, StateRendering, true},
		{StateRendering, StateAwaitingApproval, true},
		{StateRendering, StateApplying, true},
		{StateAwaitingApproval, StatePromoting, true},
		{StatePromoting, StateApplying, true},
		{StateApplying, StateHealthChecking, true},
		{StateHealthChecking, StateSucceeded, true},
		{StateSucceeded, StateRollingBack, true},
		{StateRollingBack, StateRolledBack, true},
		{StateRollingBack, StateRollbackFailed, true},

		{StatePending, StateApplying, false},
		{StatePending, StateRollingBack, false},
		{StateRendering, StateSucceeded, false},
		{StateAwaitingApproval, StateApplying, false},
		{StateApplying, StateSucceeded, false},
		{StateRolledBack, StateRollingBack, false},
		{StateRollbackFailed, StateRollingBack, false},
		{StateSucceeded, StateApplying, false},
	} {
		if got := ValidTransition(tr.from, tr.to); got != tr.ok {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tr.from, tr.to, got, tr.ok)
		}
	}
}

func TestEveryNonTerminalStateCanReachRollback(t *testing.T) {
	// Rollback must be reachable anywhere a side effect can have
	// happened, which is every state from Snapshotting onward.
	for _, from := range []DeploymentState{
		StateSnapshotting,
		StateRendering,
		StateAwaitingApproval,
		StatePromoting,
		StateApplying,
		StateHealthChecking,
		StateSucceeded,
	} {
		if !ValidTransition(from, StateRollingBack) {
			t.Errorf("no %s -> RollingBack edge", from)
		}
	}
}

func TestTerminal(t *testing.T) {
	terminal := map[DeploymentState]bool{
		StateSucceeded:      true,
		StateRolledBack:     true,
		StateRollbackFailed: true,
	}
	all := []DeploymentState{
		StatePending, StateSnapshotting, StateRendering, StateAwaitingApproval,
		StatePromoting, StateApplying, StateHealthChecking, StateSucceeded,
		StateRollingBack, StateRolledBack, StateRollbackFailed,
	}
	for _, s := range all {
		if got := s.Terminal(); got != terminal[s] {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, terminal[s])
		}
	}
	for _, s := range all {
		if terminal[s] && len(validNext[s]) > 0 && s != StateSucceeded {
			t.Errorf("terminal state %s has outgoing edges %v", s, validNext[s])
		}
	}
}
