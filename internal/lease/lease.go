// Package lease implements the sandbox lease state machine: the
// single writer of physical lifecycle state. All mutations go through
// Apply under a process-local per-lease lock; every successful or
// failed Apply appends exactly one row to the lease event log in the
// same transaction as the snapshot update.
package lease

import (
	"errors"
	"fmt"

	"github.com/sandmux/sandmux/internal/provider"
)

// Event types of the state machine. Intents mutate desired state and
// call the provider; observes fold external signals into observed
// state.
const (
	IntentEnsureRunning = "intent.ensure_running"
	IntentPause         = "intent.pause"
	IntentResume        = "intent.resume"
	IntentDestroy       = "intent.destroy"
	ObserveStatus       = "observe.status"
	ProviderError       = "provider.error"
)

// Desired states.
const (
	DesiredRunning   = "running"
	DesiredPaused    = "paused"
	DesiredDestroyed = "destroyed"
)

// Event is one input to Apply.
type Event struct {
	Type    string
	Source  string
	Payload map[string]any
}

// ErrLeasePaused is returned by any execution path attempting I/O
// against a paused lease without an explicit resume. Always
// recoverable by the caller via Resume.
var ErrLeasePaused = errors.New("lease is paused, explicit resume required")

// ErrSchemaInconsistency marks a broken foreign reference. Fatal;
// never silently repaired.
var ErrSchemaInconsistency = errors.New("schema inconsistency")

// IllegalTransitionError reports a rejected state machine edge.
type IllegalTransitionError struct {
	LeaseID string
	From    string
	To      string
	Reason  string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for lease %s: %s -> %s (%s)",
		e.LeaseID, e.From, e.To, e.Reason)
}

// legalObservedTargets is the legal edge set for observed-state
// transitions. Same-state observes are idempotent and always allowed.
var legalObservedTargets = map[string][]string{
	provider.StatusDetached: {provider.StatusRunning, provider.StatusUnknown},
	provider.StatusRunning:  {provider.StatusPaused, provider.StatusDetached, provider.StatusUnknown},
	provider.StatusPaused:   {provider.StatusRunning, provider.StatusDetached, provider.StatusUnknown},
	provider.StatusUnknown:  {provider.StatusRunning, provider.StatusPaused, provider.StatusDetached},
}

func transitionLegal(from, to string) bool {
	if from == to {
		return true
	}
	for _, t := range legalObservedTargets[from] {
		if t == to {
			return true
		}
	}
	return false
}
