package provider

import "strings"

// NormalizeStatus maps a raw provider state string to one of the four
// observed states. Unknown strings leave the observed state unchanged
// at the state machine level but flag the lease for refresh.
func NormalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	// Lifecycle event types carry the state as their last dotted
	// segment, e.g. "sandbox.lifecycle.paused".
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	switch {
	// "paus" covers paused, pausing, and pause lifecycle verbs.
	case strings.HasPrefix(s, "paus"):
		return StatusPaused
	case s == "running" || strings.HasPrefix(s, "resume") || strings.HasPrefix(s, "start"):
		return StatusRunning
	case strings.HasPrefix(s, "detach") || strings.HasPrefix(s, "destroy") ||
		strings.HasPrefix(s, "delete") || strings.HasPrefix(s, "stop") ||
		strings.HasPrefix(s, "kill") || s == "exited" || s == "dead" || s == "removing":
		return StatusDetached
	default:
		return StatusUnknown
	}
}
