package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// InfraError wraps transient network/auth/session-lost failures from a
// provider SDK. Runtimes retry the wrapped call exactly once after a
// forced status refresh; the lease state machine records it as
// provider.error with needs_refresh set.
type InfraError struct {
	Provider string
	Op       string
	Err      error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

// Infra wraps err as an InfraError.
func Infra(providerName, op string, err error) error {
	return &InfraError{Provider: providerName, Op: op, Err: err}
}

// IsInfra reports whether err is (or wraps) an InfraError.
func IsInfra(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}

// ErrSessionNotFound marks a session the provider no longer knows.
var ErrSessionNotFound = errors.New("provider: session not found")

// ErrCapabilityUnsupported marks an operation the provider declared it
// cannot do.
type CapabilityError struct {
	Provider string
	Op       string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("provider %s does not support %s", e.Provider, e.Op)
}

// Unsupported returns a CapabilityError.
func Unsupported(providerName, op string) error {
	return &CapabilityError{Provider: providerName, Op: op}
}

// defaultInfraSubstrings is the configurable predicate's default
// allowlist for classifying raw SDK errors as infra failures.
var defaultInfraSubstrings = []string{
	"no close frame",
	"session not found",
	"connection reset",
	"broken pipe",
	"connection refused",
	"EOF",
}

// InfraPredicate classifies a raw error as a transient infra failure.
type InfraPredicate func(err error) bool

// DefaultInfraPredicate matches context deadline errors and the
// default substring allowlist.
func DefaultInfraPredicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, s := range defaultInfraSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
