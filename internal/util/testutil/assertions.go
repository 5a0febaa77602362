// Package testutil holds shared test helpers.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

// AssertEventually polls condition with the package-wide timeout and
// interval, so slow CI does not need per-call tuning.
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) bool {
	t.Helper()
	return assert.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}

// RequireEventually is AssertEventually but fatal on timeout.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}
