// Package testutil holds small helpers shared by the test suites.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertEventually wraps assert.Eventually with a standard timeout (5s)
// and polling interval (10ms).
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) bool {
	t.Helper()
	return assert.Eventually(t, condition, 5*time.Second, 10*time.Millisecond, msgAndArgs...)
}

// RequireEventually wraps require.Eventually with a standard timeout
// (5s) and polling interval (10ms).
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, condition, 5*time.Second, 10*time.Millisecond, msgAndArgs...)
}
