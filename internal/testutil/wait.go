// Package testutil holds polling helpers shared by the bridge's tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const pollInterval = 10 * time.Millisecond

// WaitForCondition polls condition every 10ms until it holds or timeout
// elapses. Returns whether the condition was met.
func WaitForCondition(t testing.TB, timeout time.Duration, condition func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}
		<-ticker.C
		if time.Now().After(deadline) {
			return condition()
		}
	}
}

// RequireEventually fails the test if condition does not hold within timeout.
func RequireEventually(t testing.TB, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()
	require.True(t, WaitForCondition(t, timeout, condition), "condition not met within %v: %s", timeout, msg)
}

// WaitForState waits for getter to return expected.
func WaitForState[T comparable](t testing.TB, timeout time.Duration, getter func() T, expected T) {
	t.Helper()
	RequireEventually(t, timeout, func() bool {
		return getter() == expected
	}, fmt.Sprintf("expected state %v", expected))
}

// RequireClosed fails the test if ch is not closed within timeout.
func RequireClosed(t testing.TB, timeout time.Duration, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.FailNow(t, "channel not closed within "+timeout.String(), msg)
	}
}
