package event

import (
	"testing"
	"time"
)

// ReceiveWithTimeout reads one value from ch or fails the test.
func ReceiveWithTimeout[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed before a value arrived")
		}
		return value
	case <-time.After(timeout):
		t.Fatalf("no value within %s", timeout)
	}
	var zero T
	return zero
}

// ExpectClosed fails the test unless ch is closed within timeout. Values
// still buffered in ch are discarded.
func ExpectClosed[T any](t testing.TB, ch <-chan T, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("channel still open after %s", timeout)
		}
	}
}
