package player

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedError(t *testing.T) {
	base := Errf(KindRateLimited, "throttled")
	wrapped := fmt.Errorf("outer: %w", base)

	if got := KindOf(wrapped); got != KindRateLimited {
		t.Errorf("KindOf(wrapped) = %v, want KindRateLimited", got)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %v, want KindInternal", got)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(KindTransport, "context", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Kind{KindRateLimited, KindTimeout}
	for _, k := range retryable {
		if !Retryable(Errf(k, "x")) {
			t.Errorf("Retryable(%v) = false, want true", k)
		}
	}
	terminal := []Kind{KindInternal, KindInput, KindState, KindTransport, KindNotFound, KindAuthRequired, KindRegionBlocked}
	for _, k := range terminal {
		if Retryable(Errf(k, "x")) {
			t.Errorf("Retryable(%v) = true, want false", k)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindNotFound, "lookup", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped error lost its cause")
	}
}
