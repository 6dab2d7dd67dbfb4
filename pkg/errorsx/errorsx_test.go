package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonUpstreamConnect)
	if Reason(err) != ReasonUpstreamConnect {
		t.Fatalf("expected reason %s, got %s", ReasonUpstreamConnect, Reason(err))
	}
	if !HasReason(err, ReasonUpstreamConnect) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonUpstreamSend)
	second := Wrap(first, ReasonClientSend)
	if Reason(second) != ReasonUpstreamSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("open upstream: %w", Wrap(assertErr{}, ReasonConfigMissing))
	if Reason(err) != ReasonConfigMissing {
		t.Fatalf("expected reason through %%w, got %s", Reason(err))
	}
	if !errors.Is(err, assertErr{}) {
		t.Fatalf("expected errors.Is to reach the wrapped error")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonAuthDenied) != nil {
		t.Fatalf("expected nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown for nil")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
