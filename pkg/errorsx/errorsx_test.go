package errorsx

import (
	"fmt"
	"strings"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonLLMFailure)
	if Reason(err) != ReasonLLMFailure {
		t.Fatalf("expected reason %s, got %s", ReasonLLMFailure, Reason(err))
	}
	if !HasReason(err, ReasonLLMFailure) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonAdapterTimeout)
	second := Wrap(fmt.Errorf("transcribe: %w", first), ReasonSTTFailure)
	if Reason(second) != ReasonAdapterTimeout {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestUserMessageHidesInternals(t *testing.T) {
	err := Wrap(fmt.Errorf("dial tcp 10.0.0.1:443: secret-key rejected"), ReasonSTTFailure)
	msg := UserMessage(err)
	if strings.Contains(msg, "secret") || strings.Contains(msg, "10.0.0.1") {
		t.Fatalf("user message leaked internals: %q", msg)
	}
	if msg == "" {
		t.Fatalf("expected a message")
	}
	if got := UserMessage(assertErr{}); got == "" || strings.Contains(got, "boom") {
		t.Fatalf("unexpected fallback message %q", got)
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
