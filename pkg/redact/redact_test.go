package redact

import (
	"strings"
	"testing"
)

func TestTranscriptLeftAloneWhenDisabled(t *testing.T) {
	SetEnabled(false)
	in := "reach me at hr@acme.com or 555 010 2000"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
	if got := Phone("+15550102000"); got != "+15550102000" {
		t.Fatalf("expected number untouched, got %q", got)
	}
}

func TestTranscriptRedacted(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text("reach me at hr@acme.com or 555 010 2000")
	for _, want := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %q", want, got)
		}
	}
	if strings.Contains(got, "acme") {
		t.Fatalf("email leaked: %q", got)
	}
}

func TestPhoneKeepsLastFourDigits(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	if got := Phone("+1 555-010-2000"); got != "+* ***-***-2000" {
		t.Fatalf("unexpected mask %q", got)
	}
}
