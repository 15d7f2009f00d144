package store

import (
	"testing"
	"time"

	"github.com/harunnryd/hrcall/pkg/call"
)

func TestClampLimit(t *testing.T) {
	cases := map[int]int{0: 50, -3: 50, 10: 10, 500: 500, 501: 500}
	for in, want := range cases {
		if got := ClampLimit(in); got != want {
			t.Fatalf("ClampLimit(%d)=%d want %d", in, got, want)
		}
	}
}

func TestValidID(t *testing.T) {
	for _, id := range []string{"call_0f8e", "20240101_120000", "a-b"} {
		if !ValidID(id) {
			t.Fatalf("expected %q valid", id)
		}
	}
	for _, id := range []string{"", " ", "../etc", "a/b", "a b"} {
		if ValidID(id) {
			t.Fatalf("expected %q invalid", id)
		}
	}
}

func TestPrepareRecomputesDuration(t *testing.T) {
	start := time.Unix(100, 0)
	c, err := Prepare(call.Completed{ID: "call_1", StartedAt: start, EndedAt: start.Add(75 * time.Second), DurationSeconds: 3, EndReason: call.EndUserEnded})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if c.DurationSeconds != 75 || c.EndReason != call.EndUserEnded {
		t.Fatalf("unexpected record %+v", c)
	}
	if _, err := Prepare(call.Completed{}); err != ErrInvalidID {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}
