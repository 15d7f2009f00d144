// Package storetest holds the behavior every store.Gateway backend must
// share. Backend tests call Run with a constructor.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/store"
)

// Sample builds a finished call starting at start.
func Sample(id string, start time.Time, seconds int) call.Completed {
	end := start.Add(time.Duration(seconds)*time.Second + 400*time.Millisecond)
	c := call.NewCompleted(id, start, end, []call.Turn{
		{Speaker: call.SpeakerAgent, Text: "Hello, I'm calling about job openings.", CapturedAt: start},
		{Speaker: call.SpeakerHuman, Text: "Sure, we're hiring.", CapturedAt: start.Add(3 * time.Second)},
	}, "- Hiring: yes")
	c.EndReason = call.EndCompleted
	c.StageReached = 1
	return c
}

// Run exercises a fresh gateway returned by open.
func Run(t *testing.T, open func(t *testing.T) store.Gateway) {
	t.Helper()
	base := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.FixedZone("X", 3600))

	t.Run("round trip", func(t *testing.T) {
		gw := open(t)
		ctx := context.Background()
		want := Sample("call_rt", base, 61)
		id, err := gw.Save(ctx, want)
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		if id != want.ID {
			t.Fatalf("expected id %q, got %q", want.ID, id)
		}
		got, ok, err := gw.Get(ctx, id)
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
		}
		if got.DurationSeconds != 61 {
			t.Fatalf("expected floor duration 61, got %d", got.DurationSeconds)
		}
	})

	t.Run("duplicate save", func(t *testing.T) {
		gw := open(t)
		ctx := context.Background()
		c := Sample("call_dup", base, 5)
		if _, err := gw.Save(ctx, c); err != nil {
			t.Fatalf("save: %v", err)
		}
		if _, err := gw.Save(ctx, c); !errors.Is(err, store.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
		st, err := gw.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if st.TotalCalls != 1 {
			t.Fatalf("duplicate must not count twice, got %d", st.TotalCalls)
		}
	})

	t.Run("missing", func(t *testing.T) {
		gw := open(t)
		_, ok, err := gw.Get(context.Background(), "call_missing")
		if err != nil || ok {
			t.Fatalf("expected not found, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("list order and stats", func(t *testing.T) {
		gw := open(t)
		ctx := context.Background()
		empty, err := gw.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if empty.TotalCalls != 0 || empty.AverageDurationSeconds != 0 || empty.MostRecent != nil {
			t.Fatalf("unexpected empty stats %+v", empty)
		}

		durations := []int{10, 20, 31}
		for i, d := range durations {
			c := Sample(fmt.Sprintf("call_%d", i), base.Add(time.Duration(i)*time.Minute), d)
			if _, err := gw.Save(ctx, c); err != nil {
				t.Fatalf("save %d: %v", i, err)
			}
		}
		// Same start as call_2; id breaks the tie.
		if _, err := gw.Save(ctx, Sample("call_3", base.Add(2*time.Minute), 1)); err != nil {
			t.Fatalf("save tie: %v", err)
		}

		list, err := gw.List(ctx, 3)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		var ids []string
		for _, c := range list {
			ids = append(ids, c.ID)
		}
		if !reflect.DeepEqual(ids, []string{"call_3", "call_2", "call_1"}) {
			t.Fatalf("unexpected order %v", ids)
		}

		st, err := gw.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if st.TotalCalls != 4 || st.TotalDurationSeconds != 62 {
			t.Fatalf("unexpected totals %+v", st)
		}
		if st.AverageDurationSeconds != 16 {
			t.Fatalf("expected rounded average 16, got %d", st.AverageDurationSeconds)
		}
		if st.MostRecent == nil || st.MostRecent.ID != "call_3" {
			t.Fatalf("unexpected most recent %+v", st.MostRecent)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		gw := open(t)
		if _, err := gw.Save(context.Background(), Sample("../x", base, 1)); !errors.Is(err, store.ErrInvalidID) {
			t.Fatalf("expected ErrInvalidID, got %v", err)
		}
	})
}
