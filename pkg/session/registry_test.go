package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/errorsx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBeginTwiceFails(t *testing.T) {
	r := NewRegistry()
	id, err := r.Begin("conn-1")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !strings.HasPrefix(id, "call_") {
		t.Fatalf("unexpected id %q", id)
	}
	if _, err := r.Begin("conn-1"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if !errorsx.HasReason(ErrAlreadyActive, errorsx.ReasonAlreadyActive) {
		t.Fatalf("expected reason code on sentinel")
	}
}

func TestEndTwiceFails(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := NewRegistry(WithClock(clock.Now))
	r.Begin("conn-1")
	clock.Advance(5 * time.Second)

	sess, err := r.End("conn-1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if sess.EndedAt.Sub(sess.StartedAt) != 5*time.Second {
		t.Fatalf("unexpected span %v", sess.EndedAt.Sub(sess.StartedAt))
	}
	if _, err := r.End("conn-1"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if _, err := r.End("unknown"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession for unknown, got %v", err)
	}
}

func TestClosedSessionIsImmutable(t *testing.T) {
	r := NewRegistry()
	r.Begin("c")
	if err := r.AppendTurn("c", call.Turn{Speaker: call.SpeakerAgent, Text: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	r.End("c")
	if err := r.AppendTurn("c", call.Turn{Speaker: call.SpeakerHuman, Text: "late"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := r.SetStage("c", 2); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	sess, ok := r.Get("c")
	if !ok || len(sess.Transcript) != 1 || sess.Open() {
		t.Fatalf("expected closing session with 1 turn, got %+v", sess)
	}
	if _, err := r.Begin("c"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("closing session still blocks begin, got %v", err)
	}

	r.Remove("c")
	if _, ok := r.Get("c"); ok {
		t.Fatalf("expected session removed")
	}
	if err := r.AppendTurn("c", call.Turn{}); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession after remove, got %v", err)
	}
	if r.Count() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestSetStageIsMonotonic(t *testing.T) {
	r := NewRegistry()
	r.Begin("c")
	if err := r.SetStage("c", 2); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	if err := r.SetStage("c", 1); !errors.Is(err, ErrStageRegression) {
		t.Fatalf("expected ErrStageRegression, got %v", err)
	}
	if err := r.SetStage("c", 2); err != nil {
		t.Fatalf("same stage must be accepted: %v", err)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Begin("c")
	r.AppendTurn("c", call.Turn{Speaker: call.SpeakerAgent, Text: "hi"})
	snap, _ := r.Get("c")
	snap.Transcript[0].Text = "changed"
	again, _ := r.Get("c")
	if again.Transcript[0].Text != "hi" {
		t.Fatalf("snapshot mutation leaked into registry")
	}
}

func TestDrainingRejectsBegin(t *testing.T) {
	r := NewRegistry()
	r.SetDraining(true)
	if _, err := r.Begin("c"); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}
}

func TestEndAllAndWaitForEmpty(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		r.Begin(fmt.Sprintf("c%d", i))
	}
	r.End("c0")
	if ended := r.EndAll(); len(ended) != 2 {
		t.Fatalf("expected 2 newly ended sessions, got %v", ended)
	}

	go func() {
		for i := 0; i < 3; i++ {
			r.Remove(fmt.Sprintf("c%d", i))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !r.WaitForEmpty(ctx, 5*time.Millisecond) {
		t.Fatalf("expected registry to drain")
	}
}

func TestConcurrentConnectionsDoNotInterfere(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", i)
			if _, err := r.Begin(conn); err != nil {
				t.Errorf("begin %s: %v", conn, err)
				return
			}
			for j := 0; j < 10; j++ {
				r.AppendTurn(conn, call.Turn{Speaker: call.SpeakerHuman, Text: "x"})
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < 20; i++ {
		sess, ok := r.Get(fmt.Sprintf("conn-%d", i))
		if !ok || len(sess.Transcript) != 10 {
			t.Fatalf("conn-%d: unexpected transcript length", i)
		}
	}
}
