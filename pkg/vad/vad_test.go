package vad

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func TestDetectorStartsAndEnds(t *testing.T) {
	d := New(Config{Threshold: 0.1, HoldOffMS: 1000})

	ev, ok := d.Observe(Sample{Energy: 0.5, At: at(0)})
	if !ok || ev.Kind != SpeechStarted {
		t.Fatalf("expected speech_started, got %v %v", ev, ok)
	}
	if _, ok := d.Observe(Sample{Energy: 0.05, At: at(100)}); ok {
		t.Fatalf("silence should only start the timer")
	}
	if _, ok := d.Observe(Sample{Energy: 0.05, At: at(1100)}); ok {
		t.Fatalf("hold-off is exclusive at exactly 1000ms")
	}
	ev, ok = d.Observe(Sample{Energy: 0.05, At: at(1101)})
	if !ok || ev.Kind != SpeechEnded || !ev.At.Equal(at(1101)) {
		t.Fatalf("expected speech_ended at 1101ms, got %v %v", ev, ok)
	}
	if d.Speaking() {
		t.Fatalf("expected quiet state after end")
	}
}

func TestDetectorEnergyRiseClearsSilenceTimer(t *testing.T) {
	d := New(Config{Threshold: 0.1, HoldOffMS: 1000})
	d.Observe(Sample{Energy: 0.5, At: at(0)})
	d.Observe(Sample{Energy: 0, At: at(100)})
	if _, ok := d.Observe(Sample{Energy: 0.5, At: at(900)}); ok {
		t.Fatalf("no event while speaking continues")
	}
	d.Observe(Sample{Energy: 0, At: at(1500)})
	if _, ok := d.Observe(Sample{Energy: 0, At: at(2000)}); ok {
		t.Fatalf("silence timer should have restarted at 1500ms")
	}
}

func TestDetectorThresholdIsStrict(t *testing.T) {
	d := New(Config{Threshold: 0.1})
	if _, ok := d.Observe(Sample{Energy: 0.1, At: at(0)}); ok {
		t.Fatalf("energy equal to threshold is silence")
	}
}

func TestDetectorDefaults(t *testing.T) {
	cfg := New(Config{}).Config()
	if cfg.Threshold != DefaultThreshold || cfg.HoldOffMS != DefaultHoldOffMS {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestForceEnd(t *testing.T) {
	d := New(Config{})
	if _, ok := d.ForceEnd(at(0)); ok {
		t.Fatalf("force end while quiet must not emit")
	}
	d.Observe(Sample{Energy: 1, At: at(0)})
	ev, ok := d.ForceEnd(at(30000))
	if !ok || ev.Kind != SpeechEnded {
		t.Fatalf("expected forced speech_ended")
	}
}

func TestDetectorOrderingOverRandomEnergy(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 50; run++ {
		d := New(Config{Threshold: 0.3, HoldOffMS: 200})
		speaking := false
		clock := 0
		for i := 0; i < 500; i++ {
			clock += rng.Intn(120)
			ev, ok := d.Observe(Sample{Energy: rng.Float64() * 0.6, At: at(clock)})
			if !ok {
				continue
			}
			switch ev.Kind {
			case SpeechStarted:
				if speaking {
					t.Fatalf("run %d: two speech_started without speech_ended", run)
				}
				speaking = true
			case SpeechEnded:
				if !speaking {
					t.Fatalf("run %d: speech_ended without speech_started", run)
				}
				speaking = false
			}
		}
	}
}

func TestStreamEmitsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan Sample)
	d := New(Config{Threshold: 0.1, HoldOffMS: 100})
	out := d.Stream(ctx, in)

	go func() {
		defer close(in)
		for _, s := range []Sample{
			{Energy: 0.5, At: at(0)},
			{Energy: 0, At: at(50)},
			{Energy: 0, At: at(200)},
		} {
			in <- s
		}
	}()

	var kinds []Kind
	for ev := range out {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 2 || kinds[0] != SpeechStarted || kinds[1] != SpeechEnded {
		t.Fatalf("unexpected events %v", kinds)
	}
}
