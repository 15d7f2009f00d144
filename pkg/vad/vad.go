// Package vad decides when the human has finished speaking. The detector is
// clocked by audio arrival: every chunk becomes a Sample and the caller feeds
// samples in order.
package vad

import (
	"context"
	"time"
)

// Defaults for normalized PCM RMS energy.
const (
	DefaultThreshold = 0.02
	DefaultHoldOffMS = 1500
)

// Kind distinguishes detector events.
type Kind int

const (
	SpeechStarted Kind = iota + 1
	SpeechEnded
)

func (k Kind) String() string {
	switch k {
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	default:
		return "unknown"
	}
}

// Event is a speaking state transition.
type Event struct {
	Kind Kind
	At   time.Time
}

// Sample is the energy of one audio chunk at its arrival time.
type Sample struct {
	Energy float64
	At     time.Time
}

// Config holds detector tuning.
type Config struct {
	Threshold float64 `mapstructure:"threshold"`
	HoldOffMS int     `mapstructure:"hold_off_ms"`
}

// HoldOff returns the configured silence hold-off.
func (c Config) HoldOff() time.Duration {
	return time.Duration(c.HoldOffMS) * time.Millisecond
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.HoldOffMS <= 0 {
		c.HoldOffMS = DefaultHoldOffMS
	}
	return c
}

// Detector tracks the speaking state of one session. It is owned by a single
// goroutine and is not safe for concurrent use.
type Detector struct {
	cfg          Config
	speaking     bool
	silenceStart time.Time
}

// New builds a detector; zero config fields take their defaults.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Speaking reports whether speech is in progress.
func (d *Detector) Speaking() bool { return d.speaking }

// Observe applies one sample and returns the transition it caused, if any.
func (d *Detector) Observe(s Sample) (Event, bool) {
	if s.Energy > d.cfg.Threshold {
		d.silenceStart = time.Time{}
		if !d.speaking {
			d.speaking = true
			return Event{Kind: SpeechStarted, At: s.At}, true
		}
		return Event{}, false
	}
	if !d.speaking {
		return Event{}, false
	}
	if d.silenceStart.IsZero() {
		d.silenceStart = s.At
	}
	if s.At.Sub(d.silenceStart) > d.cfg.HoldOff() {
		d.speaking = false
		d.silenceStart = time.Time{}
		return Event{Kind: SpeechEnded, At: s.At}, true
	}
	return Event{}, false
}

// ForceEnd closes an utterance that ran past the maximum turn length. It
// emits nothing when no speech is in progress.
func (d *Detector) ForceEnd(at time.Time) (Event, bool) {
	if !d.speaking {
		return Event{}, false
	}
	d.speaking = false
	d.silenceStart = time.Time{}
	return Event{Kind: SpeechEnded, At: at}, true
}

// Reset returns the detector to the quiet state.
func (d *Detector) Reset() {
	d.speaking = false
	d.silenceStart = time.Time{}
}

// Stream runs the detector over samples until the input closes or ctx is
// done, then closes the returned channel.
func (d *Detector) Stream(ctx context.Context, samples <-chan Sample) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-samples:
				if !ok {
					return
				}
				ev, ok := d.Observe(s)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
