// Package flow holds the conversational stage machine that picks the agent's
// next intent from the human's last turn.
package flow

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrEnded is returned once the conversation reached its terminal state.
var ErrEnded = errors.New("flow: conversation ended")

// Decision is the outcome of evaluating one human turn.
type Decision struct {
	Intent        string
	Stage         int
	CallShouldEnd bool
	Discarded     bool
	EndPhrase     string
}

// Transition describes a committed stage change.
type Transition struct {
	From      int
	To        int
	Ended     bool
	Reason    string
	Timestamp time.Time
}

// Listener observes committed transitions.
type Listener interface {
	OnTransition(Transition)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Transition)

func (f ListenerFunc) OnTransition(t Transition) { f(t) }

// InvalidTransitionError reports an attempt to move the stage backwards.
type InvalidTransitionError struct {
	From int
	To   int
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("flow: invalid stage transition from %d to %d", e.From, e.To)
}

// Config customizes the script.
type Config struct {
	Stages       []Stage           `mapstructure:"stages"`
	EndPhrases   []string          `mapstructure:"end_phrases"`
	Farewell     string            `mapstructure:"farewell"`
	Replacements map[string]string `mapstructure:"replacements"`
}

// Validate checks the script shape.
func (c Config) Validate() error {
	if len(c.Stages) > 0 && len(c.Stages) < 2 {
		return errors.New("flow.stages requires at least 2 stages")
	}
	for i, st := range c.Stages {
		if strings.TrimSpace(st.Intent) == "" {
			return fmt.Errorf("flow.stages[%d].intent is required", i)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if len(c.Stages) == 0 {
		c.Stages = DefaultStages()
	}
	if len(c.EndPhrases) == 0 {
		c.EndPhrases = DefaultEndPhrases()
	}
	if strings.TrimSpace(c.Farewell) == "" {
		c.Farewell = DefaultFarewell
	}
	if c.Replacements == nil {
		c.Replacements = DefaultReplacements()
	}
	return c
}

// Controller tracks one call's position in the script.
type Controller struct {
	mu         sync.RWMutex
	stages     []Stage
	endPhrases []string
	farewell   string
	normalizer *Normalizer

	stage     int
	greeted   bool
	ended     bool
	listeners []Listener
}

// NewController builds a controller positioned at the greeting.
func NewController(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	norm := NewNormalizer(cfg.Replacements)
	phrases := make([]string, 0, len(cfg.EndPhrases))
	for _, p := range cfg.EndPhrases {
		if p = norm.Normalize(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	stages := make([]Stage, len(cfg.Stages))
	copy(stages, cfg.Stages)
	return &Controller{
		stages:     stages,
		endPhrases: phrases,
		farewell:   cfg.Farewell,
		normalizer: norm,
	}
}

// AddListener registers a transition observer.
func (c *Controller) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Stages returns a copy of the script.
func (c *Controller) Stages() []Stage {
	out := make([]Stage, len(c.stages))
	copy(out, c.stages)
	return out
}

// Stage is the current stage index.
func (c *Controller) Stage() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stage
}

// Ended reports whether the terminal state was reached.
func (c *Controller) Ended() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ended
}

// Greeting returns the stage 0 intent and marks the greeting issued.
func (c *Controller) Greeting() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.greeted = true
	return Decision{Intent: c.stages[0].Intent, Stage: 0}
}

// Decide evaluates a human turn without changing state.
func (c *Controller) Decide(text string) (Decision, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.ended {
		return Decision{}, ErrEnded
	}
	if !c.greeted {
		return Decision{Intent: c.stages[0].Intent, Stage: 0, Discarded: true}, nil
	}
	if phrase, ok := c.matchEndPhrase(text); ok {
		return Decision{
			Intent:        c.farewell,
			Stage:         c.stage,
			CallShouldEnd: true,
			EndPhrase:     phrase,
		}, nil
	}
	last := len(c.stages) - 1
	next := c.stage + 1
	if next > last {
		next = last
	}
	return Decision{
		Intent:        c.stages[next].Intent,
		Stage:         next,
		CallShouldEnd: next == last,
	}, nil
}

// Commit applies a decision produced by Decide.
func (c *Controller) Commit(d Decision) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrEnded
	}
	if d.Discarded {
		c.mu.Unlock()
		return nil
	}
	if d.Stage < c.stage {
		from := c.stage
		c.mu.Unlock()
		return &InvalidTransitionError{From: from, To: d.Stage}
	}
	if d.Stage >= len(c.stages) {
		c.mu.Unlock()
		return &InvalidTransitionError{From: c.stage, To: d.Stage}
	}

	tr := Transition{From: c.stage, To: d.Stage, Ended: d.CallShouldEnd, Timestamp: time.Now()}
	switch {
	case d.EndPhrase != "":
		tr.Reason = "end phrase: " + d.EndPhrase
	case d.CallShouldEnd:
		tr.Reason = "closing reached"
	default:
		tr.Reason = "human turn"
	}
	c.stage = d.Stage
	c.greeted = true
	c.ended = d.CallShouldEnd

	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnTransition(tr)
	}
	return nil
}

// Advance is Decide followed by Commit.
func (c *Controller) Advance(text string) (Decision, error) {
	d, err := c.Decide(text)
	if err != nil {
		return d, err
	}
	return d, c.Commit(d)
}

// CurrentIntent returns the scripted intent for the current stage. It
// reports false once the closing intent was issued.
func (c *Controller) CurrentIntent() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ended {
		return "", false
	}
	return c.stages[c.stage].Intent, true
}

// Normalize exposes the controller's text folding.
func (c *Controller) Normalize(text string) string {
	return c.normalizer.Normalize(text)
}

func (c *Controller) matchEndPhrase(text string) (string, bool) {
	norm := c.normalizer.Normalize(text)
	if norm == "" {
		return "", false
	}
	for _, p := range c.endPhrases {
		if strings.Contains(norm, p) {
			return p, true
		}
	}
	return "", false
}
