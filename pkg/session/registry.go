package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/hrcall/pkg/call"
)

type entry struct {
	mu      sync.Mutex
	sess    CallSession
	removed bool
}

// Registry maps connection ids to their call. Operations on one connection
// serialize on that entry's lock; different connections only share the map.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
	now      func() time.Time
	newID    func() string
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{now: time.Now, newID: NewID}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin opens a call for connectionID.
func (r *Registry) Begin(connectionID string) (string, error) {
	if r.draining.Load() {
		return "", ErrDraining
	}
	e := &entry{sess: CallSession{
		ID:           r.newID(),
		ConnectionID: connectionID,
		StartedAt:    r.now(),
	}}
	if _, loaded := r.sessions.LoadOrStore(connectionID, e); loaded {
		return "", ErrAlreadyActive
	}
	r.count.Add(1)
	return e.sess.ID, nil
}

// Get returns a snapshot of the connection's session, open or closing.
func (r *Registry) Get(connectionID string) (CallSession, bool) {
	e, ok := r.load(connectionID)
	if !ok {
		return CallSession{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return CallSession{}, false
	}
	return e.sess.clone(), true
}

// AppendTurn adds a turn to an open session.
func (r *Registry) AppendTurn(connectionID string, turn call.Turn) error {
	return r.withOpen(connectionID, func(s *CallSession) error {
		if turn.CapturedAt.IsZero() {
			turn.CapturedAt = r.now()
		}
		s.Transcript = append(s.Transcript, turn)
		return nil
	})
}

// SetStage moves an open session's stage forward.
func (r *Registry) SetStage(connectionID string, stage int) error {
	return r.withOpen(connectionID, func(s *CallSession) error {
		if stage < s.Stage {
			return ErrStageRegression
		}
		s.Stage = stage
		return nil
	})
}

// End closes the session and returns its final snapshot. The entry stays
// registered, immutable, until Remove.
func (r *Registry) End(connectionID string) (CallSession, error) {
	e, ok := r.load(connectionID)
	if !ok {
		return CallSession{}, ErrNoActiveSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !e.sess.EndedAt.IsZero() {
		return CallSession{}, ErrNoActiveSession
	}
	ended := r.now()
	if ended.Before(e.sess.StartedAt) {
		ended = e.sess.StartedAt
	}
	e.sess.EndedAt = ended
	return e.sess.clone(), nil
}

// Remove drops the connection's entry.
func (r *Registry) Remove(connectionID string) {
	v, ok := r.sessions.LoadAndDelete(connectionID)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	r.count.Add(-1)
}

// EndAll closes every open session and returns the connection ids it ended.
func (r *Registry) EndAll() []string {
	var ended []string
	r.sessions.Range(func(key, _ any) bool {
		id, ok := key.(string)
		if !ok {
			return true
		}
		if _, err := r.End(id); err == nil {
			ended = append(ended, id)
		}
		return true
	})
	return ended
}

// Count is the number of registered sessions, closing ones included.
func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

// WaitForEmpty blocks until no session is registered or ctx is done.
func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (r *Registry) load(connectionID string) (*entry, bool) {
	v, ok := r.sessions.Load(connectionID)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (r *Registry) withOpen(connectionID string, fn func(*CallSession) error) error {
	e, ok := r.load(connectionID)
	if !ok {
		return ErrNoActiveSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrNoActiveSession
	}
	if !e.sess.EndedAt.IsZero() {
		return ErrSessionClosed
	}
	return fn(&e.sess)
}
