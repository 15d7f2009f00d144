// Package session tracks the active call of every client connection.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/errorsx"
)

var (
	ErrNoActiveSession = errorsx.Wrap(errors.New("session: no active session"), errorsx.ReasonNoActiveSession)
	ErrAlreadyActive   = errorsx.Wrap(errors.New("session: already active"), errorsx.ReasonAlreadyActive)
	ErrSessionClosed   = errorsx.Wrap(errors.New("session: closed"), errorsx.ReasonSessionClosed)
	ErrStageRegression = errorsx.Wrap(errors.New("session: stage regression"), errorsx.ReasonStageRegression)
	ErrDraining        = errorsx.Wrap(errors.New("session: registry draining"), errorsx.ReasonDraining)
)

// CallSession is the state of one call. Values handed out by the registry
// are snapshots; mutating them has no effect on the registry.
type CallSession struct {
	ID           string
	ConnectionID string
	Transcript   []call.Turn
	Stage        int
	StartedAt    time.Time
	EndedAt      time.Time
}

// Open reports whether the session still accepts turns.
func (s CallSession) Open() bool { return s.EndedAt.IsZero() }

// Completed converts an ended session into a persistence record.
func (s CallSession) Completed(summary string) call.Completed {
	c := call.NewCompleted(s.ID, s.StartedAt, s.EndedAt, s.Transcript, summary)
	c.StageReached = s.Stage
	return c
}

func (s CallSession) clone() CallSession {
	out := s
	out.Transcript = make([]call.Turn, len(s.Transcript))
	copy(out.Transcript, s.Transcript)
	return out
}

// NewID returns a fresh call identifier.
func NewID() string {
	return "call_" + uuid.NewString()
}
