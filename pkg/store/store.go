// Package store defines the persistence gateway for finished calls.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/harunnryd/hrcall/pkg/call"
)

var (
	// ErrDuplicate is returned when a call id was already saved.
	ErrDuplicate = errors.New("store: call already saved")
	// ErrInvalidID is returned for blank or unsafe ids.
	ErrInvalidID = errors.New("store: invalid call id")
)

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Gateway persists completed calls and answers read queries.
type Gateway interface {
	Save(ctx context.Context, c call.Completed) (string, error)
	Get(ctx context.Context, id string) (call.Completed, bool, error)
	// List returns the most recent calls first (StartedAt desc, then id desc).
	List(ctx context.Context, limit int) ([]call.Completed, error)
	Stats(ctx context.Context) (call.Stats, error)
	Close() error
}

// ClampLimit maps a requested list size onto [1, MaxListLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// ValidID rejects ids that cannot be used as file names or keys.
func ValidID(id string) bool {
	if strings.TrimSpace(id) == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// Less orders calls most recent first.
func Less(a, b call.Completed) bool {
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.After(b.StartedAt)
	}
	return a.ID > b.ID
}

// Prepare validates a record and normalizes its timestamps and duration.
func Prepare(c call.Completed) (call.Completed, error) {
	if !ValidID(c.ID) {
		return call.Completed{}, ErrInvalidID
	}
	out := call.NewCompleted(c.ID, c.StartedAt, c.EndedAt, c.Transcript, c.Summary)
	out.EndReason = c.EndReason
	out.StageReached = c.StageReached
	return out, nil
}
