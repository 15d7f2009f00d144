// Package filestore keeps finished calls as JSON files:
// calls/{id}.json, transcripts/{id}.txt and summaries/{id}.json.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/store"
)

const (
	callsDir       = "calls"
	transcriptsDir = "transcripts"
	summariesDir   = "summaries"
)

type summaryFile struct {
	CallID         string         `json:"callId"`
	Summary        string         `json:"summary"`
	StagesReached  int            `json:"stagesCompleted"`
	TotalExchanges int            `json:"totalExchanges"`
	EndReason      call.EndReason `json:"endReason,omitempty"`
}

// Store is a directory-backed gateway.
type Store struct {
	dir    string
	mu     sync.RWMutex
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for best-effort writes.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l.With("component", "filestore")
		}
	}
}

// New creates the directory layout under dir.
func New(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("filestore: dir is required")
	}
	for _, sub := range []string{callsDir, transcriptsDir, summariesDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("filestore: create %s: %w", sub, err)
		}
	}
	s := &Store{dir: dir, logger: slog.Default().With("component", "filestore")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Save(ctx context.Context, c call.Completed) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c, err := store.Prepare(c)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("filestore: marshal call: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.callPath(c.ID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", store.ErrDuplicate
		}
		return "", fmt.Errorf("filestore: create call file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("filestore: write call file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("filestore: close call file: %w", err)
	}

	// The call file is the record; the transcript and summary are views of it.
	if err := s.writeViews(c); err != nil {
		s.logger.Warn("call_views_write_failed", "call_id", c.ID, "error", err)
	}
	return c.ID, nil
}

func (s *Store) writeViews(c call.Completed) error {
	if err := os.WriteFile(filepath.Join(s.dir, transcriptsDir, c.ID+".txt"), []byte(RenderTranscript(c.Transcript)), 0o644); err != nil {
		return fmt.Errorf("filestore: write transcript: %w", err)
	}
	sum, err := json.MarshalIndent(summaryFile{
		CallID:         c.ID,
		Summary:        c.Summary,
		StagesReached:  c.StageReached,
		TotalExchanges: len(c.Transcript) / 2,
		EndReason:      c.EndReason,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, summariesDir, c.ID+".json"), sum, 0o644); err != nil {
		return fmt.Errorf("filestore: write summary: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (call.Completed, bool, error) {
	if err := ctx.Err(); err != nil {
		return call.Completed{}, false, err
	}
	if !store.ValidID(id) {
		return call.Completed{}, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(s.callPath(id))
}

func (s *Store) List(ctx context.Context, limit int) ([]call.Completed, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	limit = store.ClampLimit(limit)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) Stats(ctx context.Context) (call.Stats, error) {
	all, err := s.all(ctx)
	if err != nil {
		return call.Stats{}, err
	}
	var total int64
	for _, c := range all {
		total += c.DurationSeconds
	}
	var recent *call.Completed
	if len(all) > 0 {
		recent = &all[0]
	}
	return call.NewStats(len(all), total, recent), nil
}

func (s *Store) Close() error { return nil }

func (s *Store) all(ctx context.Context) ([]call.Completed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(filepath.Join(s.dir, callsDir))
	if err != nil {
		return nil, fmt.Errorf("filestore: list calls: %w", err)
	}
	out := make([]call.Completed, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		c, ok, err := s.read(filepath.Join(s.dir, callsDir, e.Name()))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return store.Less(out[i], out[j]) })
	return out, nil
}

func (s *Store) read(path string) (call.Completed, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return call.Completed{}, false, nil
		}
		return call.Completed{}, false, fmt.Errorf("filestore: read %s: %w", filepath.Base(path), err)
	}
	var c call.Completed
	if err := json.Unmarshal(data, &c); err != nil {
		return call.Completed{}, false, fmt.Errorf("filestore: decode %s: %w", filepath.Base(path), err)
	}
	return c, true, nil
}

func (s *Store) callPath(id string) string {
	return filepath.Join(s.dir, callsDir, id+".json")
}

// RenderTranscript formats turns as "[time] Agent|User: text" blocks.
func RenderTranscript(turns []call.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s] %s: %s\n\n", t.CapturedAt.UTC().Format(time.RFC3339), t.Speaker.Label(), t.Text)
	}
	return b.String()
}

var _ store.Gateway = (*Store)(nil)
