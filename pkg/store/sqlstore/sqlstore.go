// Package sqlstore persists finished calls through database/sql. SQLite
// (modernc.org/sqlite, driver "sqlite") and PostgreSQL (lib/pq, driver
// "postgres") are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id               TEXT PRIMARY KEY,
	started_at_ms    BIGINT NOT NULL,
	ended_at_ms      BIGINT NOT NULL,
	duration_seconds BIGINT NOT NULL,
	summary          TEXT NOT NULL,
	end_reason       TEXT NOT NULL DEFAULT '',
	stage_reached    INTEGER NOT NULL DEFAULT 0,
	transcript       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS calls_started_at_idx ON calls (started_at_ms DESC, id DESC);
`

const selectColumns = `id, started_at_ms, ended_at_ms, duration_seconds, summary, end_reason, stage_reached, transcript`

// Config holds connection settings.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns pool defaults for driver and dsn.
func DefaultConfig(driver, dsn string) Config {
	return Config{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Store implements store.Gateway on a *sql.DB.
type Store struct {
	db       *sql.DB
	postgres bool
}

// Open connects, pings and migrates.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "sqlite", "postgres":
	case "":
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite" {
		// SQLite allows one writer; serialize through a single connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := New(db, driver == "postgres")
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. postgres selects $n placeholders.
func New(db *sql.DB, postgres bool) *Store {
	return &Store{db: db, postgres: postgres}
}

// Migrate creates the calls table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate calls table: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Save(ctx context.Context, c call.Completed) (string, error) {
	c, err := store.Prepare(c)
	if err != nil {
		return "", err
	}
	transcript, err := json.Marshal(c.Transcript)
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO calls (id, started_at_ms, ended_at_ms, duration_seconds, summary, end_reason, stage_reached, transcript)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO NOTHING
	`),
		c.ID,
		c.StartedAt.UnixMilli(),
		c.EndedAt.UnixMilli(),
		c.DurationSeconds,
		c.Summary,
		string(c.EndReason),
		c.StageReached,
		string(transcript),
	)
	if err != nil {
		return "", fmt.Errorf("insert call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("insert call: %w", err)
	}
	if n == 0 {
		return "", store.ErrDuplicate
	}
	return c.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (call.Completed, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+selectColumns+` FROM calls WHERE id = ?`), id)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return call.Completed{}, false, nil
	}
	if err != nil {
		return call.Completed{}, false, fmt.Errorf("get call: %w", err)
	}
	return c, true, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]call.Completed, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+selectColumns+`
		FROM calls
		ORDER BY started_at_ms DESC, id DESC
		LIMIT ?
	`), store.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []call.Completed
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (call.Stats, error) {
	var total int
	var seconds int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(duration_seconds), 0) FROM calls`).Scan(&total, &seconds); err != nil {
		return call.Stats{}, fmt.Errorf("call stats: %w", err)
	}
	if total == 0 {
		return call.NewStats(0, 0, nil), nil
	}
	recent, err := s.List(ctx, 1)
	if err != nil {
		return call.Stats{}, err
	}
	var mostRecent *call.Completed
	if len(recent) > 0 {
		mostRecent = &recent[0]
	}
	return call.NewStats(total, seconds, mostRecent), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(sc scanner) (call.Completed, error) {
	var (
		c          call.Completed
		startedMs  int64
		endedMs    int64
		endReason  string
		transcript string
	)
	if err := sc.Scan(&c.ID, &startedMs, &endedMs, &c.DurationSeconds, &c.Summary, &endReason, &c.StageReached, &transcript); err != nil {
		return call.Completed{}, err
	}
	c.StartedAt = time.UnixMilli(startedMs).UTC()
	c.EndedAt = time.UnixMilli(endedMs).UTC()
	c.EndReason = call.EndReason(endReason)
	if err := json.Unmarshal([]byte(transcript), &c.Transcript); err != nil {
		return call.Completed{}, fmt.Errorf("decode transcript: %w", err)
	}
	if c.Transcript == nil {
		c.Transcript = []call.Turn{}
	}
	return c, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ store.Gateway = (*Store)(nil)
