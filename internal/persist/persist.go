// Package persist mirrors durable records (tasks, audit entries) into
// Postgres. The store remains the source of truth; persistence is
// write-behind and best-effort, and a nil Sink disables it entirely.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/fblgit/claudebench/internal/audit"
	"github.com/fblgit/claudebench/internal/queue"
)

// Sink writes to Postgres. All methods are nil-safe no-ops on a nil receiver.
type Sink struct {
	db *sql.DB
}

// Open connects and prepares the schema. An empty DSN returns a nil Sink.
func Open(dsn string) (*Sink, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s := &Sink{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			text         TEXT NOT NULL,
			status       TEXT NOT NULL,
			priority     INT NOT NULL,
			assigned_to  TEXT,
			created_at   BIGINT NOT NULL,
			completed_at BIGINT,
			duration_ms  BIGINT,
			result       JSONB,
			metadata     JSONB,
			mirrored_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id        BIGSERIAL PRIMARY KEY,
			action    TEXT NOT NULL,
			actor     TEXT NOT NULL,
			resource  TEXT,
			result    TEXT NOT NULL,
			reason    TEXT,
			metadata  JSONB,
			ts        TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveTask upserts the current task record.
func (s *Sink) SaveTask(ctx context.Context, t *queue.Task) error {
	if s == nil {
		return nil
	}
	result, _ := json.Marshal(t.Result)
	metadata, _ := json.Marshal(t.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, text, status, priority, assigned_to, created_at, completed_at, duration_ms, result, metadata, mirrored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			assigned_to = EXCLUDED.assigned_to,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms,
			result = EXCLUDED.result,
			metadata = EXCLUDED.metadata,
			mirrored_at = now()`,
		t.ID, t.Text, t.Status, t.Priority, nullable(t.AssignedTo),
		t.CreatedAt, nullableInt(t.CompletedAt), nullableInt(t.DurationMs),
		result, metadata)
	return err
}

// SaveTaskAsync mirrors the task off the request path. Failures are logged,
// never surfaced.
func (s *Sink) SaveTaskAsync(t *queue.Task) {
	if s == nil || t == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.SaveTask(ctx, t); err != nil {
			slog.Warn("[Persist] Task mirror failed", "task", t.ID, "error", err)
		}
	}()
}

// SaveAudit appends one audit entry.
func (s *Sink) SaveAudit(ctx context.Context, e audit.Entry) error {
	if s == nil {
		return nil
	}
	metadata, _ := json.Marshal(e.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, actor, resource, result, reason, metadata, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Action, e.Actor, nullable(e.Resource), string(e.Result),
		nullable(e.Reason), metadata, e.Timestamp)
	return err
}

// Close releases the pool.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
