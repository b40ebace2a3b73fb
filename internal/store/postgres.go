package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the PostgreSQL-backed mirror. Documents are kept as JSONB.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Mirror = (*PGStore)(nil)

// NewPostgres connects to PostgreSQL and applies the schema.
func NewPostgres(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PGStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		document    JSONB NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS calendar_markers (
		unique_id    TEXT PRIMARY KEY,
		calendar_id  TEXT NOT NULL,
		event_id     TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS push_keys (
		key        TEXT PRIMARY KEY,
		pushed_at  TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id          BIGSERIAL PRIMARY KEY,
		task_id     TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		content     TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id          BIGSERIAL PRIMARY KEY,
		run_id      TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'running',
		pulled      INTEGER NOT NULL DEFAULT 0,
		changed     INTEGER NOT NULL DEFAULT 0,
		pushed      INTEGER NOT NULL DEFAULT 0,
		skipped     INTEGER NOT NULL DEFAULT 0,
		pruned      INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		started_at  TIMESTAMPTZ NOT NULL,
		ended_at    TIMESTAMPTZ
	);

	ALTER TABLE sync_runs ADD COLUMN IF NOT EXISTS failed INTEGER NOT NULL DEFAULT 0;
	`)
	return err
}

// FindOne returns the mirrored document of a task, or ErrNotFound.
func (s *PGStore) FindOne(ctx context.Context, id string) (Document, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM tasks WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find task %s: %w", id, err)
	}
	return decodeDocument(string(raw))
}

// Upsert inserts or replaces the document of a task.
func (s *PGStore) Upsert(ctx context.Context, id string, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", id, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, document, updated_at) VALUES ($1, $2::jsonb, now())
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = now()
	`, id, string(data))
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", id, err)
	}
	return nil
}

// Delete removes a task from the mirror.
func (s *PGStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// IDs returns the ids of all mirrored tasks.
func (s *PGStore) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan task ids: %w", err)
	}
	return ids, nil
}

// FindAll returns every mirrored document.
func (s *PGStore) FindAll(ctx context.Context) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `SELECT document FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		doc, err := decodeDocument(string(raw))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// LookupMarker returns the marker for a unique id, or nil if none exists.
func (s *PGStore) LookupMarker(ctx context.Context, uniqueID string) (*Marker, error) {
	var m Marker
	err := s.pool.QueryRow(ctx,
		`SELECT unique_id, calendar_id, event_id, created_at FROM calendar_markers WHERE unique_id = $1`,
		uniqueID,
	).Scan(&m.UniqueID, &m.CalendarID, &m.EventID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup marker: %w", err)
	}
	return &m, nil
}

// SaveMarker records (or replaces) the event behind a unique id.
func (s *PGStore) SaveMarker(ctx context.Context, m Marker) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calendar_markers (unique_id, calendar_id, event_id, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (unique_id) DO UPDATE SET calendar_id = EXCLUDED.calendar_id,
		  event_id = EXCLUDED.event_id, created_at = EXCLUDED.created_at
	`, m.UniqueID, m.CalendarID, m.EventID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("save marker: %w", err)
	}
	return nil
}

// DeleteMarker forgets a unique id.
func (s *PGStore) DeleteMarker(ctx context.Context, uniqueID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM calendar_markers WHERE unique_id = $1`, uniqueID); err != nil {
		return fmt.Errorf("delete marker: %w", err)
	}
	return nil
}

// PushKeys returns the key set stored by the last push step.
func (s *PGStore) PushKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM push_keys`)
	if err != nil {
		return nil, fmt.Errorf("load push keys: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan push keys: %w", err)
	}
	keys := make(map[string]bool, len(list))
	for _, k := range list {
		keys[k] = true
	}
	return keys, nil
}

// ReplacePushKeys swaps the stored key set for the given keys.
func (s *PGStore) ReplacePushKeys(ctx context.Context, keys []string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM push_keys`); err != nil {
			return fmt.Errorf("clear push keys: %w", err)
		}
		if len(keys) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, k := range keys {
			batch.Queue(`INSERT INTO push_keys (key, pushed_at) VALUES ($1, now()) ON CONFLICT DO NOTHING`, k)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert push keys: %w", err)
		}
		return nil
	})
}

// AddEvent records an event for a task. Write failures are ignored.
func (s *PGStore) AddEvent(ctx context.Context, taskID, eventType, content string) {
	s.pool.Exec(ctx,
		`INSERT INTO events (task_id, event_type, content, occurred_at) VALUES ($1, $2, $3, now())`,
		taskID, eventType, content,
	)
}

// GetEvents returns all events for a task.
func (s *PGStore) GetEvents(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, event_type, content, occurred_at FROM events WHERE task_id = $1 ORDER BY occurred_at, id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Type, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// StartRun records a new sync cycle.
func (s *PGStore) StartRun(ctx context.Context, runID string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sync_runs (run_id, status, started_at) VALUES ($1, 'running', now()) RETURNING id`,
		runID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("start sync run: %w", err)
	}
	return id, nil
}

// EndRun stores the outcome of a sync cycle.
func (s *PGStore) EndRun(ctx context.Context, id int64, run Run) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_runs SET status = $2, pulled = $3, changed = $4, pushed = $5, skipped = $6, pruned = $7,
		  failed = $8, error = $9, ended_at = now()
		WHERE id = $1
	`, id, run.Status, run.Pulled, run.Changed, run.Pushed, run.Skipped, run.Pruned, run.Failed, run.Error)
	if err != nil {
		return fmt.Errorf("end sync run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent sync cycles, newest first.
func (s *PGStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, status, pulled, changed, pushed, skipped, pruned, failed, error, started_at, ended_at
		FROM sync_runs ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var endedAt *time.Time
		if err := rows.Scan(&r.ID, &r.RunID, &r.Status, &r.Pulled, &r.Changed, &r.Pushed,
			&r.Skipped, &r.Pruned, &r.Failed, &r.Error, &r.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		if endedAt != nil {
			r.EndedAt = *endedAt
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
