package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed mirror.
type Store struct {
	db *sql.DB
}

var _ Mirror = (*Store)(nil)

// New opens (or creates) the SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		document    TEXT NOT NULL,
		updated_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS calendar_markers (
		unique_id    TEXT PRIMARY KEY,
		calendar_id  TEXT NOT NULL,
		event_id     TEXT NOT NULL,
		created_at   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS push_keys (
		key        TEXT PRIMARY KEY,
		pushed_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		content     TEXT DEFAULT '',
		timestamp   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'running',
		pulled      INTEGER NOT NULL DEFAULT 0,
		changed     INTEGER NOT NULL DEFAULT 0,
		pushed      INTEGER NOT NULL DEFAULT 0,
		skipped     INTEGER NOT NULL DEFAULT 0,
		pruned      INTEGER NOT NULL DEFAULT 0,
		error       TEXT DEFAULT '',
		started_at  DATETIME NOT NULL,
		ended_at    DATETIME
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release.
	s.addColumnIfMissing("sync_runs", "failed", "INTEGER NOT NULL DEFAULT 0")

	return nil
}

// addColumnIfMissing adds a column to a table if it doesn't exist yet.
// Used for schema migrations on existing databases.
func (s *Store) addColumnIfMissing(table, column, colDef string) {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return
	}
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return
		}
		if name == column {
			rows.Close()
			return
		}
	}
	rows.Close()

	s.db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + colDef)
}

// FindOne returns the mirrored document of a task, or ErrNotFound.
func (s *Store) FindOne(ctx context.Context, id string) (Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM tasks WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find task %s: %w", id, err)
	}
	return decodeDocument(raw)
}

// Upsert inserts or replaces the document of a task.
func (s *Store) Upsert(ctx context.Context, id string, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", id, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, document, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		id, string(data), now,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", id, err)
	}
	return nil
}

// Delete removes a task from the mirror.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// IDs returns the ids of all mirrored tasks.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindAll returns every mirrored document.
func (s *Store) FindAll(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// --- Calendar markers ---

// LookupMarker returns the marker for a unique id, or nil if none exists.
func (s *Store) LookupMarker(ctx context.Context, uniqueID string) (*Marker, error) {
	var m Marker
	err := s.db.QueryRowContext(ctx,
		`SELECT unique_id, calendar_id, event_id, created_at FROM calendar_markers WHERE unique_id = ?`,
		uniqueID,
	).Scan(&m.UniqueID, &m.CalendarID, &m.EventID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup marker: %w", err)
	}
	return &m, nil
}

// SaveMarker records (or replaces) the event behind a unique id.
func (s *Store) SaveMarker(ctx context.Context, m Marker) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_markers (unique_id, calendar_id, event_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(unique_id) DO UPDATE SET calendar_id = excluded.calendar_id,
		   event_id = excluded.event_id, created_at = excluded.created_at`,
		m.UniqueID, m.CalendarID, m.EventID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save marker: %w", err)
	}
	return nil
}

// DeleteMarker forgets a unique id.
func (s *Store) DeleteMarker(ctx context.Context, uniqueID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM calendar_markers WHERE unique_id = ?`, uniqueID); err != nil {
		return fmt.Errorf("delete marker: %w", err)
	}
	return nil
}

// --- Push idempotency keys ---

// PushKeys returns the key set stored by the last push step.
func (s *Store) PushKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM push_keys`)
	if err != nil {
		return nil, fmt.Errorf("load push keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan push key: %w", err)
		}
		keys[k] = true
	}
	return keys, rows.Err()
}

// ReplacePushKeys swaps the stored key set for the given keys.
func (s *Store) ReplacePushKeys(ctx context.Context, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin push keys: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM push_keys`); err != nil {
		return fmt.Errorf("clear push keys: %w", err)
	}
	now := time.Now().UTC()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO push_keys (key, pushed_at) VALUES (?, ?)`, k, now,
		); err != nil {
			return fmt.Errorf("insert push key: %w", err)
		}
	}
	return tx.Commit()
}

// --- Events ---

// AddEvent records an event for a task. Write failures are ignored.
func (s *Store) AddEvent(ctx context.Context, taskID, eventType, content string) {
	now := time.Now().UTC()
	s.db.ExecContext(ctx,
		`INSERT INTO events (task_id, event_type, content, timestamp) VALUES (?, ?, ?, ?)`,
		taskID, eventType, content, now,
	)
}

// GetEvents returns all events for a task.
func (s *Store) GetEvents(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, event_type, content, timestamp FROM events WHERE task_id = ? ORDER BY timestamp, id`,
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

// --- Sync run tracking ---

// StartRun records a new sync cycle.
func (s *Store) StartRun(ctx context.Context, runID string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (run_id, status, started_at) VALUES (?, 'running', ?)`,
		runID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("start sync run: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// EndRun stores the outcome of a sync cycle.
func (s *Store) EndRun(ctx context.Context, id int64, run Run) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, pulled = ?, changed = ?, pushed = ?, skipped = ?, pruned = ?,
		   failed = ?, error = ?, ended_at = ? WHERE id = ?`,
		run.Status, run.Pulled, run.Changed, run.Pushed, run.Skipped, run.Pruned, run.Failed, run.Error, now, id,
	)
	if err != nil {
		return fmt.Errorf("end sync run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent sync cycles, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, status, pulled, changed, pushed, skipped, pruned, failed, error, started_at, ended_at
		 FROM sync_runs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var errText sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.RunID, &r.Status, &r.Pulled, &r.Changed, &r.Pushed,
			&r.Skipped, &r.Pruned, &r.Failed, &errText, &r.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		r.Error = errText.String
		if endedAt.Valid {
			r.EndedAt = endedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func decodeDocument(raw string) (Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}
