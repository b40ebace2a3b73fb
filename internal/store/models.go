package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a mirrored task does not exist.
var ErrNotFound = errors.New("not found")

// Document is the raw remote page of a task as kept in the mirror.
// It carries "id", "archived", "properties" and the local "metadata"
// side-channel.
type Document map[string]any

// ID returns the remote page id.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// Clone returns a deep copy of the document.
func (d Document) Clone() (Document, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}
	return out, nil
}

// Marker maps a deterministic unique id onto a calendar event id.
type Marker struct {
	UniqueID   string    `json:"unique_id"`
	CalendarID string    `json:"calendar_id"`
	EventID    string    `json:"event_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event represents something that happened to a task during sync.
type Event struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Type      string    `json:"event_type"` // changed, completed, reopened, pushed, pruned
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Run tracks one sync cycle.
type Run struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"` // running, completed, failed
	Pulled    int       `json:"pulled"`
	Changed   int       `json:"changed"`
	Pushed    int       `json:"pushed"`
	Skipped   int       `json:"skipped"`
	Pruned    int       `json:"pruned"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Mirror is the local copy of the remote task database plus the
// bookkeeping the sync driver keeps next to it.
type Mirror interface {
	FindOne(ctx context.Context, id string) (Document, error)
	Upsert(ctx context.Context, id string, doc Document) error
	Delete(ctx context.Context, id string) error
	IDs(ctx context.Context) ([]string, error)
	FindAll(ctx context.Context) ([]Document, error)

	LookupMarker(ctx context.Context, uniqueID string) (*Marker, error)
	SaveMarker(ctx context.Context, m Marker) error
	DeleteMarker(ctx context.Context, uniqueID string) error

	PushKeys(ctx context.Context) (map[string]bool, error)
	ReplacePushKeys(ctx context.Context, keys []string) error

	AddEvent(ctx context.Context, taskID, eventType, content string)
	GetEvents(ctx context.Context, taskID string) ([]Event, error)

	StartRun(ctx context.Context, runID string) (int64, error)
	EndRun(ctx context.Context, id int64, run Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	Close() error
}
