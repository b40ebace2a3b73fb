// Package task is the read-only view over a mirrored task page.
// Accessors never fail: malformed or missing fields read as absent so that
// a broken page makes a task unschedulable instead of failing a sync cycle.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/imkarma/tempo/internal/config"
	"github.com/imkarma/tempo/internal/store"
)

// Status is the canonical lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusDeleted Status = "deleted"
	StatusUnknown Status = "unknown"
)

// Metadata keys kept in the mirror document only.
const (
	MetaDeterminedEnd = "determinedEndDate"
	MetaCompletedTime = "completedTime"
)

// Schema tells the accessors where each canonical field lives in a page
// and which defaults apply.
type Schema struct {
	Properties       config.Properties
	Labels           config.StatusLabels
	DefaultDuration  float64 // minutes
	DefaultInsurance float64
	Location         *time.Location // reference zone for dates without an offset
}

// NewSchema builds a Schema from the workspace config.
func NewSchema(cfg *config.Config) (*Schema, error) {
	loc, err := cfg.Schedule.Location()
	if err != nil {
		return nil, fmt.Errorf("task schema: %w", err)
	}
	return &Schema{
		Properties:       cfg.Remote.Properties,
		Labels:           cfg.Remote.StatusLabels,
		DefaultDuration:  cfg.Schedule.DefaultDurationMin,
		DefaultInsurance: cfg.Schedule.DefaultInsurance,
		Location:         loc,
	}, nil
}

// Window is a resolved date window. End equals Start when the page has no end.
type Window struct {
	Start time.Time
	End   time.Time
}

// Task wraps one mirrored page.
type Task struct {
	doc    store.Document
	schema *Schema
}

// New wraps a document. The task shares the document; callers that keep
// the document elsewhere should pass a clone.
func New(doc store.Document, schema *Schema) *Task {
	return &Task{doc: doc, schema: schema}
}

// Document returns the underlying document, metadata included.
func (t *Task) Document() store.Document { return t.doc }

func (t *Task) ID() string { return t.doc.ID() }

// Archived reports the remote archival flag.
func (t *Task) Archived() bool {
	v, _ := t.doc["archived"].(bool)
	return v
}

// Property returns the raw value of a named page property.
func (t *Task) Property(name string) (any, bool) {
	props, ok := t.doc["properties"].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := props[name]
	return v, ok
}

func (t *Task) property(name string) map[string]any {
	if name == "" {
		return nil
	}
	v, ok := t.Property(name)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// Name returns the page title.
func (t *Task) Name() string {
	return plainText(t.property(t.schema.Properties.Name))
}

// Status maps the remote status label onto the canonical enum.
func (t *Task) Status() Status {
	label := plainText(t.property(t.schema.Properties.Status))
	switch {
	case label == "":
		return StatusUnknown
	case label == t.schema.Labels.Pending:
		return StatusPending
	case label == t.schema.Labels.Done:
		return StatusDone
	case label == t.schema.Labels.Deleted:
		return StatusDeleted
	}
	return StatusUnknown
}

// Window returns the date window, or false when the task is unschedulable.
func (t *Task) Window() (Window, bool) {
	prop := t.property(t.schema.Properties.Date)
	date, ok := prop["date"].(map[string]any)
	if !ok {
		return Window{}, false
	}
	startRaw, _ := date["start"].(string)
	start, ok := ParseDate(startRaw, t.schema.Location)
	if !ok {
		return Window{}, false
	}
	end := start
	if endRaw, _ := date["end"].(string); endRaw != "" {
		e, ok := ParseDate(endRaw, t.schema.Location)
		if !ok || e.Before(start) {
			return Window{}, false
		}
		end = e
	}
	return Window{Start: start, End: end}, true
}

// Schedulable reports whether the task has a usable date window.
func (t *Task) Schedulable() bool {
	_, ok := t.Window()
	return ok
}

// Active reports whether the task takes part in scoring.
func (t *Task) Active() bool {
	return t.Status() == StatusPending && t.Schedulable()
}

// Duration returns the estimated duration in minutes.
func (t *Task) Duration() float64 {
	if n, ok := number(t.property(t.schema.Properties.Duration)); ok && n > 0 {
		return n
	}
	return t.schema.DefaultDuration
}

// Insurance returns the safety margin in (0,1].
func (t *Task) Insurance() float64 {
	if n, ok := number(t.property(t.schema.Properties.Insurance)); ok && n > 0 && n <= 1 {
		return n
	}
	return t.schema.DefaultInsurance
}

// ParentLinks returns the ids of the "sub-step of" relation.
func (t *Task) ParentLinks() []string {
	return relation(t.property(t.schema.Properties.Parent))
}

// RequiredLinks returns the ids of the "preceded by" relation.
func (t *Task) RequiredLinks() []string {
	return relation(t.property(t.schema.Properties.Required))
}

// Project returns the free-text project label, if any.
func (t *Task) Project() string {
	return plainText(t.property(t.schema.Properties.Project))
}

// Metadata returns a side-channel value.
func (t *Task) Metadata(key string) (any, bool) {
	meta, ok := t.doc["metadata"].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := meta[key]
	return v, ok
}

// MetadataTime returns a side-channel timestamp.
func (t *Task) MetadataTime(key string) (time.Time, bool) {
	v, ok := t.Metadata(key)
	if !ok {
		return time.Time{}, false
	}
	s, _ := v.(string)
	return ParseDate(s, t.schema.Location)
}

// SetMetadata stores a side-channel value. Times are stored as RFC 3339.
func (t *Task) SetMetadata(key string, value any) {
	meta, ok := t.doc["metadata"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		t.doc["metadata"] = meta
	}
	if ts, ok := value.(time.Time); ok {
		value = ts.Format(time.RFC3339)
	}
	meta[key] = value
}

// DeleteMetadata removes a side-channel value.
func (t *Task) DeleteMetadata(key string) {
	if meta, ok := t.doc["metadata"].(map[string]any); ok {
		delete(meta, key)
	}
}

// plainText reads the text of title, rich_text, select, status and
// formula properties.
func plainText(prop map[string]any) string {
	if prop == nil {
		return ""
	}
	for _, kind := range []string{"select", "status"} {
		if opt, ok := prop[kind].(map[string]any); ok {
			name, _ := opt["name"].(string)
			return name
		}
	}
	for _, kind := range []string{"title", "rich_text"} {
		if parts, ok := prop[kind].([]any); ok {
			var b strings.Builder
			for _, p := range parts {
				part, _ := p.(map[string]any)
				if s, ok := part["plain_text"].(string); ok {
					b.WriteString(s)
					continue
				}
				if text, ok := part["text"].(map[string]any); ok {
					s, _ := text["content"].(string)
					b.WriteString(s)
				}
			}
			return b.String()
		}
	}
	if f, ok := prop["formula"].(map[string]any); ok {
		s, _ := f["string"].(string)
		return s
	}
	return ""
}

func number(prop map[string]any) (float64, bool) {
	if prop == nil {
		return 0, false
	}
	if n, ok := prop["number"].(float64); ok {
		return n, true
	}
	if f, ok := prop["formula"].(map[string]any); ok {
		n, ok := f["number"].(float64)
		return n, ok
	}
	return 0, false
}

func relation(prop map[string]any) []string {
	items, ok := prop["relation"].([]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		m, _ := it.(map[string]any)
		if id, ok := m["id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDate parses a remote date string. Strings without an offset are
// read in loc. The result is expressed in loc.
func ParseDate(s string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(loc), true
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
