package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imkarma/tempo/internal/store"
)

// Cache memoizes task lookups from the mirror within one sync cycle.
// It is not safe for concurrent use; the driver owns it.
type Cache struct {
	mirror  store.Mirror
	schema  *Schema
	entries map[string]*Task
}

// NewCache creates an empty cache over a mirror.
func NewCache(mirror store.Mirror, schema *Schema) *Cache {
	return &Cache{mirror: mirror, schema: schema, entries: map[string]*Task{}}
}

// Schema returns the schema tasks are built with.
func (c *Cache) Schema() *Schema { return c.schema }

// Get returns the task with the given id, or nil when the mirror has none.
func (c *Cache) Get(ctx context.Context, id string) (*Task, error) {
	if t, ok := c.entries[id]; ok {
		return t, nil
	}
	doc, err := c.mirror.FindOne(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	t := New(doc, c.schema)
	c.entries[id] = t
	return t, nil
}

// Lookup returns a lookup function for chain resolution. Store errors
// are logged and read as a missing task.
func (c *Cache) Lookup(ctx context.Context) func(id string) (*Task, bool) {
	return func(id string) (*Task, bool) {
		t, err := c.Get(ctx, id)
		if err != nil {
			slog.Warn("task lookup failed", "id", id, "error", err)
			return nil, false
		}
		return t, t != nil
	}
}

// Invalidate evicts one entry.
func (c *Cache) Invalidate(id string) {
	delete(c.entries, id)
}

// Refresh evicts an entry and re-reads it from the mirror.
func (c *Cache) Refresh(ctx context.Context, id string) (*Task, error) {
	c.Invalidate(id)
	return c.Get(ctx, id)
}

// Reset drops every entry. Called at the start of each cycle.
func (c *Cache) Reset() {
	c.entries = map[string]*Task{}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int { return len(c.entries) }

// All returns every mirrored task, populating the cache.
func (c *Cache) All(ctx context.Context) ([]*Task, error) {
	ids, err := c.mirror.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}
