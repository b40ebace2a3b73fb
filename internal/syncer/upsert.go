package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/imkarma/tempo/internal/calendar"
	"github.com/imkarma/tempo/internal/store"
	"github.com/imkarma/tempo/internal/task"
)

// markerNamespace seeds the deterministic ids of completion markers.
var markerNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/imkarma/tempo/completion"))

// MarkerID returns the calendar unique id of a task's completion marker.
func MarkerID(taskID string) string {
	return uuid.NewSHA1(markerNamespace, []byte("completion:"+taskID)).String()
}

// Upserter writes incoming pages into the mirror when their tracked
// fields or archival flag changed.
type Upserter struct {
	mirror     store.Mirror
	cache      *task.Cache
	calendar   Calendar
	calendarID string
	tracked    []string
	now        func() time.Time
}

// Upsert stores doc if it differs from the mirrored copy and reports
// whether it did. force skips the comparison.
func (u *Upserter) Upsert(ctx context.Context, doc store.Document, force bool) (bool, error) {
	id := doc.ID()
	if id == "" {
		return false, fmt.Errorf("upsert: document has no id")
	}

	old, err := u.cache.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if old != nil {
		if meta, ok := old.Document()["metadata"].(map[string]any); ok {
			doc["metadata"] = maps.Clone(meta)
		}
	}
	incoming := task.New(doc, u.cache.Schema())

	if !force && old != nil && !u.differs(old, incoming) && !markerPending(incoming) {
		return false, nil
	}

	u.completion(ctx, incoming)

	if err := u.mirror.Upsert(ctx, id, doc); err != nil {
		u.cache.Invalidate(id)
		return false, err
	}
	u.cache.Invalidate(id)
	u.mirror.AddEvent(ctx, id, "changed", fmt.Sprintf("status %s", incoming.Status()))
	return true, nil
}

// differs compares the tracked fields and the archival flag. A tracked
// field missing on either side counts as a difference.
func (u *Upserter) differs(old, incoming *task.Task) bool {
	if old.Archived() != incoming.Archived() {
		return true
	}
	for _, field := range u.tracked {
		ov, ok := old.Property(field)
		if !ok {
			return true
		}
		nv, ok := incoming.Property(field)
		if !ok {
			return true
		}
		if !sameJSON(ov, nv) {
			return true
		}
	}
	return false
}

// sameJSON compares two decoded values by their canonical encoding.
// encoding/json sorts map keys, so equal documents encode identically.
func sameJSON(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// markerPending reports whether the completion marker lags the status:
// done without a recorded completion, or recorded but no longer done.
func markerPending(t *task.Task) bool {
	_, completed := t.Metadata(task.MetaCompletedTime)
	return (t.Status() == task.StatusDone) != completed
}

// completion places a calendar marker when a task first turns done and
// retracts it when the task leaves done. The completedTime metadata
// records which side of the transition the task is on.
func (u *Upserter) completion(ctx context.Context, t *task.Task) {
	_, completed := t.Metadata(task.MetaCompletedTime)
	done := t.Status() == task.StatusDone

	switch {
	case done && !completed:
		at := u.now()
		err := u.calendar.CreateEvent(ctx, u.calendarID, calendar.Event{
			Title:    t.Name(),
			Start:    at,
			Duration: time.Duration(t.Duration() * float64(time.Minute)),
			UniqueID: MarkerID(t.ID()),
		})
		if err != nil {
			slog.Warn("create completion marker failed", "task", t.ID(), "error", err)
			return
		}
		t.SetMetadata(task.MetaCompletedTime, at)
		u.mirror.AddEvent(ctx, t.ID(), "completed", "marker created")

	case !done && completed:
		if err := u.calendar.DeleteEvent(ctx, u.calendarID, MarkerID(t.ID())); err != nil {
			slog.Warn("delete completion marker failed", "task", t.ID(), "error", err)
			return
		}
		t.DeleteMetadata(task.MetaCompletedTime)
		u.mirror.AddEvent(ctx, t.ID(), "reopened", "marker retracted")
	}
}
