package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imkarma/tempo/internal/config"
	"github.com/imkarma/tempo/internal/store"
)

// fakeCalendar is an in-memory events endpoint.
type fakeCalendar struct {
	mu      sync.Mutex
	next    int
	events  map[string]map[string]any
	deletes []string
	fail    int // status returned for every request when non-zero
}

func (f *fakeCalendar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail != 0 {
		w.WriteHeader(f.fail)
		return
	}
	if r.Header.Get("Authorization") != "Bearer tok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodPost && len(parts) == 3:
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.next++
		id := fmt.Sprintf("ev%d", f.next)
		f.events[id] = body
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	case r.Method == http.MethodDelete && len(parts) == 4:
		id := parts[3]
		f.deletes = append(f.deletes, id)
		if _, ok := f.events[id]; !ok {
			w.WriteHeader(http.StatusGone)
			return
		}
		delete(f.events, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testClient(t *testing.T) (*Client, *fakeCalendar, *store.Store) {
	t.Helper()
	fake := &fakeCalendar{events: map[string]map[string]any{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Calendar{BaseURL: srv.URL, Retry: config.Retry{Attempts: 2}}
	return New(cfg, "tok", st), fake, st
}

func TestCreateEvent(t *testing.T) {
	c, fake, st := testClient(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	err := c.CreateEvent(ctx, "primary", Event{Title: "Write report", Start: start, Duration: 30 * time.Minute, UniqueID: "u1"})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	if len(fake.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(fake.events))
	}
	ev := fake.events["ev1"]
	if ev["summary"] != "Write report" {
		t.Errorf("unexpected summary %v", ev["summary"])
	}
	end := ev["end"].(map[string]any)["dateTime"]
	if end != "2024-01-01T12:30:00Z" {
		t.Errorf("expected end 12:30, got %v", end)
	}

	m, _ := st.LookupMarker(ctx, "u1")
	if m == nil || m.EventID != "ev1" || m.CalendarID != "primary" {
		t.Fatalf("expected marker u1 -> ev1, got %+v", m)
	}
}

func TestCreateEvent_ReplacesPrevious(t *testing.T) {
	c, fake, st := testClient(t)
	ctx := context.Background()
	ev := Event{Title: "t", Start: time.Now(), Duration: time.Minute, UniqueID: "u1"}

	c.CreateEvent(ctx, "primary", ev)
	if err := c.CreateEvent(ctx, "primary", ev); err != nil {
		t.Fatalf("second CreateEvent: %v", err)
	}

	if len(fake.events) != 1 {
		t.Fatalf("expected exactly 1 event after re-create, got %d", len(fake.events))
	}
	if _, ok := fake.events["ev2"]; !ok {
		t.Error("expected the new event to survive")
	}
	m, _ := st.LookupMarker(ctx, "u1")
	if m == nil || m.EventID != "ev2" {
		t.Errorf("expected marker to point at ev2, got %+v", m)
	}
}

func TestDeleteEvent(t *testing.T) {
	c, fake, st := testClient(t)
	ctx := context.Background()

	c.CreateEvent(ctx, "primary", Event{Title: "t", Start: time.Now(), Duration: time.Minute, UniqueID: "u1"})
	if err := c.DeleteEvent(ctx, "primary", "u1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if len(fake.events) != 0 {
		t.Errorf("expected no events, got %d", len(fake.events))
	}
	if m, _ := st.LookupMarker(ctx, "u1"); m != nil {
		t.Errorf("expected marker removed, got %+v", m)
	}

	if err := c.DeleteEvent(ctx, "primary", "unknown"); err != nil {
		t.Errorf("expected unknown id to be a no-op, got %v", err)
	}
}

func TestDeleteEvent_AlreadyGone(t *testing.T) {
	c, _, st := testClient(t)
	ctx := context.Background()
	st.SaveMarker(ctx, store.Marker{UniqueID: "u1", CalendarID: "primary", EventID: "vanished"})

	if err := c.DeleteEvent(ctx, "primary", "u1"); err != nil {
		t.Fatalf("expected 410 to count as deleted, got %v", err)
	}
	if m, _ := st.LookupMarker(ctx, "u1"); m != nil {
		t.Error("expected marker removed")
	}
}

func TestCreateEvent_Unavailable(t *testing.T) {
	c, fake, st := testClient(t)
	fake.fail = http.StatusInternalServerError

	err := c.CreateEvent(context.Background(), "primary", Event{UniqueID: "u1", Start: time.Now()})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if m, _ := st.LookupMarker(context.Background(), "u1"); m != nil {
		t.Error("no marker may be recorded for a failed create")
	}
}

func TestNop(t *testing.T) {
	var n Nop
	if err := n.CreateEvent(context.Background(), "c", Event{}); err != nil {
		t.Fatal(err)
	}
	if err := n.DeleteEvent(context.Background(), "c", "u"); err != nil {
		t.Fatal(err)
	}
}
