// Package calendar creates and retracts completion markers on a Google
// Calendar compatible REST API. Markers are addressed by a caller-chosen
// unique id; the mapping to remote event ids lives in the mirror.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/imkarma/tempo/internal/config"
	"github.com/imkarma/tempo/internal/retry"
	"github.com/imkarma/tempo/internal/store"
)

// ErrUnavailable is returned when the calendar service keeps failing.
var ErrUnavailable = errors.New("calendar service unavailable")

// Event is a marker to place on a calendar.
type Event struct {
	Title    string
	Start    time.Time
	Duration time.Duration
	UniqueID string
}

// Markers is the unique id index kept by the mirror.
type Markers interface {
	LookupMarker(ctx context.Context, uniqueID string) (*store.Marker, error)
	SaveMarker(ctx context.Context, m store.Marker) error
	DeleteMarker(ctx context.Context, uniqueID string) error
}

// Client is a calendar API client.
type Client struct {
	baseURL string
	token   string
	retry   config.Retry
	markers Markers
	client  *http.Client
}

// NewFromEnv creates a client reading the access token from the
// environment variable named in cfg.
func NewFromEnv(cfg config.Calendar, markers Markers) (*Client, error) {
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("calendar: environment variable %s is not set", cfg.TokenEnv)
	}
	return New(cfg, token, markers), nil
}

// New creates a client with an explicit token.
func New(cfg config.Calendar, token string, markers Markers) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   token,
		retry:   cfg.Retry,
		markers: markers,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateEvent inserts ev on calendarID. An event previously created under
// the same unique id is deleted first, so repeated calls leave one event.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, ev Event) error {
	old, err := c.markers.LookupMarker(ctx, ev.UniqueID)
	if err != nil {
		return err
	}
	if old != nil {
		if err := c.deleteRemote(ctx, old.CalendarID, old.EventID); err != nil {
			return err
		}
		if err := c.markers.DeleteMarker(ctx, ev.UniqueID); err != nil {
			return err
		}
	}

	body := map[string]any{
		"summary": ev.Title,
		"start":   map[string]string{"dateTime": ev.Start.Format(time.RFC3339)},
		"end":     map[string]string{"dateTime": ev.Start.Add(ev.Duration).Format(time.RFC3339)},
		"extendedProperties": map[string]any{
			"private": map[string]string{"uniqueId": ev.UniqueID},
		},
	}
	var created struct {
		ID string `json:"id"`
	}
	path := "/calendars/" + url.PathEscape(calendarID) + "/events"
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return err
	}
	if created.ID == "" {
		return fmt.Errorf("calendar: create event returned no id")
	}

	slog.Debug("calendar event created", "unique_id", ev.UniqueID, "event_id", created.ID)
	return c.markers.SaveMarker(ctx, store.Marker{
		UniqueID:   ev.UniqueID,
		CalendarID: calendarID,
		EventID:    created.ID,
	})
}

// DeleteEvent removes the event created under uniqueID. Unknown ids are a
// no-op. calendarID is used when the index has no calendar recorded.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, uniqueID string) error {
	m, err := c.markers.LookupMarker(ctx, uniqueID)
	if err != nil || m == nil {
		return err
	}
	if m.CalendarID != "" {
		calendarID = m.CalendarID
	}
	if err := c.deleteRemote(ctx, calendarID, m.EventID); err != nil {
		return err
	}
	return c.markers.DeleteMarker(ctx, uniqueID)
}

func (c *Client) deleteRemote(ctx context.Context, calendarID, eventID string) error {
	path := "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(eventID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusGone) {
		return nil
	}
	return err
}

// APIError is a non-success response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("calendar returned status %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	err := retry.Do(ctx, c.retry, method+" "+path, func(ctx context.Context) error {
		return c.once(ctx, method, path, payload, out)
	})
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		e := &APIError{Status: resp.StatusCode, Body: string(respBody)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return e
		}
		return retry.Permanent(e)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return retry.Permanent(fmt.Errorf("parse response: %w", err))
	}
	return nil
}

// Nop is the marker sink used when no calendar is configured.
type Nop struct{}

func (Nop) CreateEvent(context.Context, string, Event) error  { return nil }
func (Nop) DeleteEvent(context.Context, string, string) error { return nil }
