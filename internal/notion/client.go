// Package notion is a small client for the Notion database API covering
// what the sync driver needs: querying task pages, writing derived
// properties and archiving pages.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/imkarma/tempo/internal/config"
	"github.com/imkarma/tempo/internal/retry"
	"github.com/imkarma/tempo/internal/schedule"
	"github.com/imkarma/tempo/internal/store"
)

// ErrUnavailable is returned when the remote store keeps failing.
var ErrUnavailable = errors.New("remote task store unavailable")

// MaxPageSize is the largest page the API returns.
const MaxPageSize = 100

// Query selects a page of database rows, most recently edited first.
type Query struct {
	StartCursor string
	PageSize    int
	Filter      map[string]any
}

// QueryResult is one page of rows.
type QueryResult struct {
	Results    []store.Document `json:"results"`
	NextCursor string           `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
}

// PageUpdate is the body of a page update.
type PageUpdate struct {
	Properties map[string]any `json:"properties,omitempty"`
	Archived   *bool          `json:"archived,omitempty"`
}

// APIError is a non-success response.
type APIError struct {
	Status int
	Code   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion returned status %d (%s): %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("notion returned status %d: %s", e.Status, e.Body)
}

// Client talks to one task database.
type Client struct {
	cfg    config.Remote
	apiKey string
	zone   *time.Location // nil when cfg.TimeZone is not a known zone
	client *http.Client
}

// NewFromEnv creates a client reading the integration token from the
// environment variable named in cfg.
func NewFromEnv(cfg config.Remote) (*Client, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("notion: environment variable %s is not set", cfg.APIKeyEnv)
	}
	return New(cfg, apiKey), nil
}

// New creates a client with an explicit token.
func New(cfg config.Remote, apiKey string) *Client {
	c := &Client{
		cfg:    cfg,
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	if cfg.TimeZone != "" {
		if loc, err := time.LoadLocation(cfg.TimeZone); err == nil {
			c.zone = loc
		}
	}
	return c
}

// Query fetches one page of the database sorted by last edit, newest first.
func (c *Client) Query(ctx context.Context, q Query) (*QueryResult, error) {
	size := q.PageSize
	if size <= 0 || size > MaxPageSize {
		size = MaxPageSize
	}
	body := map[string]any{
		"page_size": size,
		"sorts":     []map[string]string{c.sort()},
	}
	if q.StartCursor != "" {
		body["start_cursor"] = q.StartCursor
	}
	if q.Filter != nil {
		body["filter"] = q.Filter
	}

	var out QueryResult
	path := "/v1/databases/" + url.PathEscape(c.cfg.DatabaseID) + "/query"
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) sort() map[string]string {
	if c.cfg.Properties.LastEdited != "" {
		return map[string]string{"property": c.cfg.Properties.LastEdited, "direction": "descending"}
	}
	return map[string]string{"timestamp": "last_edited_time", "direction": "descending"}
}

// UpdatePage patches properties or the archival flag of a page.
func (c *Client) UpdatePage(ctx context.Context, id string, upd PageUpdate) error {
	return c.do(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(id), upd, nil)
}

// UpdateDerived writes score and end dates to a task page.
func (c *Client) UpdateDerived(ctx context.Context, w schedule.DerivedWrite) error {
	return c.UpdatePage(ctx, w.TaskID, PageUpdate{Properties: c.DerivedProperties(w)})
}

// Archive moves a task page to the trash.
func (c *Client) Archive(ctx context.Context, id string) error {
	archived := true
	return c.UpdatePage(ctx, id, PageUpdate{Archived: &archived})
}

// DerivedProperties encodes a derived write as page properties. Properties
// without a configured name are left out.
func (c *Client) DerivedProperties(w schedule.DerivedWrite) map[string]any {
	names := c.cfg.Properties
	props := map[string]any{}
	if names.Score != "" {
		props[names.Score] = map[string]any{"number": w.Score}
	}
	if names.IdealEnd != "" {
		props[names.IdealEnd] = map[string]any{"date": c.date(w.IdealEnd)}
	}
	if names.DeterminedEnd != "" {
		props[names.DeterminedEnd] = map[string]any{"date": c.date(w.DeterminedEnd)}
	}
	return props
}

// date encodes an instant as a date value. With a known zone the value
// is sent as wall time plus the zone name, the form the API expects when
// time_zone is set.
func (c *Client) date(t time.Time) map[string]any {
	if c.zone == nil {
		return map[string]any{"start": t.Format(time.RFC3339)}
	}
	return map[string]any{
		"start":     t.In(c.zone).Format("2006-01-02T15:04:05"),
		"time_zone": c.cfg.TimeZone,
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	op := method + " " + path
	err = retry.Do(ctx, c.cfg.Retry, op, func(ctx context.Context) error {
		return c.once(ctx, method, path, payload, out)
	})
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Notion-Version", c.cfg.APIVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code string `json:"code"`
		}
		json.Unmarshal(body, &apiErr)
		e := &APIError{Status: resp.StatusCode, Code: apiErr.Code, Body: string(body)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return e
		}
		return retry.Permanent(e)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return retry.Permanent(fmt.Errorf("parse response: %w", err))
	}
	return nil
}
