package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a tempo workspace.
type Config struct {
	Version  int      `yaml:"version"`
	Remote   Remote   `yaml:"remote"`
	Calendar Calendar `yaml:"calendar"`
	Mirror   Mirror   `yaml:"mirror"`
	Schedule Schedule `yaml:"schedule"`
	Server   Server   `yaml:"server"`
}

// Remote describes the remote task database and how its pages map onto tasks.
type Remote struct {
	BaseURL       string       `yaml:"base_url,omitempty"`
	APIKeyEnv     string       `yaml:"api_key_env"`           // Env var name containing the integration token
	DatabaseID    string       `yaml:"database_id"`           // Database holding the task pages
	APIVersion    string       `yaml:"api_version,omitempty"` // Notion-Version header
	TimeZone      string       `yaml:"time_zone,omitempty"`   // Zone name attached to pushed dates
	PageSize      int          `yaml:"page_size,omitempty"`   // First page size of a pull
	TrackedFields []string     `yaml:"tracked_fields"`        // Properties compared by the change detector
	Properties    Properties   `yaml:"properties"`
	StatusLabels  StatusLabels `yaml:"status_labels"`
	Retry         Retry        `yaml:"retry,omitempty"`
}

// Properties maps canonical task attributes to remote property names.
type Properties struct {
	Name          string `yaml:"name"`
	Date          string `yaml:"date"`
	Status        string `yaml:"status"`
	Duration      string `yaml:"duration"`
	Insurance     string `yaml:"insurance"`
	Parent        string `yaml:"parent"`
	Required      string `yaml:"required"`
	Project       string `yaml:"project"`
	LastEdited    string `yaml:"last_edited"`
	Score         string `yaml:"score"`
	IdealEnd      string `yaml:"ideal_end"`
	DeterminedEnd string `yaml:"determined_end"`
}

// StatusLabels are the remote labels of the pending/done/deleted statuses.
type StatusLabels struct {
	Pending string `yaml:"pending"`
	Done    string `yaml:"done"`
	Deleted string `yaml:"deleted"`
}

// Retry bounds how often a remote call is attempted.
type Retry struct {
	Attempts int `yaml:"attempts,omitempty"`
	DelaySec int `yaml:"delay_seconds,omitempty"`
}

// Delay returns the fixed wait between attempts.
func (r Retry) Delay() time.Duration {
	return time.Duration(r.DelaySec) * time.Second
}

// Calendar configures the calendar that receives completion markers.
type Calendar struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url,omitempty"`
	TokenEnv   string `yaml:"token_env,omitempty"`   // Env var name containing an OAuth access token
	CalendarID string `yaml:"calendar_id,omitempty"` // Calendar receiving completion markers
	Retry      Retry  `yaml:"retry,omitempty"`
}

// Mirror selects the local mirror backend.
type Mirror struct {
	Driver string `yaml:"driver"`            // "sqlite" or "postgres"
	Path   string `yaml:"path,omitempty"`    // SQLite database file
	DSNEnv string `yaml:"dsn_env,omitempty"` // Env var name containing the PostgreSQL DSN
}

// Schedule holds the constants of the scoring and batching engine.
type Schedule struct {
	Timezone           string  `yaml:"timezone,omitempty"`         // Reference zone; empty means fixed UTC+9
	IntervalSec        int     `yaml:"interval_seconds,omitempty"` // Sleep between sync cycles
	DefaultDurationMin float64 `yaml:"default_duration_minutes,omitempty"`
	DefaultInsurance   float64 `yaml:"default_insurance_rate,omitempty"`
	BatchThresholdMin  float64 `yaml:"batch_threshold_minutes,omitempty"`
	ScoreFloor         float64 `yaml:"score_floor,omitempty"`  // Minimum score for a derived write
	PushWorkers        int     `yaml:"push_workers,omitempty"` // Parallel remote writes (1 = sequential)
}

// Server configures the read-only status API.
type Server struct {
	Addr string `yaml:"addr,omitempty"`
}

// Location returns the reference timezone used for dates without an offset.
func (s Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.FixedZone("UTC+9", 9*60*60), nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// Interval returns the sleep between two sync cycles.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

// Load reads and parses the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a starter config with English property names.
func DefaultConfig() *Config {
	cfg := &Config{
		Version: 1,
		Remote: Remote{
			APIKeyEnv: "NOTION_API_KEY",
			TrackedFields: []string{
				"Name", "Date", "Status", "Duration", "Insurance", "Parent", "Required", "Project",
			},
			Properties: Properties{
				Name:          "Name",
				Date:          "Date",
				Status:        "Status",
				Duration:      "Duration",
				Insurance:     "Insurance",
				Parent:        "Parent",
				Required:      "Required",
				Project:       "Project",
				LastEdited:    "Last edited",
				Score:         "Score",
				IdealEnd:      "Ideal end",
				DeterminedEnd: "Determined end",
			},
			StatusLabels: StatusLabels{
				Pending: "Pending",
				Done:    "Done",
				Deleted: "Deleted",
			},
		},
		Calendar: Calendar{
			TokenEnv: "GOOGLE_CALENDAR_TOKEN",
		},
		Mirror: Mirror{
			Driver: "sqlite",
			Path:   ".tempo/tempo.db",
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Remote.BaseURL == "" {
		c.Remote.BaseURL = "https://api.notion.com"
	}
	if c.Remote.APIVersion == "" {
		c.Remote.APIVersion = "2022-06-28"
	}
	if c.Remote.TimeZone == "" {
		c.Remote.TimeZone = "Asia/Tokyo"
	}
	if c.Remote.PageSize == 0 {
		c.Remote.PageSize = 10
	}
	c.Remote.Retry = c.Remote.Retry.withDefaults()

	if c.Calendar.BaseURL == "" {
		c.Calendar.BaseURL = "https://www.googleapis.com/calendar/v3"
	}
	c.Calendar.Retry = c.Calendar.Retry.withDefaults()

	if c.Mirror.Driver == "" {
		c.Mirror.Driver = "sqlite"
	}
	if c.Mirror.Driver == "sqlite" && c.Mirror.Path == "" {
		c.Mirror.Path = ".tempo/tempo.db"
	}

	if c.Schedule.IntervalSec == 0 {
		c.Schedule.IntervalSec = 60
	}
	if c.Schedule.DefaultDurationMin == 0 {
		c.Schedule.DefaultDurationMin = 30
	}
	if c.Schedule.DefaultInsurance == 0 {
		c.Schedule.DefaultInsurance = 0.7
	}
	if c.Schedule.BatchThresholdMin == 0 {
		c.Schedule.BatchThresholdMin = 90
	}
	if c.Schedule.ScoreFloor == 0 {
		c.Schedule.ScoreFloor = 0.3
	}
	if c.Schedule.PushWorkers == 0 {
		c.Schedule.PushWorkers = 1
	}

	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
}

func (r Retry) withDefaults() Retry {
	if r.Attempts == 0 {
		r.Attempts = 5
	}
	if r.DelaySec == 0 {
		r.DelaySec = 3
	}
	return r
}

func (c *Config) validate() error {
	if len(c.Remote.TrackedFields) == 0 {
		return fmt.Errorf("remote: tracked_fields must list at least one property")
	}
	if c.Remote.PageSize < 1 || c.Remote.PageSize > 100 {
		return fmt.Errorf("remote: page_size must be between 1 and 100, got %d", c.Remote.PageSize)
	}
	if c.Remote.Properties.Date == "" {
		return fmt.Errorf("remote: properties.date is required")
	}
	if c.Remote.Properties.Status == "" {
		return fmt.Errorf("remote: properties.status is required")
	}
	if c.Remote.Retry.Attempts < 1 {
		return fmt.Errorf("remote: retry.attempts must be positive, got %d", c.Remote.Retry.Attempts)
	}

	if c.Calendar.Enabled && c.Calendar.CalendarID == "" {
		return fmt.Errorf("calendar: calendar_id is required when enabled")
	}

	switch c.Mirror.Driver {
	case "sqlite":
		if c.Mirror.Path == "" {
			return fmt.Errorf("mirror: path is required for sqlite")
		}
	case "postgres":
		if c.Mirror.DSNEnv == "" {
			return fmt.Errorf("mirror: dsn_env is required for postgres")
		}
	default:
		return fmt.Errorf("mirror: driver must be 'sqlite' or 'postgres', got %q", c.Mirror.Driver)
	}

	s := c.Schedule
	if s.DefaultInsurance <= 0 || s.DefaultInsurance > 1 {
		return fmt.Errorf("schedule: default_insurance_rate must be in (0,1], got %v", s.DefaultInsurance)
	}
	if s.DefaultDurationMin <= 0 {
		return fmt.Errorf("schedule: default_duration_minutes must be positive, got %v", s.DefaultDurationMin)
	}
	if s.BatchThresholdMin <= 0 {
		return fmt.Errorf("schedule: batch_threshold_minutes must be positive, got %v", s.BatchThresholdMin)
	}
	if s.PushWorkers < 1 {
		return fmt.Errorf("schedule: push_workers must be at least 1, got %d", s.PushWorkers)
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	return nil
}
