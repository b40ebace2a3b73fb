package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/imkarma/tempo/internal/calendar"
	"github.com/imkarma/tempo/internal/config"
	"github.com/imkarma/tempo/internal/notion"
	"github.com/imkarma/tempo/internal/schedule"
	"github.com/imkarma/tempo/internal/store"
	"github.com/imkarma/tempo/internal/syncer"
	"github.com/imkarma/tempo/internal/task"
)

const tempoDirName = ".tempo"

var timeNow = time.Now

// tempoPath returns the path to a file inside .tempo/.
func tempoPath(parts ...string) string {
	elems := append([]string{tempoDirName}, parts...)
	return filepath.Join(elems...)
}

// workspace is an opened tempo directory.
type workspace struct {
	cfg    *config.Config
	schema *task.Schema
	mirror store.Mirror
}

func (w *workspace) Close() error { return w.mirror.Close() }

// mustWorkspace loads the config and opens the mirror, returning an error
// if tempo is not initialized.
func mustWorkspace(ctx context.Context) (*workspace, error) {
	cfgPath := tempoPath("config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("tempo not initialized. Run: tempo init")
	}
	if err := loadEnv(); err != nil {
		return nil, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	schema, err := task.NewSchema(cfg)
	if err != nil {
		return nil, err
	}
	mirror, err := openMirror(ctx, cfg.Mirror)
	if err != nil {
		return nil, err
	}
	return &workspace{cfg: cfg, schema: schema, mirror: mirror}, nil
}

// loadEnv reads secrets from .tempo/.env and ./.env when present. Variables
// already set in the environment win.
func loadEnv() error {
	for _, path := range []string{tempoPath(".env"), ".env"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// openMirror opens the configured mirror backend.
func openMirror(ctx context.Context, cfg config.Mirror) (store.Mirror, error) {
	switch cfg.Driver {
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("mirror: environment variable %s is not set", cfg.DSNEnv)
		}
		pg, err := store.NewPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		st, err := store.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

func (w *workspace) scheduleOptions() schedule.Options {
	return schedule.Options{
		Threshold:  w.cfg.Schedule.BatchThresholdMin,
		ScoreFloor: w.cfg.Schedule.ScoreFloor,
		Location:   w.schema.Location,
	}
}

// plan runs one planning pass over the mirror.
func (w *workspace) plan(ctx context.Context) (*schedule.Plan, error) {
	engine := schedule.NewEngine(task.NewCache(w.mirror, w.schema), w.scheduleOptions())
	return engine.Plan(ctx, timeNow())
}

// driver wires the remote clients into a sync driver.
func (w *workspace) driver() (*syncer.Driver, error) {
	remote, err := notion.NewFromEnv(w.cfg.Remote)
	if err != nil {
		return nil, err
	}

	var cal syncer.Calendar
	calendarID := ""
	if w.cfg.Calendar.Enabled {
		c, err := calendar.NewFromEnv(w.cfg.Calendar, w.mirror)
		if err != nil {
			return nil, err
		}
		cal = c
		calendarID = w.cfg.Calendar.CalendarID
	}

	return syncer.New(remote, w.mirror, cal, w.schema, syncer.Options{
		PageSize:      w.cfg.Remote.PageSize,
		Interval:      w.cfg.Schedule.Interval(),
		TrackedFields: w.cfg.Remote.TrackedFields,
		CalendarID:    calendarID,
		Threshold:     w.cfg.Schedule.BatchThresholdMin,
		ScoreFloor:    w.cfg.Schedule.ScoreFloor,
		PushWorkers:   w.cfg.Schedule.PushWorkers,
	}), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
