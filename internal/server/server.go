// Package server exposes a read-only HTTP view of the mirror: ranked
// tasks, the batch plan, per-task detail and the sync run history.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/imkarma/tempo/internal/schedule"
	"github.com/imkarma/tempo/internal/store"
	"github.com/imkarma/tempo/internal/task"
)

// Server serves the status API.
type Server struct {
	mirror store.Mirror
	schema *task.Schema
	opts   schedule.Options
	now    func() time.Time
	router chi.Router
}

// New creates a server over a mirror.
func New(mirror store.Mirror, schema *task.Schema, opts schedule.Options) *Server {
	s := &Server{mirror: mirror, schema: schema, opts: opts, now: time.Now}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", healthHandler)
	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.listTasksHandler)
		r.Get("/tasks/{task_id}", s.getTaskHandler)
		r.Get("/batches", s.listBatchesHandler)
		r.Get("/runs", s.listRunsHandler)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("status API listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// plan runs a fresh planning pass on a request-scoped cache.
func (s *Server) plan(ctx context.Context) (*schedule.Engine, *schedule.Plan, error) {
	engine := schedule.NewEngine(task.NewCache(s.mirror, s.schema), s.opts)
	plan, err := engine.Plan(ctx, s.now())
	return engine, plan, err
}

func (s *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	_, plan, err := s.plan(r.Context())
	if err != nil {
		slog.Error("plan failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to plan tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": plan.Rankings(), "now": plan.Now})
}

func (s *Server) listBatchesHandler(w http.ResponseWriter, r *http.Request) {
	_, plan, err := s.plan(r.Context())
	if err != nil {
		slog.Error("plan failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to plan batches")
		return
	}
	batches := plan.Batches
	if batches == nil {
		batches = []schedule.Batch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": batches})
}

// taskDetail is the per-task view.
type taskDetail struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    task.Status    `json:"status"`
	Project   string         `json:"project,omitempty"`
	Duration  float64        `json:"duration_minutes"`
	Insurance float64        `json:"insurance_rate"`
	Start     *time.Time     `json:"start,omitempty"`
	End       *time.Time     `json:"end,omitempty"`
	Score     *float64       `json:"score,omitempty"`
	Chain     schedule.Chain `json:"chain"`
	Metadata  any            `json:"metadata,omitempty"`
	Events    []store.Event  `json:"events"`
}

func (s *Server) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "task_id")

	cache := task.NewCache(s.mirror, s.schema)
	t, err := cache.Get(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	chain := schedule.ResolveChain(t, schedule.Lookup(cache.Lookup(ctx)))
	d := taskDetail{
		ID:        t.ID(),
		Name:      t.Name(),
		Status:    t.Status(),
		Project:   t.Project(),
		Duration:  t.Duration(),
		Insurance: t.Insurance(),
		Chain:     chain,
		Metadata:  t.Document()["metadata"],
	}
	if win, ok := t.Window(); ok {
		d.Start, d.End = &win.Start, &win.End
	}
	if t.Active() {
		if res, ok := schedule.Score(t, chain, s.now(), s.schema.Location); ok {
			d.Score = &res.Score
		}
	}

	d.Events, err = s.mirror.GetEvents(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	if d.Events == nil {
		d.Events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := s.mirror.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load runs")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}
