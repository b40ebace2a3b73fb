// Package syncer keeps the local mirror and the remote task database in
// step. One cycle pulls changed pages, prunes deleted tasks, plans scores
// and deadlines, and pushes derived fields that changed since the last
// cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/imkarma/tempo/internal/calendar"
	"github.com/imkarma/tempo/internal/notion"
	"github.com/imkarma/tempo/internal/schedule"
	"github.com/imkarma/tempo/internal/store"
	"github.com/imkarma/tempo/internal/task"
	"github.com/imkarma/tempo/internal/worker"
)

// RemoteStore is the remote task database.
type RemoteStore interface {
	Query(ctx context.Context, q notion.Query) (*notion.QueryResult, error)
	UpdateDerived(ctx context.Context, w schedule.DerivedWrite) error
	Archive(ctx context.Context, id string) error
}

// Calendar receives completion markers.
type Calendar interface {
	CreateEvent(ctx context.Context, calendarID string, ev calendar.Event) error
	DeleteEvent(ctx context.Context, calendarID, uniqueID string) error
}

// Options are the driver settings.
type Options struct {
	PageSize      int
	Interval      time.Duration
	TrackedFields []string
	CalendarID    string
	Threshold     float64
	ScoreFloor    float64
	PushWorkers   int
}

// Report summarizes one cycle.
type Report struct {
	RunID     string         `json:"run_id"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Pulled    int            `json:"pulled"`
	Changed   int            `json:"changed"`
	Pruned    int            `json:"pruned"`
	Pushed    int            `json:"pushed"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Plan      *schedule.Plan `json:"-"`
}

// Driver runs sync cycles. It is not safe for concurrent use.
type Driver struct {
	remote   RemoteStore
	mirror   store.Mirror
	cache    *task.Cache
	engine   *schedule.Engine
	upserter *Upserter
	pool     *worker.Pool
	opts     Options
	now      func() time.Time

	// ids upserted by the current cycle's pull
	pulled map[string]bool
}

// New creates a driver. cal may be nil when no calendar is configured.
func New(remote RemoteStore, mirror store.Mirror, cal Calendar, schema *task.Schema, opts Options) *Driver {
	if cal == nil {
		cal = calendar.Nop{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}
	d := &Driver{
		remote: remote,
		mirror: mirror,
		cache:  task.NewCache(mirror, schema),
		pool:   worker.NewPool(opts.PushWorkers),
		opts:   opts,
		now:    time.Now,
		pulled: map[string]bool{},
	}
	d.engine = schedule.NewEngine(d.cache, schedule.Options{
		Threshold:  opts.Threshold,
		ScoreFloor: opts.ScoreFloor,
		Location:   schema.Location,
	})
	d.upserter = &Upserter{
		mirror:     mirror,
		cache:      d.cache,
		calendar:   cal,
		calendarID: opts.CalendarID,
		tracked:    opts.TrackedFields,
		now:        func() time.Time { return d.now() },
	}
	return d
}

// Upsert applies one incoming page, see Upserter.Upsert.
func (d *Driver) Upsert(ctx context.Context, doc store.Document, force bool) (bool, error) {
	return d.upserter.Upsert(ctx, doc, force)
}

// RunOnce runs a full cycle. A failing step is logged and the cycle goes
// on with what it has; the joined step errors are returned.
func (d *Driver) RunOnce(ctx context.Context) (*Report, error) {
	now := d.now()
	rep := &Report{RunID: uuid.NewString(), StartedAt: now}

	runID, err := d.mirror.StartRun(ctx, rep.RunID)
	if err != nil {
		return nil, err
	}
	d.cache.Reset()
	clear(d.pulled)

	var errs []error
	if err := d.Pull(ctx, rep); err != nil {
		slog.Error("pull failed", "run", rep.RunID, "error", err)
		errs = append(errs, fmt.Errorf("pull: %w", err))
	}
	if err := d.Prune(ctx, rep); err != nil {
		slog.Error("prune failed", "run", rep.RunID, "error", err)
		errs = append(errs, fmt.Errorf("prune: %w", err))
	}
	if err := d.Reconcile(ctx); err != nil {
		slog.Error("marker reconcile failed", "run", rep.RunID, "error", err)
		errs = append(errs, fmt.Errorf("reconcile: %w", err))
	}

	plan, err := d.engine.Plan(ctx, now)
	if err != nil {
		slog.Error("plan failed", "run", rep.RunID, "error", err)
		errs = append(errs, err)
	} else {
		rep.Plan = plan
		if err := d.Push(ctx, plan.Writes, rep); err != nil {
			slog.Error("push failed", "run", rep.RunID, "error", err)
			errs = append(errs, fmt.Errorf("push: %w", err))
		}
	}

	rep.EndedAt = d.now()
	cycleErr := errors.Join(errs...)
	run := store.Run{
		Status:  "completed",
		Pulled:  rep.Pulled,
		Changed: rep.Changed,
		Pushed:  rep.Pushed,
		Skipped: rep.Skipped,
		Pruned:  rep.Pruned,
		Failed:  rep.Failed,
	}
	if cycleErr != nil {
		run.Status = "failed"
		run.Error = cycleErr.Error()
	}
	if err := d.mirror.EndRun(ctx, runID, run); err != nil {
		slog.Warn("record sync run failed", "run", rep.RunID, "error", err)
	}
	slog.Debug("sync cycle cache", "run", rep.RunID, "cached", d.cache.Len())
	return rep, cycleErr
}

// Pull walks the remote database newest edit first. Paging stops at a
// short page, at the end of the database, or when the last row of a page
// was already mirrored unchanged. Each further page is twice as large.
func (d *Driver) Pull(ctx context.Context, rep *Report) error {
	size := d.opts.PageSize
	cursor := ""
	for {
		page, err := d.remote.Query(ctx, notion.Query{StartCursor: cursor, PageSize: size})
		if err != nil {
			return err
		}

		lastChanged := false
		for _, doc := range page.Results {
			changed, err := d.upserter.Upsert(ctx, doc, false)
			if err != nil {
				return err
			}
			d.pulled[doc.ID()] = true
			rep.Pulled++
			if changed {
				rep.Changed++
			}
			lastChanged = changed
		}

		if len(page.Results) < size || !lastChanged || !page.HasMore || page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
		size = min(size*2, notion.MaxPageSize)
	}
}

// Prune archives deleted tasks remotely and drops them from the mirror.
// Pages already archived remotely are dropped without a remote call.
func (d *Driver) Prune(ctx context.Context, rep *Report) error {
	tasks, err := d.cache.All(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range tasks {
		switch {
		case t.Status() == task.StatusDeleted:
			if err := d.remote.Archive(ctx, t.ID()); err != nil {
				errs = append(errs, fmt.Errorf("archive %s: %w", t.ID(), err))
				continue
			}
		case t.Archived():
		default:
			continue
		}

		if err := d.mirror.Delete(ctx, t.ID()); err != nil {
			errs = append(errs, err)
			continue
		}
		d.cache.Invalidate(t.ID())
		d.mirror.AddEvent(ctx, t.ID(), "pruned", t.Name())
		rep.Pruned++
	}
	return errors.Join(errs...)
}

// Reconcile retries completion markers of mirrored tasks whose marker
// lags their status and that this cycle's pull did not upsert, e.g. after
// a calendar failure on a page the pull no longer reaches.
func (d *Driver) Reconcile(ctx context.Context) error {
	tasks, err := d.cache.All(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range tasks {
		if d.pulled[t.ID()] || !markerPending(t) {
			continue
		}
		doc, err := t.Document().Clone()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := d.upserter.Upsert(ctx, doc, false); err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", t.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// PushKey identifies a derived write for idempotency. Scores are compared
// at six decimals and dates at minute precision.
func PushKey(w schedule.DerivedWrite) string {
	return w.TaskID + "|" +
		strconv.FormatFloat(w.Score, 'f', 6, 64) + "|" +
		w.IdealEnd.UTC().Format("2006-01-02T15:04") + "|" +
		w.DeterminedEnd.UTC().Format("2006-01-02T15:04")
}

// Push sends derived writes whose key was not pushed by the previous
// cycle or earlier in this one. The stored key set is replaced by the
// keys of this cycle that are known to be on the remote side.
func (d *Driver) Push(ctx context.Context, writes []schedule.DerivedWrite, rep *Report) error {
	prev, err := d.mirror.PushKeys(ctx)
	if err != nil {
		return err
	}

	var keep []string
	var jobs []worker.Job
	pending := map[string]schedule.DerivedWrite{}
	seen := map[string]bool{}
	for _, w := range writes {
		key := PushKey(w)
		if seen[key] {
			continue
		}
		seen[key] = true
		if prev[key] {
			rep.Skipped++
			keep = append(keep, key)
			continue
		}
		pending[key] = w
		jobs = append(jobs, worker.Job{
			TaskID: w.TaskID,
			Key:    key,
			Push:   func(ctx context.Context) error { return d.remote.UpdateDerived(ctx, w) },
		})
	}

	var errs []error
	for _, r := range d.pool.Run(ctx, jobs) {
		if r.Error != nil {
			rep.Failed++
			errs = append(errs, fmt.Errorf("push %s: %w", r.TaskID, r.Error))
			continue
		}
		rep.Pushed++
		keep = append(keep, r.Key)
		d.recordPush(ctx, pending[r.Key])
	}

	if err := d.mirror.ReplacePushKeys(ctx, keep); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// recordPush keeps the pushed determined end in the task's metadata.
func (d *Driver) recordPush(ctx context.Context, w schedule.DerivedWrite) {
	t, err := d.cache.Get(ctx, w.TaskID)
	if err != nil || t == nil {
		return
	}
	t.SetMetadata(task.MetaDeterminedEnd, w.DeterminedEnd)
	if err := d.mirror.Upsert(ctx, w.TaskID, t.Document()); err != nil {
		slog.Warn("record pushed deadline failed", "task", w.TaskID, "error", err)
	}
	d.cache.Invalidate(w.TaskID)
	d.mirror.AddEvent(ctx, w.TaskID, "pushed",
		fmt.Sprintf("score %.3f due %s", w.Score, w.DeterminedEnd.Format("2006-01-02 15:04")))
}

// Run repeats cycles until ctx is cancelled, sleeping the configured
// interval between them in one-second ticks.
func (d *Driver) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		rep, err := d.safeRunOnce(ctx)
		switch {
		case err != nil:
			slog.Error("sync cycle failed", "error", err)
		case rep != nil:
			slog.Info("sync cycle done",
				"run", rep.RunID, "pulled", rep.Pulled, "changed", rep.Changed,
				"pruned", rep.Pruned, "pushed", rep.Pushed, "skipped", rep.Skipped,
				"took", rep.EndedAt.Sub(rep.StartedAt))
		}
		if !sleepTicks(ctx, d.opts.Interval) {
			break
		}
	}
	return nil
}

func (d *Driver) safeRunOnce(ctx context.Context) (rep *Report, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("sync cycle panicked: %v", v)
		}
	}()
	return d.RunOnce(ctx)
}

// sleepTicks waits for d in one-second steps and reports false when ctx
// was cancelled first.
func sleepTicks(ctx context.Context, d time.Duration) bool {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for waited := time.Duration(0); waited < d; waited += time.Second {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return ctx.Err() == nil
}
