package schedule

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/imkarma/tempo/internal/task"
)

// DerivedWrite is a derived-field update for one task, consumed by the
// sync driver's push step.
type DerivedWrite struct {
	TaskID        string    `json:"task_id"`
	Score         float64   `json:"score"`
	IdealEnd      time.Time `json:"ideal_end"`
	DeterminedEnd time.Time `json:"determined_end"`
}

// Plan is the outcome of one planning pass.
type Plan struct {
	Now     time.Time      `json:"now"`
	Ranked  []Scored       `json:"-"` // active tasks, most urgent first
	Batches []Batch        `json:"batches"`
	Writes  []DerivedWrite `json:"writes"`

	determined map[string]time.Time
}

// DeterminedEnd returns the batch deadline of a task in a retained batch.
func (p *Plan) DeterminedEnd(id string) (time.Time, bool) {
	t, ok := p.determined[id]
	return t, ok
}

// Options are the engine constants.
type Options struct {
	Threshold  float64 // batch cap in minutes
	ScoreFloor float64 // minimum score worth writing back
	Location   *time.Location
}

// Engine runs chain resolution, scoring and batching over the mirror.
type Engine struct {
	cache *task.Cache
	opts  Options
}

// NewEngine creates an engine reading tasks through cache.
func NewEngine(cache *task.Cache, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = cache.Schema().Location
	}
	return &Engine{cache: cache, opts: opts}
}

// Plan scores every mirrored task at now and derives the writes.
func (e *Engine) Plan(ctx context.Context, now time.Time) (*Plan, error) {
	tasks, err := e.cache.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	lookup := Lookup(e.cache.Lookup(ctx))

	var scheduled []Scored
	for _, t := range tasks {
		st := t.Status()
		if st != task.StatusPending && st != task.StatusDone {
			continue
		}
		chain := ResolveChain(t, lookup)
		res, ok := Score(t, chain, now, e.opts.Location)
		if !ok {
			continue
		}
		scheduled = append(scheduled, Scored{Task: t, Chain: chain, Score: res.Score, IdealEnd: res.IdealEnd})
	}

	plan := &Plan{Now: now, Batches: PlanBatches(scheduled, e.opts.Threshold)}

	plan.determined = map[string]time.Time{}
	for _, b := range plan.Batches {
		for _, m := range b.Members {
			plan.determined[m.TaskID] = m.DeterminedEnd
		}
	}

	for _, s := range scheduled {
		if !s.Task.Active() {
			continue
		}
		plan.Ranked = append(plan.Ranked, s)
	}
	slices.SortStableFunc(plan.Ranked, func(a, b Scored) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), cmp.Compare(a.Task.ID(), b.Task.ID()))
	})

	for _, s := range plan.Ranked {
		if s.Score < e.opts.ScoreFloor {
			continue
		}
		end, ok := plan.DeterminedEnd(s.Task.ID())
		if !ok {
			end = s.IdealEnd
		}
		plan.Writes = append(plan.Writes, DerivedWrite{
			TaskID:        s.Task.ID(),
			Score:         s.Score,
			IdealEnd:      s.IdealEnd,
			DeterminedEnd: end,
		})
	}
	return plan, nil
}

// Chain resolves the project chain of one mirrored task.
func (e *Engine) Chain(ctx context.Context, id string) (Chain, bool, error) {
	t, err := e.cache.Get(ctx, id)
	if err != nil || t == nil {
		return Chain{}, false, err
	}
	return ResolveChain(t, Lookup(e.cache.Lookup(ctx))), true, nil
}

// Ranking is a flat view of one ranked task.
type Ranking struct {
	TaskID        string    `json:"task_id"`
	Name          string    `json:"name"`
	Project       string    `json:"project,omitempty"`
	Score         float64   `json:"score"`
	IdealEnd      time.Time `json:"ideal_end"`
	DeterminedEnd time.Time `json:"determined_end"`
	Chain         []string  `json:"chain"`
	Index         int       `json:"index"`
}

// Rankings flattens the ranked tasks, most urgent first.
func (p *Plan) Rankings() []Ranking {
	out := make([]Ranking, 0, len(p.Ranked))
	for _, s := range p.Ranked {
		end, ok := p.DeterminedEnd(s.Task.ID())
		if !ok {
			end = s.IdealEnd
		}
		out = append(out, Ranking{
			TaskID:        s.Task.ID(),
			Name:          s.Task.Name(),
			Project:       s.Task.Project(),
			Score:         s.Score,
			IdealEnd:      s.IdealEnd,
			DeterminedEnd: end,
			Chain:         s.Chain.IDs,
			Index:         s.Chain.Index,
		})
	}
	return out
}
