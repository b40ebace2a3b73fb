package schedule

import (
	"cmp"
	"slices"
	"time"

	"github.com/imkarma/tempo/internal/task"
)

// Scored is a schedulable task with its chain and score.
type Scored struct {
	Task     *task.Task
	Chain    Chain
	Score    float64
	IdealEnd time.Time
}

// BatchMember is one task of a batch with its staggered deadline.
type BatchMember struct {
	TaskID        string      `json:"task_id"`
	Name          string      `json:"name"`
	Status        task.Status `json:"status"`
	Duration      float64     `json:"duration_minutes"`
	IdealEnd      time.Time   `json:"ideal_end"`
	DeterminedEnd time.Time   `json:"determined_end"`
}

// Batch is a run of consecutive chain tasks worth about one sitting.
type Batch struct {
	Root    string        `json:"root"`
	Total   float64       `json:"total_minutes"`
	Members []BatchMember `json:"members"`
}

// HasPending reports whether any member still has work left.
func (b Batch) HasPending() bool {
	return slices.ContainsFunc(b.Members, func(m BatchMember) bool {
		return m.Status == task.StatusPending
	})
}

// PlanBatches groups pending and done tasks by project root, cuts each
// project into batches and staggers member deadlines one minute apart
// ending at the last member's ideal end. A batch closes after the member
// that brings its total to threshold minutes or more. Batches with no
// pending member are dropped.
func PlanBatches(items []Scored, threshold float64) []Batch {
	projects := map[string][]Scored{}
	for _, it := range items {
		switch it.Task.Status() {
		case task.StatusPending, task.StatusDone:
			root := it.Chain.Root()
			projects[root] = append(projects[root], it)
		}
	}

	roots := make([]string, 0, len(projects))
	for root := range projects {
		roots = append(roots, root)
	}
	slices.Sort(roots)

	var batches []Batch
	for _, root := range roots {
		members := projects[root]
		slices.SortFunc(members, func(a, b Scored) int {
			return cmp.Or(
				cmp.Compare(a.Chain.Index, b.Chain.Index),
				cmp.Compare(a.Task.ID(), b.Task.ID()),
			)
		})

		cur := Batch{Root: root}
		for _, m := range members {
			d := m.Task.Duration()
			cur.Members = append(cur.Members, BatchMember{
				TaskID:   m.Task.ID(),
				Name:     m.Task.Name(),
				Status:   m.Task.Status(),
				Duration: d,
				IdealEnd: m.IdealEnd,
			})
			cur.Total += d
			if cur.Total >= threshold {
				batches = append(batches, cur)
				cur = Batch{Root: root}
			}
		}
		if len(cur.Members) > 0 {
			batches = append(batches, cur)
		}
	}

	kept := batches[:0]
	for _, b := range batches {
		if !b.HasPending() {
			continue
		}
		stagger(b)
		kept = append(kept, b)
	}
	return kept
}

func stagger(b Batch) {
	n := len(b.Members)
	last := b.Members[n-1].IdealEnd
	for i := range b.Members {
		b.Members[i].DeterminedEnd = last.Add(-time.Duration(n-1-i) * time.Minute)
	}
}
