// Package schedule ranks tasks by urgency and derives their deadlines.
//
// A task's project chain is rebuilt every pass by walking its first
// parent link back to the project root, then the root's first required
// link back to the earliest prerequisite. Scores and batch deadlines are
// pure functions of the chain, the task fields and the current time.
package schedule

import (
	"slices"

	"github.com/imkarma/tempo/internal/task"
)

// Lookup resolves a task id. Misses end a chain walk.
type Lookup func(id string) (*task.Task, bool)

// Chain is a project's ordered task ids, root first, and the position of
// the task it was resolved for.
type Chain struct {
	IDs   []string `json:"ids"`
	Index int      `json:"index"`
}

// Root returns the project root id.
func (c Chain) Root() string { return c.IDs[0] }

// Count returns the number of tasks in the chain.
func (c Chain) Count() int { return len(c.IDs) }

// ResolveChain builds the project chain of t. It never fails: lookup
// misses and cycles end the walk and the partial chain is used.
func ResolveChain(t *task.Task, lookup Lookup) Chain {
	seen := map[string]bool{t.ID(): true}

	parents := walk(t, (*task.Task).ParentLinks, lookup, seen)
	slices.Reverse(parents)
	ids := append(parents, t.ID())

	root := t
	if len(parents) > 0 {
		if r, ok := lookup(parents[0]); ok {
			root = r
		}
	}
	required := walk(root, (*task.Task).RequiredLinks, lookup, seen)
	slices.Reverse(required)
	ids = append(required, ids...)

	return Chain{IDs: ids, Index: slices.Index(ids, t.ID())}
}

// walk follows the first link of each task from start and returns the
// ids it reached, nearest first.
func walk(start *task.Task, links func(*task.Task) []string, lookup Lookup, seen map[string]bool) []string {
	var ids []string
	cur := start
	for {
		next := links(cur)
		if len(next) == 0 || seen[next[0]] {
			return ids
		}
		found, ok := lookup(next[0])
		if !ok {
			return ids
		}
		seen[next[0]] = true
		ids = append(ids, next[0])
		cur = found
	}
}
