// Package ledger keeps the durable, per-artifact record of a sync run.
//
// A Ledger is an ordered mapping from task id to Task. It is not safe for
// concurrent mutation; the pipeline funnels every transition through a single
// consumer and persists after each one.
package ledger

import (
	"fmt"
)

// Entry is one (id, source) pair produced by a manifest reader.
type Entry struct {
	ID     string
	Source string
}

// Ledger is the ordered set of tasks for a manifest.
type Ledger struct {
	order []string
	tasks map[string]Task
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{tasks: map[string]Task{}}
}

// FromTasks builds a ledger from tasks in order, validating every invariant.
func FromTasks(tasks []Task) (*Ledger, error) {
	l := New()
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := l.tasks[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		l.order = append(l.order, t.ID)
		l.tasks[t.ID] = t
	}
	return l, nil
}

// Len returns the number of tasks.
func (l *Ledger) Len() int { return len(l.order) }

// Get returns a copy of the task with the given id.
func (l *Ledger) Get(id string) (Task, bool) {
	t, ok := l.tasks[id]
	return t, ok
}

// Tasks returns copies of all tasks in ledger order.
func (l *Ledger) Tasks() []Task {
	out := make([]Task, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.tasks[id])
	}
	return out
}

// Filter returns the tasks, in ledger order, for which keep returns true.
func (l *Ledger) Filter(keep func(Task) bool) []Task {
	var out []Task
	for _, id := range l.order {
		if t := l.tasks[id]; keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		order: append([]string(nil), l.order...),
		tasks: make(map[string]Task, len(l.tasks)),
	}
	for id, t := range l.tasks {
		c.tasks[id] = t
	}
	return c
}

// Equal reports whether both ledgers hold the same tasks in the same order.
func (l *Ledger) Equal(o *Ledger) bool {
	if l.Len() != o.Len() {
		return false
	}
	for i, id := range l.order {
		if o.order[i] != id || o.tasks[id] != l.tasks[id] {
			return false
		}
	}
	return true
}

// Transition moves task id to state to, validating the transition table.
// On failure the task is left unchanged.
func (l *Ledger) Transition(id string, to State, u Update) (Task, error) {
	t, ok := l.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("unknown task %q", id)
	}
	next, err := t.apply(to, u)
	if err != nil {
		return t, err
	}
	l.tasks[id] = next
	return next, nil
}

// Reconcile returns a new ledger holding every task of l plus a pending task
// for each entry whose id is not yet present. Existing tasks are never
// modified, and l itself is left untouched.
func Reconcile(l *Ledger, entries []Entry) *Ledger {
	out := l.Clone()
	for _, e := range entries {
		if _, ok := out.tasks[e.ID]; ok {
			continue
		}
		out.order = append(out.order, e.ID)
		out.tasks[e.ID] = Task{ID: e.ID, Source: e.Source, State: Pending}
	}
	return out
}

// Stale returns the ids of tasks that no entry refers to.
func Stale(l *Ledger, entries []Entry) []string {
	live := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		live[e.ID] = struct{}{}
	}
	var stale []string
	for _, id := range l.order {
		if _, ok := live[id]; !ok {
			stale = append(stale, id)
		}
	}
	return stale
}

// Prune returns a new ledger without the stale tasks.
func Prune(l *Ledger, entries []Entry) *Ledger {
	drop := map[string]struct{}{}
	for _, id := range Stale(l, entries) {
		drop[id] = struct{}{}
	}
	out := New()
	for _, id := range l.order {
		if _, ok := drop[id]; ok {
			continue
		}
		out.order = append(out.order, id)
		out.tasks[id] = l.tasks[id]
	}
	return out
}

// InterruptedError is the last_error recorded by Recover.
const InterruptedError = "interrupted"

// Recover moves tasks left in an in-flight state by a crashed run to Failed,
// so the next run retries the phase they were in. It returns the recovered ids.
func (l *Ledger) Recover() []string {
	var ids []string
	for _, id := range l.order {
		if !l.tasks[id].State.InFlight() {
			continue
		}
		if _, err := l.Transition(id, Failed, Update{Error: InterruptedError}); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Counts tallies tasks per state.
func (l *Ledger) Counts() map[State]int {
	out := map[State]int{}
	for _, t := range l.tasks {
		out[t.State]++
	}
	return out
}
