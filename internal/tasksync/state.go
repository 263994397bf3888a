// Package tasksync keeps an in-memory task list synchronized against the
// remote task service: optimistic local mutation, reconciliation of
// fetched collections, and a background polling loop.
package tasksync

import (
	"time"

	"github.com/kestrelworks/donna/internal/task"
)

// ListState is an immutable snapshot of the synchronized task list. It is
// replaced wholesale on every change, never mutated in place, so callers
// can hold a snapshot without locking.
type ListState struct {
	Tasks         []task.Task // ordered as returned by the remote service
	ListID        string
	Loading       bool
	Err           string // empty means no error
	Connected     bool
	LastRefreshed time.Time
}

// withTasks returns a copy with a replaced task collection, a fresh
// timestamp, and the error cleared.
func (s ListState) withTasks(tasks []task.Task, now time.Time) ListState {
	s.Tasks = tasks
	s.LastRefreshed = now
	s.Err = ""
	s.Connected = true
	s.Loading = false
	return s
}

// withErr returns a copy carrying a user-visible error message.
func (s ListState) withErr(msg string) ListState {
	s.Err = msg
	s.Loading = false
	return s
}

// Reconcile merges a fetched collection into the previous state. When the
// collections are pairwise-equal on (ID, Title, Status, Updated) the
// previous state is returned with only Connected flipped true; the task
// slice instance is untouched so the UI layer sees no change. Otherwise
// the state is replaced wholesale.
func Reconcile(newTasks []task.Task, prev ListState, now time.Time) ListState {
	if tasksEqual(newTasks, prev.Tasks) {
		prev.Connected = true
		prev.Loading = false
		return prev
	}
	return prev.withTasks(newTasks, now)
}

func tasksEqual(a, b []task.Task) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID ||
			a[i].Title != b[i].Title ||
			a[i].Status != b[i].Status ||
			!a[i].Updated.Equal(b[i].Updated) {
			return false
		}
	}
	return true
}
