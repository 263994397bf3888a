// Package testutil provides testing utilities.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelworks/donna/internal/task"
)

// Operation names for error injection and call counting.
const (
	OpListLists  = "ListLists"
	OpListTasks  = "ListTasks"
	OpCreateTask = "CreateTask"
	OpComplete   = "CompleteTask"
	OpUncomplete = "UncompleteTask"
	OpDeleteTask = "DeleteTask"
)

// FakeAPI is an in-memory implementation of task.API for testing, with
// per-operation error injection and call counting. All accessors are safe
// for concurrent use so tests can drive it from a running poller.
type FakeAPI struct {
	mu    sync.RWMutex
	lists []task.TaskList
	tasks map[string][]task.Task
	seq   int
	calls map[string]int
	errs  map[string]error
	delay time.Duration
}

// NewFakeAPI creates a FakeAPI with a single default list.
func NewFakeAPI() *FakeAPI {
	return &FakeAPI{
		lists: []task.TaskList{{ID: "list-1", Title: "My Tasks"}},
		tasks: map[string][]task.Task{"list-1": nil},
		calls: make(map[string]int),
		errs:  make(map[string]error),
	}
}

// SetErr injects an error for an operation; nil clears it.
func (f *FakeAPI) SetErr(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// SetListTasksDelay makes ListTasks block for d before answering.
func (f *FakeAPI) SetListTasksDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns how many times an operation was invoked.
func (f *FakeAPI) Calls(op string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.calls[op]
}

// SetLists replaces the list collection.
func (f *FakeAPI) SetLists(lists []task.TaskList) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = lists
}

// AddTask seeds a task into a list.
func (f *FakeAPI) AddTask(listID string, t task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.Status == "" {
		t.Status = task.StatusNeedsAction
	}
	t.ListID = listID
	f.tasks[listID] = append(f.tasks[listID], t)
}

// Tasks returns a copy of the tasks currently in a list.
func (f *FakeAPI) Tasks(listID string) []task.Task {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]task.Task, len(f.tasks[listID]))
	copy(out, f.tasks[listID])
	return out
}

// begin records a call and returns the injected error, if any.
func (f *FakeAPI) begin(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.errs[op]
}

// ListLists implements task.API.
func (f *FakeAPI) ListLists(ctx context.Context) ([]task.TaskList, error) {
	if err := f.begin(OpListLists); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]task.TaskList, len(f.lists))
	copy(out, f.lists)
	return out, nil
}

// ListTasks implements task.API.
func (f *FakeAPI) ListTasks(ctx context.Context, listID string) ([]task.Task, error) {
	err := f.begin(OpListTasks)
	f.mu.RLock()
	delay := f.delay
	f.mu.RUnlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	tasks, ok := f.tasks[listID]
	if !ok {
		return nil, fmt.Errorf("list not found: %s", listID)
	}
	out := make([]task.Task, len(tasks))
	copy(out, tasks)
	return out, nil
}

// CreateTask implements task.API.
func (f *FakeAPI) CreateTask(ctx context.Context, listID string, t task.Task) (task.Task, error) {
	if err := f.begin(OpCreateTask); err != nil {
		return task.Task{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[listID]; !ok {
		return task.Task{}, fmt.Errorf("list not found: %s", listID)
	}
	f.seq++
	t.ID = fmt.Sprintf("srv-%d", f.seq)
	t.Status = task.StatusNeedsAction
	t.ListID = listID
	t.Updated = time.Now()
	f.tasks[listID] = append(f.tasks[listID], t)
	return t, nil
}

// CompleteTask implements task.API.
func (f *FakeAPI) CompleteTask(ctx context.Context, listID, taskID string) error {
	if err := f.begin(OpComplete); err != nil {
		return err
	}
	return f.setStatus(listID, taskID, task.StatusCompleted)
}

// UncompleteTask implements task.API.
func (f *FakeAPI) UncompleteTask(ctx context.Context, listID, taskID string) error {
	if err := f.begin(OpUncomplete); err != nil {
		return err
	}
	return f.setStatus(listID, taskID, task.StatusNeedsAction)
}

func (f *FakeAPI) setStatus(listID, taskID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks, ok := f.tasks[listID]
	if !ok {
		return fmt.Errorf("list not found: %s", listID)
	}
	for i := range tasks {
		if tasks[i].ID == taskID {
			tasks[i].Status = status
			tasks[i].Updated = time.Now()
			return nil
		}
	}
	return fmt.Errorf("task not found: %s", taskID)
}

// DeleteTask implements task.API.
func (f *FakeAPI) DeleteTask(ctx context.Context, listID, taskID string) error {
	if err := f.begin(OpDeleteTask); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks, ok := f.tasks[listID]
	if !ok {
		return fmt.Errorf("list not found: %s", listID)
	}
	for i, t := range tasks {
		if t.ID == taskID {
			f.tasks[listID] = append(tasks[:i], tasks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("task not found: %s", taskID)
}
