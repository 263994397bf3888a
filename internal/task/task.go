// Package task defines the backend-agnostic task model and the interface
// the remote task service is consumed through.
package task

import (
	"context"
	"time"
)

// Task status values, as used by the remote service.
const (
	StatusNeedsAction = "needsAction"
	StatusCompleted   = "completed"
)

// Task is a remote-owned task record. Local copies are a cache, never
// authoritative.
type Task struct {
	ID      string
	Title   string
	Notes   string
	Status  string // StatusNeedsAction or StatusCompleted
	Due     time.Time
	Updated time.Time
	ListID  string
}

// TaskList is a remote task list.
type TaskList struct {
	ID    string
	Title string
}

// API is the remote task service boundary. All Google Tasks calls go
// through this interface; the sync layer never imports the SDK directly.
type API interface {
	// ListLists returns all task lists in API order.
	ListLists(ctx context.Context) ([]TaskList, error)

	// ListTasks returns the tasks of a list in API order, completed
	// tasks included. No client-side sorting.
	ListTasks(ctx context.Context, listID string) ([]Task, error)

	// CreateTask creates a task and returns the server-assigned record.
	CreateTask(ctx context.Context, listID string, t Task) (Task, error)

	// CompleteTask marks a task completed.
	CompleteTask(ctx context.Context, listID, taskID string) error

	// UncompleteTask moves a completed task back to needsAction.
	UncompleteTask(ctx context.Context, listID, taskID string) error

	// DeleteTask deletes a task.
	DeleteTask(ctx context.Context, listID, taskID string) error
}
