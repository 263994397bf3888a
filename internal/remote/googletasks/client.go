// Package googletasks implements the task.API boundary using the Google
// Tasks API, plus the connection gate that creates clients lazily from
// stored OAuth credentials.
package googletasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	tasksapi "google.golang.org/api/tasks/v1"

	"github.com/kestrelworks/donna/internal/task"
)

const (
	// APITimeout bounds every remote call.
	APITimeout = 10 * time.Second

	// tasksScope is the OAuth scope for Google Tasks.
	tasksScope = "https://www.googleapis.com/auth/tasks"
)

// Client implements task.API over the Google Tasks API.
type Client struct {
	svc *tasksapi.Service
}

// New creates a client from stored OAuth credentials. clientPath holds
// the OAuth client JSON, tokenPath a previously obtained token. The token
// source auto-refreshes.
func New(ctx context.Context, clientPath, tokenPath string) (*Client, error) {
	clientJSON, err := os.ReadFile(clientPath)
	if err != nil {
		return nil, fmt.Errorf("read oauth client: %w", err)
	}
	oauthConfig, err := google.ConfigFromJSON(clientJSON, tasksScope)
	if err != nil {
		return nil, fmt.Errorf("invalid oauth client config: %w", err)
	}

	tokenData, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("read oauth token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(tokenData, &token); err != nil {
		return nil, fmt.Errorf("invalid oauth token: %w", err)
	}

	httpClient := oauth2.NewClient(ctx, oauthConfig.TokenSource(ctx, &token))
	svc, err := tasksapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create tasks service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// NewWithHTTPClient creates a client with a custom HTTP client (for
// testing).
func NewWithHTTPClient(ctx context.Context, httpClient *http.Client) (*Client, error) {
	svc, err := tasksapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	return &Client{svc: svc}, nil
}

// ListLists returns all task lists in API order.
func (c *Client) ListLists(ctx context.Context) ([]task.TaskList, error) {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	var result []task.TaskList
	err := c.svc.Tasklists.List().MaxResults(100).Pages(ctx, func(resp *tasksapi.TaskLists) error {
		for _, list := range resp.Items {
			result = append(result, task.TaskList{ID: list.Id, Title: list.Title})
		}
		return nil
	})
	if err != nil {
		return nil, wrapError("list task lists", err)
	}
	return result, nil
}

// ListTasks returns the tasks of a list in API order, completed included.
func (c *Client) ListTasks(ctx context.Context, listID string) ([]task.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	call := c.svc.Tasks.List(listID).
		MaxResults(100).
		ShowCompleted(true).
		ShowDeleted(false).
		ShowHidden(true)

	var result []task.Task
	err := call.Pages(ctx, func(resp *tasksapi.Tasks) error {
		for _, t := range resp.Items {
			result = append(result, fromAPI(t, listID))
		}
		return nil
	})
	if err != nil {
		return nil, wrapError("list tasks", err)
	}
	return result, nil
}

// CreateTask creates a task and returns the server-assigned record.
func (c *Client) CreateTask(ctx context.Context, listID string, t task.Task) (task.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	payload := &tasksapi.Task{Title: t.Title, Notes: t.Notes}
	if !t.Due.IsZero() {
		payload.Due = t.Due.Format(time.RFC3339)
	}
	created, err := c.svc.Tasks.Insert(listID, payload).Context(ctx).Do()
	if err != nil {
		return task.Task{}, wrapError("create task", err)
	}
	return fromAPI(created, listID), nil
}

// CompleteTask marks a task completed.
func (c *Client) CompleteTask(ctx context.Context, listID, taskID string) error {
	return c.patchStatus(ctx, listID, taskID, task.StatusCompleted)
}

// UncompleteTask moves a completed task back to needsAction.
func (c *Client) UncompleteTask(ctx context.Context, listID, taskID string) error {
	return c.patchStatus(ctx, listID, taskID, task.StatusNeedsAction)
}

func (c *Client) patchStatus(ctx context.Context, listID, taskID, status string) error {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	_, err := c.svc.Tasks.Patch(listID, taskID, &tasksapi.Task{Status: status}).Context(ctx).Do()
	if err != nil {
		return wrapError("update task status", err)
	}
	return nil
}

// DeleteTask deletes a task.
func (c *Client) DeleteTask(ctx context.Context, listID, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, APITimeout)
	defer cancel()

	if err := c.svc.Tasks.Delete(listID, taskID).Context(ctx).Do(); err != nil {
		return wrapError("delete task", err)
	}
	return nil
}

func fromAPI(t *tasksapi.Task, listID string) task.Task {
	out := task.Task{
		ID:     t.Id,
		Title:  t.Title,
		Notes:  t.Notes,
		Status: t.Status,
		ListID: listID,
	}
	if t.Due != "" {
		if due, err := time.Parse(time.RFC3339, t.Due); err == nil {
			out.Due = due
		}
	}
	if t.Updated != "" {
		if updated, err := time.Parse(time.RFC3339, t.Updated); err == nil {
			out.Updated = updated
		}
	}
	return out
}

// wrapError classifies a raw API error at the boundary so callers can
// switch on task.Kind instead of matching message text.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return task.NewError(task.ClassifyError(err), op, err)
}
