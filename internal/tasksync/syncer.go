package tasksync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelworks/donna/internal/task"
)

// Gate reports whether the remote client is currently usable and hands
// out the client, creating it lazily when possible.
type Gate interface {
	// Connected reports the last known connection state.
	Connected() bool

	// Service returns a usable client, creating one if none exists.
	Service(ctx context.Context) (task.API, error)
}

// Syncer mediates between the remote task service and the local list
// state: manual and background fetches funnel through Reconcile, user
// mutations apply optimistically and revert on remote failure.
//
// At most one fetch is in flight per Syncer; a fetch requested while one
// is active is dropped, not queued. Callers rely on the next poll tick or
// an explicit retry.
type Syncer struct {
	gate Gate
	now  func() time.Time

	mu       sync.Mutex
	state    ListState
	fetching atomic.Bool
}

// NewSyncer creates a Syncer with an empty state. listID may be empty, in
// which case the first remote list is selected on demand.
func NewSyncer(gate Gate, listID string) *Syncer {
	return &Syncer{
		gate: gate,
		now:  time.Now,
		state: ListState{
			ListID: listID,
		},
	}
}

// SetClock overrides the time source (for testing).
func (s *Syncer) SetClock(now func() time.Time) {
	s.now = now
}

// State returns the current snapshot.
func (s *Syncer) State() ListState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Syncer) setState(st ListState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Refresh fetches the task collection and reconciles it into the state.
// A Refresh arriving while another fetch is in flight is a no-op with no
// state mutation.
func (s *Syncer) Refresh(ctx context.Context) error {
	return s.refresh(ctx, false)
}

// Poll is the background variant of Refresh: unclassified errors are
// swallowed without touching state, and only connectivity-classified
// failures flip the connected flag.
func (s *Syncer) Poll(ctx context.Context) error {
	return s.refresh(ctx, true)
}

func (s *Syncer) refresh(ctx context.Context, silent bool) error {
	if !s.fetching.CompareAndSwap(false, true) {
		return nil
	}
	defer s.fetching.Store(false)

	if !silent {
		s.mu.Lock()
		s.state.Loading = true
		s.mu.Unlock()
	}

	svc, err := s.gate.Service(ctx)
	if err != nil {
		return s.fetchFailed(err, silent)
	}

	listID, err := s.ensureList(ctx, svc)
	if err != nil {
		return s.fetchFailed(err, silent)
	}

	tasks, err := svc.ListTasks(ctx, listID)
	if err != nil {
		return s.fetchFailed(err, silent)
	}

	s.mu.Lock()
	s.state = Reconcile(tasks, s.state, s.now())
	s.mu.Unlock()
	return nil
}

// fetchFailed records a failed fetch according to its kind. Background
// polls swallow everything except connectivity and auth failures.
func (s *Syncer) fetchFailed(err error, silent bool) error {
	kind := task.KindOf(err)
	log.Printf("[sync] fetch failed (%s): %v", kind, err)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case task.KindTransientNetwork, task.KindNotConnected:
		s.state.Connected = false
		s.state.Err = "not connected to Google Tasks"
		s.state.Loading = false
	case task.KindAuthExpired:
		// Soft retry path: re-check the gate instead of surfacing an
		// error. The next tick retries with whatever client the gate
		// hands out.
		s.state.Connected = s.gate.Connected()
		s.state.Loading = false
	default:
		if !silent {
			s.state = s.state.withErr(err.Error())
		}
	}
	return fmt.Errorf("refresh: %w", err)
}

// EnsureListID returns the selected list id, resolving it to the first
// remote list when no selection exists. An existing selection is returned
// unchanged without a remote call.
func (s *Syncer) EnsureListID(ctx context.Context) (string, error) {
	svc, err := s.gate.Service(ctx)
	if err != nil {
		return "", task.NewError(task.KindNotConnected, "not connected to Google Tasks", err)
	}
	return s.ensureList(ctx, svc)
}

func (s *Syncer) ensureList(ctx context.Context, svc task.API) (string, error) {
	s.mu.Lock()
	selected := s.state.ListID
	s.mu.Unlock()
	if selected != "" {
		return selected, nil
	}

	lists, err := svc.ListLists(ctx)
	if err != nil {
		return "", fmt.Errorf("list task lists: %w", err)
	}
	if len(lists) == 0 {
		return "", task.NewError(task.KindRemote, "no task lists found", nil)
	}

	s.mu.Lock()
	// A concurrent resolution may have won; keep the first answer.
	if s.state.ListID == "" {
		s.state.ListID = lists[0].ID
	}
	selected = s.state.ListID
	s.mu.Unlock()
	return selected, nil
}

// CreateTask creates a task remotely and appends it to the local state.
// A provisional entry is shown while the call is in flight and swapped
// for the server-assigned record on success.
func (s *Syncer) CreateTask(ctx context.Context, title, notes string, due time.Time) (task.Task, error) {
	svc, err := s.ensureService(ctx)
	if err != nil {
		return task.Task{}, err
	}
	listID, err := s.ensureList(ctx, svc)
	if err != nil {
		return task.Task{}, err
	}

	provisional := task.Task{
		ID:      fmt.Sprintf("pending-%d", s.now().UnixNano()),
		Title:   title,
		Notes:   notes,
		Due:     due,
		Status:  task.StatusNeedsAction,
		Updated: s.now(),
		ListID:  listID,
	}

	s.mu.Lock()
	prev := s.state
	s.state.Tasks = append(copyTasks(prev.Tasks), provisional)
	s.mu.Unlock()

	created, err := svc.CreateTask(ctx, listID, task.Task{Title: title, Notes: notes, Due: due})
	if err != nil {
		s.revert(prev, "create task", err)
		return task.Task{}, fmt.Errorf("create task: %w", err)
	}

	s.mu.Lock()
	tasks := copyTasks(s.state.Tasks)
	for i := range tasks {
		if tasks[i].ID == provisional.ID {
			tasks[i] = created
			break
		}
	}
	s.state.Tasks = tasks
	s.state.Err = ""
	s.mu.Unlock()
	return created, nil
}

// CompleteTask flips a task to completed locally and confirms remotely.
func (s *Syncer) CompleteTask(ctx context.Context, taskID string) error {
	return s.mutate(ctx, "complete task",
		func(tasks []task.Task) []task.Task {
			return setStatus(tasks, taskID, task.StatusCompleted)
		},
		func(ctx context.Context, svc task.API, listID string) error {
			return svc.CompleteTask(ctx, listID, taskID)
		})
}

// UncompleteTask moves a completed task back to needsAction.
func (s *Syncer) UncompleteTask(ctx context.Context, taskID string) error {
	return s.mutate(ctx, "uncomplete task",
		func(tasks []task.Task) []task.Task {
			return setStatus(tasks, taskID, task.StatusNeedsAction)
		},
		func(ctx context.Context, svc task.API, listID string) error {
			return svc.UncompleteTask(ctx, listID, taskID)
		})
}

// DeleteTask removes a task locally and confirms remotely. Like every
// other mutation the local removal is reverted when the remote call
// fails.
func (s *Syncer) DeleteTask(ctx context.Context, taskID string) error {
	return s.mutate(ctx, "delete task",
		func(tasks []task.Task) []task.Task {
			out := make([]task.Task, 0, len(tasks))
			for _, t := range tasks {
				if t.ID != taskID {
					out = append(out, t)
				}
			}
			return out
		},
		func(ctx context.Context, svc task.API, listID string) error {
			return svc.DeleteTask(ctx, listID, taskID)
		})
}

// mutate is the shared shape of complete/uncomplete/delete: gate check,
// optimistic local apply, awaited remote call, revert on failure.
func (s *Syncer) mutate(ctx context.Context, op string,
	apply func([]task.Task) []task.Task,
	call func(context.Context, task.API, string) error) error {

	svc, err := s.ensureService(ctx)
	if err != nil {
		return err
	}
	listID, err := s.ensureList(ctx, svc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.state
	s.state.Tasks = apply(copyTasks(prev.Tasks))
	s.mu.Unlock()

	if err := call(ctx, svc, listID); err != nil {
		s.revert(prev, op, err)
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	s.state.Err = ""
	s.mu.Unlock()
	return nil
}

// ensureService is the mutation precondition: a usable client, created
// lazily when the gate reports disconnected.
func (s *Syncer) ensureService(ctx context.Context) (task.API, error) {
	svc, err := s.gate.Service(ctx)
	if err != nil {
		s.mu.Lock()
		s.state.Connected = false
		s.state.Err = "not connected to Google Tasks"
		s.mu.Unlock()
		return nil, task.NewError(task.KindNotConnected, "not connected to Google Tasks", err)
	}
	return svc, nil
}

// revert restores the pre-mutation state and records the failure.
func (s *Syncer) revert(prev ListState, op string, err error) {
	kind := task.KindOf(err)
	log.Printf("[sync] %s failed (%s), reverting local state: %v", op, kind, err)

	prev.Err = fmt.Sprintf("%s failed: %v", op, err)
	if kind == task.KindTransientNetwork {
		prev.Connected = false
	}
	s.setState(prev)
}

func setStatus(tasks []task.Task, taskID, status string) []task.Task {
	for i := range tasks {
		if tasks[i].ID == taskID {
			tasks[i].Status = status
		}
	}
	return tasks
}

func copyTasks(tasks []task.Task) []task.Task {
	out := make([]task.Task, len(tasks))
	copy(out, tasks)
	return out
}
