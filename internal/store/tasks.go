package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/todosync/internal/schema"
	"github.com/steveyegge/todosync/internal/service"
)

// TaskStore owns the task collection and the status filter.
type TaskStore struct {
	st *state
}

// Counts summarizes the task collection.
type Counts struct {
	All       int `json:"all"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
}

// AddTask creates a task and prepends it to the collection. The title is
// trimmed; every label id must name an existing label.
func (s *TaskStore) AddTask(ctx context.Context, title string, due *time.Time, labelIDs ...string) (schema.Task, error) {
	const op = "add task"
	st := s.st
	st.opMu.Lock()
	defer st.endOp()

	if err := st.lockOpen(op); err != nil {
		return schema.Task{}, err
	}
	title, err := schema.ValidateTitle(title)
	if err != nil {
		st.mu.Unlock()
		return schema.Task{}, st.fail(validationError(op, "", err))
	}
	labels := schema.NormalizeLabelIDs(labelIDs)
	if err := st.checkLabels(labels); err != nil {
		st.mu.Unlock()
		return schema.Task{}, st.fail(validationError(op, "", err))
	}
	task := schema.NewTask(title, st.userID(), due, labels)
	st.insertTask(0, task.Clone())
	at := map[string]version{task.ID: st.touch(task.ID)}
	st.mu.Unlock()

	err = st.taskSvc.Insert(ctx, task)
	undo := st.undo(at, func() (Event, bool) {
		removed, _, ok := st.removeTask(task.ID)
		delete(st.dirtyTasks, task.ID)
		return taskEvent(TaskDeleted, removed, false), ok
	})
	return task.Clone(), st.finishTask(op, "Task added successfully", TaskAdded, task, err, undo)
}

// ToggleTask flips the completed flag of a task.
func (s *TaskStore) ToggleTask(ctx context.Context, id string) (schema.Task, error) {
	var done bool
	return s.update(ctx, "update task", "Task updated successfully", id,
		func(t *schema.Task) error {
			t.Completed = !t.Completed
			done = t.Completed
			return nil
		},
		func(ctx context.Context, t schema.Task) error {
			return s.st.taskSvc.Update(ctx, t.ID, service.TaskPatch{Completed: &done})
		})
}

// UpdateTaskDueDate sets or, with a nil due, clears a task's due date.
func (s *TaskStore) UpdateTaskDueDate(ctx context.Context, id string, due *time.Time) (schema.Task, error) {
	return s.update(ctx, "update due date", "Due date updated successfully", id,
		func(t *schema.Task) error {
			t.DueDate = schema.CloneTime(due)
			return nil
		},
		func(ctx context.Context, t schema.Task) error {
			return s.st.taskSvc.Update(ctx, t.ID, service.TaskPatch{SetDueDate: true, DueDate: t.DueDate})
		})
}

// UpdateTaskLabels replaces a task's label set. Every id must name an
// existing label.
func (s *TaskStore) UpdateTaskLabels(ctx context.Context, id string, labelIDs []string) (schema.Task, error) {
	return s.update(ctx, "update task labels", "Task labels updated successfully", id,
		func(t *schema.Task) error {
			labels := schema.NormalizeLabelIDs(labelIDs)
			if err := s.st.checkLabels(labels); err != nil {
				return err
			}
			t.Labels = labels
			return nil
		},
		func(ctx context.Context, t schema.Task) error {
			return s.st.taskSvc.SetLabels(ctx, t.ID, t.UserID, t.Labels)
		})
}

// update applies change to the task with the given id and mirrors it with
// push. A change error is a validation failure and leaves the task as is.
func (s *TaskStore) update(ctx context.Context, op, okMsg, id string,
	change func(*schema.Task) error, push func(context.Context, schema.Task) error) (schema.Task, error) {
	st := s.st
	st.opMu.Lock()
	defer st.endOp()

	if err := st.lockOpen(op); err != nil {
		return schema.Task{}, err
	}
	i := st.taskIndex(id)
	if i < 0 {
		st.mu.Unlock()
		return schema.Task{}, st.fail(notFoundError(op, id, ErrTaskNotFound))
	}
	prev := st.tasks[i].Clone()
	next := prev.Clone()
	if err := change(&next); err != nil {
		st.mu.Unlock()
		return schema.Task{}, st.fail(validationError(op, id, err))
	}
	st.tasks[i] = next.Clone()
	wasDirty := st.dirtyTasks[id]
	at := map[string]version{id: st.touch(id)}
	st.mu.Unlock()

	err := push(ctx, next)
	undo := st.undo(at, func() (Event, bool) {
		j := st.taskIndex(id)
		if j < 0 {
			return Event{}, false
		}
		st.tasks[j] = prev.Clone()
		st.setTaskDirty(id, wasDirty)
		return taskEvent(TaskUpdated, prev, wasDirty), true
	})
	return next, st.finishTask(op, okMsg, TaskUpdated, next, err, undo)
}

// DeleteTask removes a task and its label links.
func (s *TaskStore) DeleteTask(ctx context.Context, id string) error {
	const op = "delete task"
	st := s.st
	st.opMu.Lock()
	defer st.endOp()

	if err := st.lockOpen(op); err != nil {
		return err
	}
	prev, idx, ok := st.removeTask(id)
	if !ok {
		st.mu.Unlock()
		return st.fail(notFoundError(op, id, ErrTaskNotFound))
	}
	wasDirty := st.dirtyTasks[id]
	at := map[string]version{id: st.touch(id)}
	st.mu.Unlock()

	if err := st.taskSvc.Delete(ctx, id); err != nil {
		st.setTaskDirtyLocked(id, true)
		st.emit(taskEvent(TaskDeleted, prev, true))
		return st.remoteFailed(op, id, err, st.undo(at, func() (Event, bool) {
			if st.taskIndex(id) >= 0 {
				return Event{}, false
			}
			st.insertTask(idx, prev.Clone())
			st.setTaskDirty(id, wasDirty)
			return taskEvent(TaskAdded, prev, wasDirty), true
		}))
	}

	st.setTaskDirtyLocked(id, false)
	st.emit(taskEvent(TaskDeleted, prev, false))
	st.succeed("Task deleted successfully")
	return nil
}

// ClearCompleted removes every completed task and returns how many were
// removed. The remote delete is a single batch.
func (s *TaskStore) ClearCompleted(ctx context.Context) (int, error) {
	const op = "clear completed tasks"
	st := s.st
	st.opMu.Lock()
	defer st.endOp()

	if err := st.lockOpen(op); err != nil {
		return 0, err
	}
	type removedTask struct {
		task     schema.Task
		idx      int
		wasDirty bool
	}
	var (
		removed []removedTask
		kept    = make([]schema.Task, 0, len(st.tasks))
		ids     []string
		at      = make(map[string]version)
	)
	for i, t := range st.tasks {
		if t.Completed {
			removed = append(removed, removedTask{task: t, idx: i, wasDirty: st.dirtyTasks[t.ID]})
			ids = append(ids, t.ID)
			at[t.ID] = st.touch(t.ID)
			continue
		}
		kept = append(kept, t)
	}
	st.tasks = kept
	st.mu.Unlock()

	if len(ids) == 0 {
		st.succeed("Completed tasks cleared successfully")
		return 0, nil
	}

	if err := st.taskSvc.DeleteMany(ctx, ids); err != nil {
		for _, r := range removed {
			st.setTaskDirtyLocked(r.task.ID, true)
			st.emit(taskEvent(TaskDeleted, r.task, true))
		}
		return len(ids), st.remoteFailed(op, "", err, st.undo(at, func() (Event, bool) {
			// Ascending original positions restore the original order.
			for _, r := range removed {
				if st.taskIndex(r.task.ID) >= 0 {
					continue
				}
				st.insertTask(r.idx, r.task.Clone())
				st.setTaskDirty(r.task.ID, r.wasDirty)
			}
			return Event{Type: TasksReplaced, Count: len(st.tasks)}, true
		}))
	}

	for _, r := range removed {
		st.setTaskDirtyLocked(r.task.ID, false)
		st.emit(taskEvent(TaskDeleted, r.task, false))
	}
	st.succeed("Completed tasks cleared successfully")
	return len(ids), nil
}

// SetFilter sets the status filter.
func (s *TaskStore) SetFilter(status schema.Status) error {
	const op = "set filter"
	st := s.st
	if err := st.lockOpen(op); err != nil {
		return err
	}
	if !status.IsValid() {
		st.mu.Unlock()
		return st.fail(validationError(op, "", fmt.Errorf("%w %q (want all, active or completed)", ErrInvalidFilter, status)))
	}
	st.filter = status
	st.mu.Unlock()
	return nil
}

// Filter returns the current status filter.
func (s *TaskStore) Filter() schema.Status {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	return s.st.filter
}

// FilteredTasks returns the tasks passing the status filter and, when one
// is set, the label filter. Collection order (newest first) is kept.
func (s *TaskStore) FilteredTasks() []schema.Task {
	st := s.st
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]schema.Task, 0, len(st.tasks))
	for i := range st.tasks {
		t := &st.tasks[i]
		if !st.filter.Matches(t) {
			continue
		}
		if st.labelFilter != "" && !t.HasLabel(st.labelFilter) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// Tasks returns every task, newest first.
func (s *TaskStore) Tasks() []schema.Task {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	return cloneTasks(s.st.tasks)
}

// Task returns the task with the given id.
func (s *TaskStore) Task(id string) (schema.Task, bool) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	i := s.st.taskIndex(id)
	if i < 0 {
		return schema.Task{}, false
	}
	return s.st.tasks[i].Clone(), true
}

// Counts returns the number of tasks per status.
func (s *TaskStore) Counts() Counts {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	c := Counts{All: len(s.st.tasks)}
	for _, t := range s.st.tasks {
		if t.Completed {
			c.Completed++
		} else {
			c.Active++
		}
	}
	return c
}

// lockOpen takes the state write lock, or returns a KindClosed error
// without holding it.
func (st *state) lockOpen(op string) error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return &Error{Op: op, Kind: KindClosed, Err: ErrClosed}
	}
	return nil
}

// checkLabels returns ErrUnknownLabel naming every unknown id. Callers hold
// st.mu.
func (st *state) checkLabels(ids []string) error {
	if unknown := st.unknownLabels(ids); len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownLabel, strings.Join(unknown, ", "))
	}
	return nil
}

// setTaskDirty records a dirty mark. Callers hold st.mu.
func (st *state) setTaskDirty(id string, dirty bool) {
	if dirty {
		st.dirtyTasks[id] = true
	} else {
		delete(st.dirtyTasks, id)
	}
}

func (st *state) setTaskDirtyLocked(id string, dirty bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.setTaskDirty(id, dirty)
}

// finishTask completes a task mutation once the remote call returned.
func (st *state) finishTask(op, okMsg string, typ EventType, task schema.Task, err error, undo func() bool) error {
	if err != nil {
		st.setTaskDirtyLocked(task.ID, true)
		st.emit(taskEvent(typ, task, true))
		return st.remoteFailed(op, task.ID, err, undo)
	}
	st.emit(taskEvent(typ, task, false))
	st.succeed(okMsg)
	return nil
}

// undo wraps a restore step into a Revert handle. The handle does nothing
// once an entity in at has changed since the failed operation, including
// being pushed by Reconcile or replaced by a pull. fn runs with st.mu held
// and returns the event to emit.
func (st *state) undo(at map[string]version, fn func() (Event, bool)) func() bool {
	return func() bool {
		st.opMu.Lock()
		defer st.endOp()

		st.mu.Lock()
		if st.closed || !st.current(at) {
			st.mu.Unlock()
			return false
		}
		ev, ok := fn()
		for id := range at {
			st.touch(id)
		}
		st.mu.Unlock()

		if ok {
			st.emit(ev)
		}
		return ok
	}
}
