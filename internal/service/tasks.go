package service

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/todosync/internal/remote"
	"github.com/steveyegge/todosync/internal/schema"
)

// TaskPatch lists the task fields an Update writes. Nil fields are left
// alone; SetDueDate writes DueDate even when it is nil (clearing it).
type TaskPatch struct {
	Title      *string
	Completed  *bool
	SetDueDate bool
	DueDate    *time.Time
}

// IsEmpty reports whether the patch writes nothing.
func (p TaskPatch) IsEmpty() bool {
	return p.Title == nil && p.Completed == nil && !p.SetDueDate
}

func (p TaskPatch) row() remote.Row {
	row := remote.Row{}
	if p.Title != nil {
		row["title"] = *p.Title
	}
	if p.Completed != nil {
		row["completed"] = *p.Completed
	}
	if p.SetDueDate {
		row["due_date"] = dueValue(p.DueDate)
	}
	return row
}

// TaskService reads and writes tasks and their label links.
type TaskService struct {
	store remote.Store
}

// NewTaskService creates a TaskService over store.
func NewTaskService(store remote.Store) *TaskService {
	return &TaskService{store: store}
}

// TaskRow converts a task to its tasks-table row.
func TaskRow(task schema.Task) remote.Row {
	return remote.Row{
		"id":         task.ID,
		"title":      task.Title,
		"completed":  task.Completed,
		"due_date":   dueValue(task.DueDate),
		"created_at": schema.FormatTime(task.CreatedAt),
		"user_id":    task.UserID,
	}
}

// LinkRows converts a task's label set to task_labels rows.
func LinkRows(taskID, userID string, labelIDs []string) []remote.Row {
	rows := make([]remote.Row, 0, len(labelIDs))
	for i, id := range labelIDs {
		rows = append(rows, remote.Row{
			"task_id":  taskID,
			"label_id": id,
			"user_id":  userID,
			"position": int64(i),
		})
	}
	return rows
}

// ParseTaskRow converts a tasks-table row back to a task. labels is the
// task's label set, already ordered.
func ParseTaskRow(row remote.Row, labels []string) (schema.Task, error) {
	created, err := schema.ParseTime(row.String("created_at"))
	if err != nil {
		return schema.Task{}, fmt.Errorf("task %s: created_at: %w", row.String("id"), err)
	}

	task := schema.Task{
		ID:        row.String("id"),
		Title:     row.String("title"),
		Completed: row.Bool("completed"),
		CreatedAt: created,
		UserID:    row.String("user_id"),
		Labels:    schema.NormalizeLabelIDs(labels),
	}
	if s, ok := row.NullString("due_date"); ok && s != "" {
		due, err := schema.ParseTime(s)
		if err != nil {
			return schema.Task{}, fmt.Errorf("task %s: due_date: %w", task.ID, err)
		}
		task.DueDate = &due
	}
	return task, nil
}

func dueValue(due *time.Time) any {
	if due == nil {
		return nil
	}
	return schema.FormatTime(*due)
}

func (s *TaskService) tables() (tasks, links remote.Table, err error) {
	if tasks, err = s.store.Table(remote.TableTasks); err != nil {
		return nil, nil, err
	}
	if links, err = s.store.Table(remote.TableTaskLabels); err != nil {
		return nil, nil, err
	}
	return tasks, links, nil
}

// Ping checks that the task tables are reachable.
func (s *TaskService) Ping(ctx context.Context) error {
	tasks, links, err := s.tables()
	if err != nil {
		return err
	}
	if _, err := tasks.Select(ctx, remote.Query{Limit: 1}); err != nil {
		return fmt.Errorf("failed to reach tasks table: %w", err)
	}
	if _, err := links.Select(ctx, remote.Query{Limit: 1}); err != nil {
		return fmt.Errorf("failed to reach task_labels table: %w", err)
	}
	return nil
}

// Insert writes a new task and its label links.
func (s *TaskService) Insert(ctx context.Context, task schema.Task) error {
	tasks, links, err := s.tables()
	if err != nil {
		return err
	}
	if err := tasks.Insert(ctx, TaskRow(task)); err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	if len(task.Labels) == 0 {
		return nil
	}
	if err := links.Insert(ctx, LinkRows(task.ID, task.UserID, task.Labels)...); err != nil {
		return fmt.Errorf("failed to insert labels for task %s: %w", task.ID, err)
	}
	return nil
}

// Update writes the fields set in patch.
func (s *TaskService) Update(ctx context.Context, id string, patch TaskPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	tasks, err := s.store.Table(remote.TableTasks)
	if err != nil {
		return err
	}
	if err := tasks.Update(ctx, id, patch.row()); err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return nil
}

// SetLabels replaces the task's label links with labelIDs.
func (s *TaskService) SetLabels(ctx context.Context, taskID, userID string, labelIDs []string) error {
	links, err := s.store.Table(remote.TableTaskLabels)
	if err != nil {
		return err
	}
	if err := links.Delete(ctx, remote.Filter{"task_id": taskID}); err != nil {
		return fmt.Errorf("failed to clear labels for task %s: %w", taskID, err)
	}
	if len(labelIDs) == 0 {
		return nil
	}
	if err := links.Insert(ctx, LinkRows(taskID, userID, labelIDs)...); err != nil {
		return fmt.Errorf("failed to set labels for task %s: %w", taskID, err)
	}
	return nil
}

// Delete removes a task and its label links. Deleting a missing task is
// not an error.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	return s.DeleteMany(ctx, []string{id})
}

// DeleteMany removes several tasks with one delete per table.
func (s *TaskService) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tasks, links, err := s.tables()
	if err != nil {
		return err
	}
	if err := links.Delete(ctx, remote.Filter{"task_id": ids}); err != nil {
		return fmt.Errorf("failed to delete task labels: %w", err)
	}
	if err := tasks.Delete(ctx, remote.Filter{"id": ids}); err != nil {
		return fmt.Errorf("failed to delete tasks: %w", err)
	}
	return nil
}

// Upsert writes task wholesale, overwriting any remote copy, and replaces
// its label links.
func (s *TaskService) Upsert(ctx context.Context, task schema.Task) error {
	tasks, err := s.store.Table(remote.TableTasks)
	if err != nil {
		return err
	}
	if err := tasks.Upsert(ctx, TaskRow(task)); err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}
	return s.SetLabels(ctx, task.ID, task.UserID, task.Labels)
}

// List returns every task owned by userID, newest first. Rows that fail to
// decode are skipped and reported in the returned count.
func (s *TaskService) List(ctx context.Context, userID string) ([]schema.Task, int, error) {
	tasks, links, err := s.tables()
	if err != nil {
		return nil, 0, err
	}

	where := remote.Filter{}
	if userID != "" {
		where["user_id"] = userID
	}

	taskRows, err := tasks.Select(ctx, remote.Query{
		Where:   where,
		OrderBy: []remote.Order{{Column: "created_at", Desc: true}, {Column: "id"}},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to select tasks: %w", err)
	}

	linkRows, err := links.Select(ctx, remote.Query{
		Where:   where,
		OrderBy: []remote.Order{{Column: "task_id"}, {Column: "position"}},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to select task labels: %w", err)
	}
	byTask := make(map[string][]string)
	for _, row := range linkRows {
		id := row.String("task_id")
		byTask[id] = append(byTask[id], row.String("label_id"))
	}

	out := make([]schema.Task, 0, len(taskRows))
	skipped := 0
	for _, row := range taskRows {
		task, err := ParseTaskRow(row, byTask[row.String("id")])
		if err != nil {
			skipped++
			continue
		}
		out = append(out, task)
	}
	return out, skipped, nil
}
