package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/todosync/internal/remote"
	"github.com/steveyegge/todosync/internal/remote/memstore"
	"github.com/steveyegge/todosync/internal/schema"
	"github.com/steveyegge/todosync/internal/session"
)

func TestRemoteFailure_KeepsChangeAndMarksDirty(t *testing.T) {
	s, rs, rec := newTestStore(t)
	ctx := context.Background()

	rs.FailNext(remote.TableTasks, memstore.OpInsert, nil)
	task, err := s.Tasks.AddTask(ctx, "offline write", nil)
	if !IsKind(err, KindRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if !errors.Is(err, remote.ErrUnavailable) {
		t.Errorf("remote error should wrap the cause, got %v", err)
	}
	if _, ok := s.Tasks.Task(task.ID); !ok {
		t.Error("optimistic task was dropped")
	}
	if dirty, _ := s.Dirty(); !reflect.DeepEqual(dirty, []string{task.ID}) {
		t.Errorf("dirty tasks = %v, want [%s]", dirty, task.ID)
	}
	if len(rec.Failures()) != 1 {
		t.Errorf("expected one failure notification, got %v", rec.Messages())
	}

	res, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Pushed != 1 || res.Failed != 0 {
		t.Errorf("Reconcile = %+v", res)
	}
	if rows := rs.Rows(remote.TableTasks); len(rows) != 1 || rows[0].String("id") != task.ID {
		t.Errorf("remote tasks after reconcile = %v", rows)
	}
	if dirty, _ := s.Dirty(); len(dirty) != 0 {
		t.Errorf("still dirty after reconcile: %v", dirty)
	}
}

func TestRemoteFailure_Revert(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()
	task := mustAddTask(t, s, "revert me")

	rs.FailNext(remote.TableTasks, memstore.OpUpdate, nil)
	_, err := s.Tasks.ToggleTask(ctx, task.ID)

	var se *Error
	if !errors.As(err, &se) || se.Kind != KindRemote {
		t.Fatalf("expected *Error of kind remote, got %v", err)
	}
	if got, _ := s.Tasks.Task(task.ID); !got.Completed {
		t.Fatal("optimistic toggle not applied")
	}
	if !se.Revertible() {
		t.Fatal("remote error should be revertible")
	}
	if !se.Revert() {
		t.Fatal("Revert() reported nothing restored")
	}
	if got, _ := s.Tasks.Task(task.ID); got.Completed {
		t.Error("Revert did not restore completed=false")
	}
	if dirty, _ := s.Dirty(); len(dirty) != 0 {
		t.Errorf("Revert left dirty marks: %v", dirty)
	}
	if se.Revert() {
		t.Error("second Revert should be a no-op")
	}
}

func TestRemoteFailure_RevertDelete(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()
	mustAddTask(t, s, "a")
	b := mustAddTask(t, s, "b")
	mustAddTask(t, s, "c")

	rs.FailNext(remote.TableTaskLabels, memstore.OpDelete, nil)
	err := s.Tasks.DeleteTask(ctx, b.ID)
	if !IsKind(err, KindRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if _, ok := s.Tasks.Task(b.ID); ok {
		t.Fatal("task should be removed locally")
	}
	if dirty, _ := s.Dirty(); !reflect.DeepEqual(dirty, []string{b.ID}) {
		t.Errorf("dirty = %v", dirty)
	}

	var se *Error
	errors.As(err, &se)
	if !se.Revert() {
		t.Fatal("Revert failed")
	}
	if got := titles(s.Tasks.Tasks()); !reflect.DeepEqual(got, []string{"c", "b", "a"}) {
		t.Errorf("after revert tasks = %v", got)
	}
}

func TestRemoteFailure_ReconcileDeletes(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()
	task := mustAddTask(t, s, "gone")

	rs.FailNext(remote.TableTasks, memstore.OpDelete, nil)
	if err := s.Tasks.DeleteTask(ctx, task.ID); !IsKind(err, KindRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if len(rs.Rows(remote.TableTasks)) != 1 {
		t.Fatal("remote row should still exist")
	}

	res, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("Reconcile = %+v, want 1 delete", res)
	}
	if len(rs.Rows(remote.TableTasks)) != 0 {
		t.Error("remote row survived reconcile")
	}
}

func TestRemoteFailure_DeleteLabelRevert(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()
	l := mustAddLabel(t, s, "Bug", "#F59E0B")
	task := mustAddTask(t, s, "fix", l.ID)
	if err := s.Labels.SetLabelFilter(l.ID); err != nil {
		t.Fatal(err)
	}

	rs.FailNext(remote.TableLabels, memstore.OpDelete, nil)
	err := s.Labels.DeleteLabel(ctx, l.ID)
	if !IsKind(err, KindRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if got, _ := s.Tasks.Task(task.ID); got.HasLabel(l.ID) {
		t.Error("local cascade not applied")
	}

	var se *Error
	errors.As(err, &se)
	if !se.Revert() {
		t.Fatal("Revert failed")
	}
	if _, ok := s.Labels.Label(l.ID); !ok {
		t.Error("label not restored")
	}
	if got, _ := s.Tasks.Task(task.ID); !got.HasLabel(l.ID) {
		t.Error("task label not restored")
	}
	if s.Labels.LabelFilter() != l.ID {
		t.Error("label filter not restored")
	}
}

func TestRemoteFailure_ClearCompletedStaysDirtyUntilRecovered(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		task := mustAddTask(t, s, fmt.Sprintf("task %d", i))
		if _, err := s.Tasks.ToggleTask(ctx, task.ID); err != nil {
			t.Fatal(err)
		}
	}

	rs.SetUnavailable(true)
	n, err := s.Tasks.ClearCompleted(ctx)
	if !IsKind(err, KindRemote) || n != 3 {
		t.Fatalf("ClearCompleted = (%d, %v)", n, err)
	}
	if dirty, _ := s.Dirty(); len(dirty) != 3 {
		t.Errorf("dirty = %v, want 3 ids", dirty)
	}

	res, err := s.Reconcile(ctx)
	if err == nil || res.Failed != 3 {
		t.Errorf("Reconcile while down = (%+v, %v)", res, err)
	}
	if dirty, _ := s.Dirty(); len(dirty) != 3 {
		t.Errorf("failed reconcile cleared dirty marks: %v", dirty)
	}

	rs.SetUnavailable(false)
	res, err = s.Reconcile(ctx)
	if err != nil || res.Deleted != 3 {
		t.Errorf("Reconcile after recovery = (%+v, %v)", res, err)
	}
	if len(rs.Rows(remote.TableTasks)) != 0 {
		t.Error("remote tasks survived")
	}
}

func TestReconcile_LabelsBeforeTasks(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()

	rs.SetUnavailable(true)
	l, err := s.Labels.AddLabel(ctx, "Later", "")
	if !IsKind(err, KindRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if _, err := s.Tasks.AddTask(ctx, "queued", nil, l.ID); !IsKind(err, KindRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	rs.SetUnavailable(false)

	res, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Pushed != 2 {
		t.Errorf("Reconcile = %+v, want 2 pushed", res)
	}
	if len(rs.Rows(remote.TableLabels)) != 1 || len(rs.Rows(remote.TableTaskLabels)) != 1 {
		t.Error("reconcile did not write label and link")
	}

	if res, err := s.Reconcile(ctx); err != nil || res != (ReconcileResult{}) {
		t.Errorf("idle Reconcile = (%+v, %v)", res, err)
	}
}

func TestCancelledContext_IsRemoteFailure(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task, err := s.Tasks.AddTask(ctx, "cancelled", nil)
	if !IsKind(err, KindRemote) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected remote error wrapping context.Canceled, got %v", err)
	}
	if _, ok := s.Tasks.Task(task.ID); !ok {
		t.Error("optimistic task dropped on cancellation")
	}
}

func TestClosedStore(t *testing.T) {
	s, rs, rec := newTestStore(t)
	ctx := context.Background()
	task := mustAddTask(t, s, "before close")
	rec.Reset()

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !s.Closed() {
		t.Error("Closed() = false")
	}

	checks := map[string]error{}
	_, checks["add"] = s.Tasks.AddTask(ctx, "after close", nil)
	_, checks["toggle"] = s.Tasks.ToggleTask(ctx, task.ID)
	checks["delete"] = s.Tasks.DeleteTask(ctx, task.ID)
	_, checks["clear"] = s.Tasks.ClearCompleted(ctx)
	_, checks["label"] = s.Labels.AddLabel(ctx, "x", "")
	checks["filter"] = s.Tasks.SetFilter(schema.StatusActive)
	_, checks["reconcile"] = s.Reconcile(ctx)
	for name, err := range checks {
		if !IsKind(err, KindClosed) || !errors.Is(err, ErrClosed) {
			t.Errorf("%s: expected closed error, got %v", name, err)
		}
	}

	if got := s.Tasks.Tasks(); len(got) != 1 || got[0].Completed {
		t.Errorf("state changed after close: %+v", got)
	}
	if calls := rs.Calls(remote.TableTasks, memstore.OpUpdate); calls != 0 {
		t.Errorf("remote called after close: %d updates", calls)
	}
	if len(rec.Messages()) != 0 {
		t.Errorf("notifications after close: %v", rec.Messages())
	}
}

func TestPlaceholderUserID(t *testing.T) {
	rs := memstore.New()
	s := New(rs, Options{Session: session.Anonymous(), Logger: log.New(io.Discard, "", 0)})
	defer s.Close()

	a := mustAddTask(t, s, "one")
	b := mustAddTask(t, s, "two")
	if a.UserID == "" || a.UserID != b.UserID {
		t.Errorf("placeholder ids differ or empty: %q, %q", a.UserID, b.UserID)
	}
	if s.UserID() != a.UserID {
		t.Errorf("UserID() = %q, want %q", s.UserID(), a.UserID)
	}

	other := New(rs, Options{Session: session.Anonymous(), Logger: log.New(io.Discard, "", 0)})
	defer other.Close()
	if other.UserID() == s.UserID() {
		t.Error("placeholder should be per store")
	}
}

func TestConcurrentAdds(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Tasks.AddTask(ctx, fmt.Sprintf("task %d", i), nil); err != nil {
				t.Errorf("AddTask failed: %v", err)
			}
			_ = s.Tasks.FilteredTasks()
		}(i)
	}
	wg.Wait()

	tasks := s.Tasks.Tasks()
	if len(tasks) != n {
		t.Fatalf("got %d tasks, want %d", len(tasks), n)
	}
	seen := make(map[string]bool)
	for _, task := range tasks {
		if seen[task.ID] {
			t.Errorf("duplicate id %s", task.ID)
		}
		seen[task.ID] = true
	}
	if len(rs.Rows(remote.TableTasks)) != n {
		t.Errorf("remote has %d rows, want %d", len(rs.Rows(remote.TableTasks)), n)
	}
}

func TestObserverEvents(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []Event
	)
	s.Subscribe(ObserverFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}))

	task := mustAddTask(t, s, "observed")
	rs.FailNext(remote.TableTasks, memstore.OpUpdate, nil)
	_, _ = s.Tasks.ToggleTask(ctx, task.ID)
	if err := s.Tasks.DeleteTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []EventType{TaskAdded, TaskUpdated, TaskDeleted}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	if events[0].Dirty || !events[1].Dirty {
		t.Errorf("dirty flags = %v, %v", events[0].Dirty, events[1].Dirty)
	}
	if events[1].Task == nil || !events[1].Task.Completed {
		t.Error("update event should carry the updated task")
	}
}

func TestReplace(t *testing.T) {
	s, _, _ := newTestStore(t)
	l := mustAddLabel(t, s, "Old", "")
	if err := s.Labels.SetLabelFilter(l.ID); err != nil {
		t.Fatal(err)
	}
	mustAddTask(t, s, "synced")

	pulled := schema.NewTask("from remote", "u1", nil, nil)
	s.ReplaceTasks([]schema.Task{pulled})
	s.ReplaceLabels([]schema.Label{schema.NewLabel("New", "")})

	if got := titles(s.Tasks.Tasks()); !reflect.DeepEqual(got, []string{"from remote"}) {
		t.Errorf("tasks = %v", got)
	}
	if s.Labels.LabelFilter() != "" {
		t.Error("stale label filter survived replace")
	}
	if labels := s.Labels.Labels(); len(labels) != 1 || labels[0].Name != "New" {
		t.Errorf("labels = %+v", labels)
	}
}

func TestReplace_KeepsDirtyEntities(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()
	edited := mustAddTask(t, s, "edited offline")
	doomed := mustAddTask(t, s, "deleted offline")
	label := mustAddLabel(t, s, "Work", "")

	rs.SetUnavailable(true)
	offline, _ := s.Tasks.AddTask(ctx, "added offline", nil)
	_, _ = s.Tasks.ToggleTask(ctx, edited.ID)
	_ = s.Tasks.DeleteTask(ctx, doomed.ID)
	_, _ = s.Labels.UpdateLabel(ctx, label.ID, "Work!", "")
	rs.SetUnavailable(false)

	// the pull still has the old versions of everything
	other := schema.NewTask("someone else's edit", "u1", nil, nil)
	staleLabel := label
	s.ReplaceTasks([]schema.Task{other, edited, doomed})
	s.ReplaceLabels([]schema.Label{staleLabel})

	if got := titles(s.Tasks.Tasks()); !reflect.DeepEqual(got, []string{"someone else's edit", "added offline", "edited offline"}) {
		t.Errorf("tasks = %v", got)
	}
	if got, _ := s.Tasks.Task(edited.ID); !got.Completed {
		t.Error("offline toggle was overwritten by the pull")
	}
	if _, ok := s.Tasks.Task(doomed.ID); ok {
		t.Error("task deleted offline came back")
	}
	if got, _ := s.Labels.Label(label.ID); got.Name != "Work!" {
		t.Errorf("label = %+v, want the offline rename", got)
	}

	dirtyTasks, dirtyLabels := s.Dirty()
	sort.Strings(dirtyTasks)
	want := []string{offline.ID, edited.ID, doomed.ID}
	sort.Strings(want)
	if !reflect.DeepEqual(dirtyTasks, want) || !reflect.DeepEqual(dirtyLabels, []string{label.ID}) {
		t.Errorf("dirty = %v %v, want %v [%s]", dirtyTasks, dirtyLabels, want, label.ID)
	}

	if _, err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if rows := rs.Rows(remote.TableTasks); len(rows) != 2 {
		t.Errorf("remote tasks after reconcile = %v", rows)
	}
}

func TestRevert_RefusedAfterLaterChange(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()
	task := mustAddTask(t, s, "toggle then edit")

	rs.FailNext(remote.TableTasks, memstore.OpUpdate, nil)
	_, toggleErr := s.Tasks.ToggleTask(ctx, task.ID)
	var se *Error
	if !errors.As(toggleErr, &se) {
		t.Fatalf("expected *Error, got %v", toggleErr)
	}

	due := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	if _, err := s.Tasks.UpdateTaskDueDate(ctx, task.ID, &due); err != nil {
		t.Fatalf("UpdateTaskDueDate failed: %v", err)
	}

	if se.Revert() {
		t.Fatal("Revert restored a task that changed after the failure")
	}
	got, _ := s.Tasks.Task(task.ID)
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Errorf("due date lost: %v", got.DueDate)
	}
	if !got.Completed {
		t.Error("toggle undone")
	}
	if dirty, _ := s.Dirty(); !reflect.DeepEqual(dirty, []string{task.ID}) {
		t.Errorf("dirty = %v, want the unsynced toggle marked", dirty)
	}
}

func TestRevert_RefusedAfterReconcile(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()

	rs.FailNext(remote.TableTasks, memstore.OpInsert, nil)
	task, addErr := s.Tasks.AddTask(ctx, "pushed later", nil)
	var se *Error
	if !errors.As(addErr, &se) {
		t.Fatalf("expected *Error, got %v", addErr)
	}
	if _, err := s.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	if se.Revert() {
		t.Fatal("Revert removed a task Reconcile already pushed")
	}
	if _, ok := s.Tasks.Task(task.ID); !ok {
		t.Error("pushed task removed locally")
	}
	if rows := rs.Rows(remote.TableTasks); len(rows) != 1 {
		t.Errorf("remote tasks = %v", rows)
	}
}

func TestRevert_RefusedAfterPull(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()
	label := mustAddLabel(t, s, "Keep", "")

	rs.FailNext(remote.TableLabels, memstore.OpUpdate, nil)
	_, renameErr := s.Labels.UpdateLabel(ctx, label.ID, "Renamed", "")
	var se *Error
	if !errors.As(renameErr, &se) {
		t.Fatalf("expected *Error, got %v", renameErr)
	}
	s.ReplaceLabels([]schema.Label{label})

	if se.Revert() {
		t.Error("Revert applied across a pull")
	}
	if got, _ := s.Labels.Label(label.ID); got.Name != "Renamed" {
		t.Errorf("label = %+v", got)
	}
}

func TestRevert_DeleteLabelRefusedAfterTaskEdit(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()
	label := mustAddLabel(t, s, "Tag", "")
	task := mustAddTask(t, s, "tagged", label.ID)

	rs.FailNext(remote.TableLabels, memstore.OpDelete, nil)
	deleteErr := s.Labels.DeleteLabel(ctx, label.ID)
	var se *Error
	if !errors.As(deleteErr, &se) {
		t.Fatalf("expected *Error, got %v", deleteErr)
	}
	if _, err := s.Tasks.ToggleTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	if se.Revert() {
		t.Error("Revert restored labels onto a task edited since")
	}
	if _, ok := s.Labels.Label(label.ID); ok {
		t.Error("label came back")
	}
}

// recordingJournal keeps every pending set it is handed
type recordingJournal struct {
	mu    sync.Mutex
	saves []Pending
}

func (j *recordingJournal) Save(p Pending) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saves = append(j.saves, p)
	return nil
}

func (j *recordingJournal) last() Pending {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.saves) == 0 {
		return Pending{}
	}
	return j.saves[len(j.saves)-1]
}

func TestJournal_SeesPendingChanges(t *testing.T) {
	rs := memstore.New()
	j := &recordingJournal{}
	s := New(rs, Options{
		Session: session.Static("u1"),
		Logger:  log.New(io.Discard, "", 0),
		Journal: j,
	})
	defer s.Close()
	ctx := context.Background()
	kept := mustAddTask(t, s, "kept")

	rs.SetUnavailable(true)
	added, _ := s.Tasks.AddTask(ctx, "offline", nil)
	_ = s.Tasks.DeleteTask(ctx, kept.ID)
	rs.SetUnavailable(false)

	p := j.last()
	if p.UserID != "u1" || len(p.Tasks) != 1 || p.Tasks[0].ID != added.ID {
		t.Errorf("pending tasks = %+v", p)
	}
	if !reflect.DeepEqual(p.DeletedTasks, []string{kept.ID}) {
		t.Errorf("pending deletions = %v", p.DeletedTasks)
	}

	if _, err := s.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if p := j.last(); p.Len() != 0 {
		t.Errorf("pending after reconcile = %+v", p)
	}
}

func TestRestore(t *testing.T) {
	s, rs, _ := newTestStore(t)
	ctx := context.Background()
	synced := mustAddTask(t, s, "synced")
	label := schema.NewLabel("Errands", "")
	offline := schema.NewTask("written by an earlier run", "u1", nil, []string{label.ID})

	err := s.Restore(Pending{
		UserID:       "u1",
		Tasks:        []schema.Task{offline},
		Labels:       []schema.Label{label},
		DeletedTasks: []string{synced.ID},
	})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if got := titles(s.Tasks.Tasks()); !reflect.DeepEqual(got, []string{"written by an earlier run"}) {
		t.Errorf("tasks = %v", got)
	}
	if p := s.Pending(); p.Len() != 3 {
		t.Errorf("pending = %+v", p)
	}

	res, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Pushed != 2 || res.Deleted != 1 {
		t.Errorf("Reconcile = %+v", res)
	}
	rows := rs.Rows(remote.TableTasks)
	if len(rows) != 1 || rows[0].String("id") != offline.ID {
		t.Errorf("remote tasks = %v", rows)
	}
}

func TestRestore_OtherUser(t *testing.T) {
	s, _, _ := newTestStore(t)
	err := s.Restore(Pending{UserID: "someone-else", Tasks: []schema.Task{schema.NewTask("x", "someone-else", nil, nil)}})
	if !IsKind(err, KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(s.Tasks.Tasks()) != 0 {
		t.Error("another user's changes were applied")
	}
}
