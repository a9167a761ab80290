package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/steveyegge/todosync/internal/remote"
)

func taskRow(id, title, created string) remote.Row {
	return remote.Row{
		"id":         id,
		"title":      title,
		"completed":  false,
		"due_date":   nil,
		"created_at": created,
		"user_id":    "u1",
	}
}

func mustTable(t *testing.T, s *Store, name string) remote.Table {
	t.Helper()
	tbl, err := s.Table(name)
	if err != nil {
		t.Fatalf("Table(%q) failed: %v", name, err)
	}
	return tbl
}

func TestInsertSelectOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	tasks := mustTable(t, s, remote.TableTasks)

	if err := tasks.Insert(ctx,
		taskRow("a", "first", "2026-01-01"),
		taskRow("b", "second", "2026-01-03"),
		taskRow("c", "third", "2026-01-02"),
	); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	rows, err := tasks.Select(ctx, remote.Query{
		OrderBy: []remote.Order{{Column: "created_at", Desc: true}},
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	var got []string
	for _, r := range rows {
		got = append(got, r.String("id"))
	}
	want := []string{"b", "c", "a"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d = %s, want %s", i, got[i], want[i])
		}
	}

	limited, err := tasks.Select(ctx, remote.Query{Limit: 1})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(limited) != 1 || limited[0].String("id") != "a" {
		t.Errorf("Limit 1 returned %v", limited)
	}
}

func TestInsertDuplicateKeyWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	tasks := mustTable(t, s, remote.TableTasks)

	if err := tasks.Insert(ctx, taskRow("a", "x", "1")); err != nil {
		t.Fatal(err)
	}
	err := tasks.Insert(ctx, taskRow("b", "y", "2"), taskRow("a", "z", "3"))
	if err == nil {
		t.Fatal("expected duplicate key error")
	}
	if n := len(s.Rows(remote.TableTasks)); n != 1 {
		t.Errorf("got %d rows, want 1", n)
	}
}

func TestUpdateUpsertDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	tasks := mustTable(t, s, remote.TableTasks)

	if err := tasks.Insert(ctx, taskRow("a", "x", "1"), taskRow("b", "y", "2")); err != nil {
		t.Fatal(err)
	}
	if err := tasks.Update(ctx, "a", remote.Row{"completed": true}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := tasks.Update(ctx, "missing", remote.Row{"completed": true}); err != nil {
		t.Errorf("Update of missing id should succeed, got %v", err)
	}
	if err := tasks.Upsert(ctx, taskRow("b", "renamed", "2"), taskRow("c", "new", "3")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	rows := s.Rows(remote.TableTasks)
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if !rows[0].Bool("completed") {
		t.Error("update did not apply")
	}
	if rows[1].String("title") != "renamed" {
		t.Errorf("upsert did not replace in place: %v", rows[1])
	}

	if err := tasks.Delete(ctx, remote.Filter{"id": []string{"a", "c"}}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	rows = s.Rows(remote.TableTasks)
	if len(rows) != 1 || rows[0].String("id") != "b" {
		t.Errorf("after delete got %v", rows)
	}
}

func TestCompositeKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	links := mustTable(t, s, remote.TableTaskLabels)

	row := func(task, label string, pos int64) remote.Row {
		return remote.Row{"task_id": task, "label_id": label, "user_id": "u1", "position": pos}
	}
	if err := links.Insert(ctx, row("t1", "l1", 0), row("t1", "l2", 1), row("t2", "l1", 0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := links.Insert(ctx, row("t1", "l1", 5)); err == nil {
		t.Error("expected duplicate (task_id, label_id) to fail")
	}
	if err := links.Delete(ctx, remote.Filter{"label_id": "l1"}); err != nil {
		t.Fatal(err)
	}
	if n := len(s.Rows(remote.TableTaskLabels)); n != 1 {
		t.Errorf("got %d rows, want 1", n)
	}
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New()
	tasks := mustTable(t, s, remote.TableTasks)

	boom := errors.New("boom")
	s.FailNext(remote.TableTasks, OpInsert, boom)

	err := tasks.Insert(ctx, taskRow("a", "x", "1"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	var te *remote.TableError
	if !errors.As(err, &te) || te.Table != remote.TableTasks || te.Op != "insert" {
		t.Errorf("expected TableError for insert tasks, got %#v", err)
	}
	if err := tasks.Insert(ctx, taskRow("a", "x", "1")); err != nil {
		t.Errorf("failure should be consumed, got %v", err)
	}
	if got := s.Calls(remote.TableTasks, OpInsert); got != 2 {
		t.Errorf("Calls = %d, want 2", got)
	}

	s.SetUnavailable(true)
	if _, err := tasks.Select(ctx, remote.Query{}); !remote.IsUnavailable(err) {
		t.Errorf("expected unavailable, got %v", err)
	}
	s.SetUnavailable(false)
	if _, err := tasks.Select(ctx, remote.Query{}); err != nil {
		t.Errorf("expected recovery, got %v", err)
	}

	s.FailNext(remote.TableTasks, OpDelete, nil)
	if err := tasks.Delete(ctx, remote.ByID("a")); !remote.IsUnavailable(err) {
		t.Errorf("nil injected error should mean unavailable, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	s := New()
	tasks := mustTable(t, s, remote.TableTasks)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tasks.Insert(ctx, taskRow("a", "x", "1")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(s.Rows(remote.TableTasks)) != 0 {
		t.Error("cancelled insert wrote a row")
	}
}

func TestUnknownTableAndColumn(t *testing.T) {
	s := New()
	if _, err := s.Table("nope"); !errors.Is(err, remote.ErrUnknownTable) {
		t.Errorf("expected ErrUnknownTable, got %v", err)
	}
	tasks := mustTable(t, s, remote.TableTasks)
	_, err := tasks.Select(context.Background(), remote.Query{Where: remote.Filter{"bogus": 1}})
	if !errors.Is(err, remote.ErrUnknownColumn) {
		t.Errorf("expected ErrUnknownColumn, got %v", err)
	}
}

func TestClose(t *testing.T) {
	s := New()
	tasks := mustTable(t, s, remote.TableTasks)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tasks.Insert(context.Background(), taskRow("a", "x", "1")); !remote.IsUnavailable(err) {
		t.Errorf("expected unavailable after Close, got %v", err)
	}
}
