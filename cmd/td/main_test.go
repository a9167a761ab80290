package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/steveyegge/todosync/internal/config"
	"github.com/steveyegge/todosync/internal/remote"
	"github.com/steveyegge/todosync/internal/remote/sqlstore"
	"github.com/steveyegge/todosync/internal/store"
)

// testEnv isolates config, data and store files in a temp dir
type testEnv struct {
	t   *testing.T
	dsn string

	// wrap, when set, decorates the store of every run
	wrap func(remote.Store) remote.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("NO_COLOR", "1")
	return &testEnv{t: t, dsn: filepath.Join(dir, "td.db")}
}

// run executes td with args against the env's store
func (e *testEnv) run(args ...string) (stdout, stderr string, err error) {
	e.t.Helper()
	var out, errOut bytes.Buffer
	root := newRoot(&cli{v: config.New(), wrapRemote: e.wrap})
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--db=" + e.dsn}, args...))
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, errOut, err := e.run(args...)
	if err != nil {
		e.t.Fatalf("td %s: %v\nstderr: %s", strings.Join(args, " "), err, errOut)
	}
	return out
}

func (e *testEnv) list(args ...string) []listEntry {
	e.t.Helper()
	out := e.mustRun(append([]string{"list", "--json"}, args...)...)
	var entries []listEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		e.t.Fatalf("bad list output: %v\n%s", err, out)
	}
	return entries
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)

	env.mustRun("label", "add", "work", "--color", "#ff0000")
	_, stderr, err := env.run("add", "Write", "report", "--label", "work", "--due", "2030-01-02")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stderr, "Task added successfully") {
		t.Errorf("missing notification, stderr = %q", stderr)
	}
	env.mustRun("add", "Water plants")

	entries := env.list()
	if len(entries) != 2 {
		t.Fatalf("got %d tasks, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Title != "Water plants" || entries[1].Title != "Write report" {
		t.Errorf("order = %q, %q", entries[0].Title, entries[1].Title)
	}
	report := entries[1]
	if len(report.LabelNames) != 1 || report.LabelNames[0] != "work" {
		t.Errorf("label names = %v", report.LabelNames)
	}
	if report.DueDate == nil || report.DueDate.Year() != 2030 {
		t.Errorf("due date = %v", report.DueDate)
	}

	env.mustRun("toggle", report.ID[:8])
	if done := env.list("--status", "completed"); len(done) != 1 || done[0].ID != report.ID {
		t.Errorf("completed = %+v", done)
	}
	if active := env.list("--status", "active"); len(active) != 1 {
		t.Errorf("active = %+v", active)
	}
	if tagged := env.list("--label", "work"); len(tagged) != 1 {
		t.Errorf("label filter = %+v", tagged)
	}

	env.mustRun("due", report.ID, "none")
	if got := env.list("--status", "completed"); got[0].DueDate != nil {
		t.Errorf("due date not cleared: %v", got[0].DueDate)
	}

	env.mustRun("clear-completed")
	if all := env.list(); len(all) != 1 || all[0].Title != "Water plants" {
		t.Errorf("after clear-completed = %+v", all)
	}
}

func TestLabelDeleteCascades(t *testing.T) {
	env := newTestEnv(t)

	env.mustRun("label", "add", "home")
	env.mustRun("add", "Fix sink", "-l", "home")
	env.mustRun("label", "edit", "home", "--name", "house")

	out := env.mustRun("label", "list")
	if !strings.Contains(out, "#house") || !strings.Contains(out, "1 tasks") {
		t.Errorf("label list = %q", out)
	}

	env.mustRun("label", "rm", "house")
	entries := env.list()
	if len(entries) != 1 || len(entries[0].Labels) != 0 {
		t.Errorf("labels not stripped: %+v", entries)
	}
}

func TestTagModes(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("label", "add", "a")
	env.mustRun("label", "add", "b")
	env.mustRun("add", "Task")
	id := env.list()[0].ID

	env.mustRun("tag", id, "a")
	env.mustRun("tag", id, "--add", "b")
	if got := env.list()[0].LabelNames; len(got) != 2 {
		t.Errorf("after --add: %v", got)
	}
	env.mustRun("tag", id, "--remove", "a")
	if got := env.list()[0].LabelNames; len(got) != 1 || got[0] != "b" {
		t.Errorf("after --remove: %v", got)
	}
	env.mustRun("tag", id)
	if got := env.list()[0].Labels; len(got) != 0 {
		t.Errorf("after clearing: %v", got)
	}
}

func TestExportImport(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("label", "add", "work")
	env.mustRun("add", "Keep me", "-l", "work")

	path := filepath.Join(t.TempDir(), "backup.yaml")
	env.mustRun("export", "-o", path)
	id := env.list()[0].ID
	env.mustRun("rm", id)
	if len(env.list()) != 0 {
		t.Fatal("task not deleted")
	}

	out := env.mustRun("import", path)
	if !strings.Contains(out, "Imported 1 tasks and 1 labels") {
		t.Errorf("import output = %q", out)
	}
	entries := env.list()
	if len(entries) != 1 || entries[0].ID != id || len(entries[0].LabelNames) != 1 {
		t.Errorf("after import = %+v", entries)
	}

	stdout := env.mustRun("export", "--format", "toml")
	if !strings.Contains(stdout, "[[tasks]]") {
		t.Errorf("toml export = %q", stdout)
	}
}

func TestErrors(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.run("toggle", "missing")
	if !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("toggle missing: %v", err)
	}
	_, _, err = env.run("add", "x", "--label", "nope")
	if !errors.Is(err, store.ErrLabelNotFound) {
		t.Errorf("add with unknown label: %v", err)
	}
	_, _, err = env.run("add", "x", "--due", "purple elephant")
	if err == nil {
		t.Error("add accepted an unparseable due date")
	}
	_, _, err = env.run("list", "--status", "someday")
	if err == nil {
		t.Error("list accepted an invalid status")
	}
	if len(env.list()) != 0 {
		t.Error("failed commands left tasks behind")
	}
}

func TestStatusConfigVersion(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("add", "one")

	out := env.mustRun("status")
	if !strings.Contains(out, "local SQLite") || !strings.Contains(out, "Tasks: 1 (1 active, 0 completed)") {
		t.Errorf("status = %q", out)
	}

	out = env.mustRun("config", "show")
	if !strings.Contains(out, "dsn: "+env.dsn) {
		t.Errorf("config show = %q", out)
	}

	out = env.mustRun("version")
	if !strings.HasPrefix(out, "td dev") {
		t.Errorf("version = %q", out)
	}
}

func TestAnonymousIDIsStable(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("add", "mine")

	// A second invocation must see the first one's tasks.
	if got := env.list(); len(got) != 1 {
		t.Fatalf("tasks = %+v", got)
	}
	first := env.list()[0].UserID

	// Another user does not.
	if got := env.list("--user", "someone-else"); len(got) != 0 {
		t.Errorf("other user sees %+v", got)
	}
	if first == "" || first == "someone-else" {
		t.Errorf("owner = %q", first)
	}
}

func TestBench(t *testing.T) {
	env := newTestEnv(t)
	out, _, err := env.run("bench", "--clients", "3", "--ops", "5", "--tasks", "2", "--json")
	if err != nil {
		t.Fatalf("bench: %v\n%s", err, out)
	}
	var res struct {
		Clients int `json:"clients"`
		Errors  int `json:"errors"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("bad bench output: %v\n%s", err, out)
	}
	if res.Clients != 3 || res.Errors != 0 {
		t.Errorf("result = %+v", res)
	}
}

var errUnreachable = errors.New("store unreachable")

// writeFailingStore serves reads but fails every write, like a hosted
// store that drops connections mid-session
type writeFailingStore struct {
	remote.Store
}

func (s writeFailingStore) Table(name string) (remote.Table, error) {
	t, err := s.Store.Table(name)
	if err != nil {
		return nil, err
	}
	return writeFailingTable{t}, nil
}

type writeFailingTable struct {
	remote.Table
}

func (writeFailingTable) Insert(context.Context, ...remote.Row) error { return errUnreachable }
func (writeFailingTable) Update(context.Context, string, remote.Row) error { return errUnreachable }
func (writeFailingTable) Upsert(context.Context, ...remote.Row) error { return errUnreachable }
func (writeFailingTable) Delete(context.Context, remote.Filter) error { return errUnreachable }

func remoteTaskCount(t *testing.T, dsn string) int {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), dsn, sqlstore.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	counts, err := db.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return counts[remote.TableTasks]
}

func TestUnsyncedChangesPushedOnNextRun(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("add", "synced")
	first := env.list()[0]

	env.wrap = func(rs remote.Store) remote.Store { return writeFailingStore{rs} }
	_, errOut, err := env.run("add", "written while offline")
	if err != nil {
		t.Fatalf("add with an unreachable store should keep the task: %v", err)
	}
	if !strings.Contains(errOut, "Saved locally") {
		t.Errorf("stderr = %q, want a saved-locally note", errOut)
	}
	env.mustRun("toggle", first.ID[:8])
	if n := remoteTaskCount(t, env.dsn); n != 1 {
		t.Fatalf("remote has %d tasks while offline, want 1", n)
	}

	// still unreachable: the pending task is listed and marked
	entries := env.list()
	if len(entries) != 2 || entries[0].Title != "written while offline" || !entries[0].Dirty {
		t.Fatalf("offline list = %+v", entries)
	}
	if !entries[1].Completed || !entries[1].Dirty {
		t.Errorf("offline toggle = %+v", entries[1])
	}

	env.wrap = nil
	entries = env.list()
	if len(entries) != 2 {
		t.Fatalf("list after recovery = %+v", entries)
	}
	for _, e := range entries {
		if e.Dirty {
			t.Errorf("%q still unsynced after recovery", e.Title)
		}
	}
	if n := remoteTaskCount(t, env.dsn); n != 2 {
		t.Errorf("remote has %d tasks after recovery, want 2", n)
	}
	if !env.list("--status", "completed")[0].Completed {
		t.Error("offline toggle was not pushed")
	}
	pending, err := os.ReadDir(filepath.Join(os.Getenv("XDG_DATA_HOME"), "td", "pending"))
	if err != nil {
		t.Fatal(err)
	}
	for _, userDir := range pending {
		files, _ := os.ReadDir(filepath.Join(os.Getenv("XDG_DATA_HOME"), "td", "pending", userDir.Name()))
		if len(files) != 0 {
			t.Errorf("journal not emptied: %d files for %s", len(files), userDir.Name())
		}
	}
}
