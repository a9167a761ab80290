package export

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/todosync/internal/remote/memstore"
	"github.com/steveyegge/todosync/internal/schema"
	"github.com/steveyegge/todosync/internal/service"
)

func sampleSnapshot() *Snapshot {
	created := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	due := time.Date(2024, 3, 8, 17, 0, 0, 0, time.UTC)
	labels := []schema.Label{
		{ID: "l-work", Name: "work", Color: "#FF0000"},
		{ID: "l-home", Name: "home", Color: "#00FF00"},
	}
	tasks := []schema.Task{
		{ID: "t-2", Title: "Ship release", DueDate: &due, CreatedAt: created.Add(time.Hour), UserID: "u1", Labels: []string{"l-work"}},
		{ID: "t-1", Title: "Water plants", Completed: true, CreatedAt: created, UserID: "u1", Labels: []string{}},
	}
	return New("u1", tasks, labels)
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"YAML", FormatYAML, false},
		{"yml", FormatYAML, false},
		{" toml ", FormatTOML, false},
		{"csv", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrUnknownFormat) {
			t.Errorf("ParseFormat(%q) error = %v, want ErrUnknownFormat", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := FormatFromPath("backup"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("FormatFromPath without extension: %v", err)
	}
}

func TestEncodeDecodeAllFormats(t *testing.T) {
	snap := sampleSnapshot()
	for _, format := range []Format{FormatJSON, FormatYAML, FormatTOML} {
		t.Run(string(format), func(t *testing.T) {
			var buf bytes.Buffer
			if err := Encode(&buf, format, snap); err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := Decode(&buf, format)
			if err != nil {
				t.Fatalf("Decode() error = %v\n%s", err, buf.String())
			}

			if got.UserID != "u1" || len(got.Tasks) != 2 || len(got.Labels) != 2 {
				t.Fatalf("decoded %+v", got)
			}
			if !got.ExportedAt.Equal(snap.ExportedAt) {
				t.Errorf("ExportedAt = %v, want %v", got.ExportedAt, snap.ExportedAt)
			}
			ship := got.Tasks[0]
			if ship.DueDate == nil || !ship.DueDate.Equal(*snap.Tasks[0].DueDate) {
				t.Errorf("due date = %v", ship.DueDate)
			}
			if len(ship.Labels) != 1 || ship.Labels[0] != "l-work" {
				t.Errorf("labels = %v", ship.Labels)
			}
			if got.Tasks[1].DueDate != nil || !got.Tasks[1].Completed {
				t.Errorf("second task = %+v", got.Tasks[1])
			}
		})
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"version zero", `{"version": 0}`},
		{"future version", `{"version": 99}`},
		{"empty title", `{"version": 1, "tasks": [{"id": "t1", "title": "  "}]}`},
		{"duplicate task", `{"version": 1, "tasks": [{"id": "t1", "title": "a"}, {"id": "t1", "title": "b"}]}`},
		{"bad color", `{"version": 1, "labels": [{"id": "l1", "name": "x", "color": "red"}]}`},
		{"label without id", `{"version": 1, "labels": [{"name": "x"}]}`},
		{"not json", `version = 1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tt.doc), FormatJSON); err == nil {
				t.Error("Decode() succeeded, want error")
			}
		})
	}
}

func TestWriteReadFile(t *testing.T) {
	dir := t.TempDir()
	snap := sampleSnapshot()

	for _, name := range []string{"out.json", "nested/out.yaml", "out.toml"} {
		path := filepath.Join(dir, name)
		if err := WriteFile(path, snap); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
		if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
			t.Errorf("temp file left behind for %s", name)
		}
		got, err := ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile(%s) error = %v", name, err)
		}
		if len(got.Tasks) != 2 {
			t.Errorf("%s: %d tasks", name, len(got.Tasks))
		}
	}

	if err := WriteFile(filepath.Join(dir, "out.csv"), snap); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("WriteFile(.csv) error = %v", err)
	}
	if _, err := ReadFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("ReadFile(missing) succeeded")
	}
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	rs := memstore.New()
	snap := sampleSnapshot()
	snap.Tasks[1].Labels = []string{"l-home", "l-gone"}

	res, err := Import(ctx, rs, snap, "u2")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if res.Labels != 2 || res.Tasks != 2 || res.DroppedLinks != 1 {
		t.Errorf("result = %+v", res)
	}

	tasks, skipped, err := service.NewTaskService(rs).List(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 0 || len(tasks) != 2 {
		t.Fatalf("tasks = %+v, skipped %d", tasks, skipped)
	}
	for _, task := range tasks {
		if task.UserID != "u2" {
			t.Errorf("task %s owned by %s", task.ID, task.UserID)
		}
		if task.ID == "t-1" && (len(task.Labels) != 1 || task.Labels[0] != "l-home") {
			t.Errorf("t-1 labels = %v", task.Labels)
		}
	}

	labels, err := service.NewLabelService(rs).List(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 2 {
		t.Errorf("labels = %+v", labels)
	}

	// Importing twice overwrites instead of duplicating.
	if _, err := Import(ctx, rs, snap, "u2"); err != nil {
		t.Fatalf("second Import() error = %v", err)
	}
	tasks, _, _ = service.NewTaskService(rs).List(ctx, "u2")
	if len(tasks) != 2 {
		t.Errorf("after re-import: %d tasks", len(tasks))
	}
}

func TestImportRemoteFailure(t *testing.T) {
	rs := memstore.New()
	rs.SetUnavailable(true)

	res, err := Import(context.Background(), rs, sampleSnapshot(), "u1")
	if err == nil {
		t.Fatal("Import() succeeded against an unavailable store")
	}
	if res.Labels != 0 {
		t.Errorf("result = %+v", res)
	}
	if _, err := Import(context.Background(), memstore.New(), sampleSnapshot(), ""); err == nil {
		t.Error("Import() accepted an empty user id")
	}
}
