// Package journal keeps a store's pending changes on disk so changes that
// failed to reach the remote store outlive the process that made them.
//
// Each pending entity is one JSON file under <root>/<user id>/:
//
//	task-<id>.json    a task with unsynced changes, or its deletion
//	label-<id>.json   a label with unsynced changes, or its deletion
//
// Several td processes may share a journal directory. A Dir only removes
// files it loaded or wrote itself, and only while their contents are
// unchanged, so one process pushing its changes does not drop changes
// another process recorded in the meantime.
package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/steveyegge/todosync/internal/schema"
	"github.com/steveyegge/todosync/internal/store"
)

const (
	kindTask  = "task"
	kindLabel = "label"
)

// entry is the contents of one journal file.
type entry struct {
	Kind    string        `json:"kind"`
	ID      string        `json:"id"`
	Deleted bool          `json:"deleted,omitempty"`
	Task    *schema.Task  `json:"task,omitempty"`
	Label   *schema.Label `json:"label,omitempty"`
}

func (e *entry) validate() error {
	if e.ID == "" {
		return errors.New("entry has no id")
	}
	switch e.Kind {
	case kindTask:
		if !e.Deleted && (e.Task == nil || e.Task.ID != e.ID) {
			return fmt.Errorf("task entry %s has no matching task", e.ID)
		}
	case kindLabel:
		if !e.Deleted && (e.Label == nil || e.Label.ID != e.ID) {
			return fmt.Errorf("label entry %s has no matching label", e.ID)
		}
	default:
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	return nil
}

func fileName(kind, id string) string {
	return kind + "-" + url.PathEscape(id) + ".json"
}

// Dir is the journal of one user. It implements store.Journal.
type Dir struct {
	userID string
	path   string
	logger *log.Logger

	mu sync.Mutex
	// known maps file names to the contents this Dir last loaded or wrote.
	known map[string][]byte
}

var _ store.Journal = (*Dir)(nil)

// Open returns the journal of userID under root. Nothing is read or
// created until Load or Save. A nil logger logs to stderr.
func Open(root, userID string, logger *log.Logger) *Dir {
	if logger == nil {
		logger = log.New(os.Stderr, "[journal] ", log.LstdFlags)
	}
	return &Dir{
		userID: userID,
		path:   filepath.Join(root, url.PathEscape(userID)),
		logger: logger,
		known:  make(map[string][]byte),
	}
}

// Path returns the directory holding the user's journal files.
func (d *Dir) Path() string {
	return d.path
}

// Load reads every journal file. A missing directory is an empty journal.
// Unreadable files are skipped with a warning.
func (d *Dir) Load() (store.Pending, error) {
	p := store.Pending{UserID: d.userID}

	entries, err := os.ReadDir(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.mu.Lock()
			d.known = make(map[string][]byte)
			d.mu.Unlock()
			return p, nil
		}
		return p, fmt.Errorf("failed to read journal directory: %w", err)
	}

	known := make(map[string][]byte)
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(d.path, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // removed by another process
			}
			return store.Pending{UserID: d.userID}, fmt.Errorf("failed to read journal file %s: %w", path, err)
		}
		var e entry
		if err := json.Unmarshal(data, &e); err != nil {
			d.logger.Printf("Warning: skipping invalid journal file %s: %v", de.Name(), err)
			continue
		}
		if err := e.validate(); err != nil {
			d.logger.Printf("Warning: skipping invalid journal file %s: %v", de.Name(), err)
			continue
		}
		known[de.Name()] = data

		switch {
		case e.Kind == kindTask && e.Deleted:
			p.DeletedTasks = append(p.DeletedTasks, e.ID)
		case e.Kind == kindTask:
			p.Tasks = append(p.Tasks, *e.Task)
		case e.Deleted:
			p.DeletedLabels = append(p.DeletedLabels, e.ID)
		default:
			p.Labels = append(p.Labels, *e.Label)
		}
	}

	d.mu.Lock()
	d.known = known
	d.mu.Unlock()
	return p, nil
}

// Save writes the files of p that changed and removes the files of
// entities no longer pending. Files this Dir has never seen are left
// alone.
func (d *Dir) Save(p store.Pending) error {
	want, err := encode(p)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, name := range sortedNames(want) {
		data := want[name]
		if bytes.Equal(d.known[name], data) {
			continue
		}
		if err := d.write(name, data); err != nil {
			errs = append(errs, err)
			continue
		}
		d.known[name] = data
	}

	for name, data := range d.known {
		if _, ok := want[name]; ok {
			continue
		}
		delete(d.known, name)
		path := filepath.Join(d.path, name)
		current, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("failed to read journal file %s: %w", path, err))
			}
			continue
		}
		if !bytes.Equal(current, data) {
			continue // rewritten by another process
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove journal file %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// write replaces one journal file atomically. Callers hold d.mu.
func (d *Dir) write(name string, data []byte) error {
	if err := os.MkdirAll(d.path, 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	path := filepath.Join(d.path, name)
	tmp, err := os.CreateTemp(d.path, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create journal file %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write journal file %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write journal file %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write journal file %s: %w", path, err)
	}
	return nil
}

// encode maps file names to contents for every pending entity.
func encode(p store.Pending) (map[string][]byte, error) {
	entries := make([]entry, 0, p.Len())
	for i := range p.Tasks {
		t := p.Tasks[i].Clone()
		entries = append(entries, entry{Kind: kindTask, ID: t.ID, Task: &t})
	}
	for _, id := range p.DeletedTasks {
		entries = append(entries, entry{Kind: kindTask, ID: id, Deleted: true})
	}
	for i := range p.Labels {
		l := p.Labels[i]
		entries = append(entries, entry{Kind: kindLabel, ID: l.ID, Label: &l})
	}
	for _, id := range p.DeletedLabels {
		entries = append(entries, entry{Kind: kindLabel, ID: id, Deleted: true})
	}

	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		data, err := json.MarshalIndent(e, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s %s: %w", e.Kind, e.ID, err)
		}
		out[fileName(e.Kind, e.ID)] = data
	}
	return out, nil
}

func sortedNames(m map[string][]byte) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
