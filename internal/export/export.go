// Package export reads and writes snapshots of a user's tasks and labels
// as JSON, YAML or TOML, and imports them into a remote store.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/todosync/internal/remote"
	"github.com/steveyegge/todosync/internal/schema"
	"github.com/steveyegge/todosync/internal/service"
)

// Version is the snapshot format version written by Encode.
const Version = 1

// Format names a snapshot encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ErrUnknownFormat is returned for unsupported formats and file extensions.
var ErrUnknownFormat = errors.New("unknown snapshot format")

// ParseFormat accepts json, yaml, yml and toml, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %s has no extension", ErrUnknownFormat, path)
	}
	return ParseFormat(ext)
}

// Snapshot is the exported state of one user.
type Snapshot struct {
	Version    int            `json:"version" yaml:"version" toml:"version"`
	ExportedAt time.Time      `json:"exported_at" yaml:"exported_at" toml:"exported_at"`
	UserID     string         `json:"user_id" yaml:"user_id" toml:"user_id"`
	Labels     []schema.Label `json:"labels" yaml:"labels" toml:"labels"`
	Tasks      []schema.Task  `json:"tasks" yaml:"tasks" toml:"tasks"`
}

// New builds a snapshot of tasks and labels. The slices are copied.
func New(userID string, tasks []schema.Task, labels []schema.Label) *Snapshot {
	snap := &Snapshot{
		Version:    Version,
		ExportedAt: time.Now().UTC().Truncate(time.Second),
		UserID:     userID,
		Labels:     append([]schema.Label{}, labels...),
		Tasks:      make([]schema.Task, len(tasks)),
	}
	for i, t := range tasks {
		snap.Tasks[i] = t.Clone()
	}
	return snap
}

// Encode writes snap to w.
func Encode(w io.Writer, format Format, snap *Snapshot) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("failed to encode JSON snapshot: %w", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("failed to encode YAML snapshot: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to encode YAML snapshot: %w", err)
		}
	case FormatTOML:
		if err := toml.NewEncoder(w).Encode(snap); err != nil {
			return fmt.Errorf("failed to encode TOML snapshot: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return nil
}

// Decode reads a snapshot from r and validates it.
func Decode(r io.Reader, format Format) (*Snapshot, error) {
	var snap Snapshot
	switch format {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&snap); err != nil {
			return nil, fmt.Errorf("invalid JSON snapshot: %w", err)
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&snap); err != nil {
			return nil, fmt.Errorf("invalid YAML snapshot: %w", err)
		}
	case FormatTOML:
		if _, err := toml.NewDecoder(r).Decode(&snap); err != nil {
			return nil, fmt.Errorf("invalid TOML snapshot: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Validate checks the version, every label (after normalization) and every
// task title. Task ids and label ids must be unique.
func (s *Snapshot) Validate() error {
	if s.Version == 0 || s.Version > Version {
		return fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	labels := make(map[string]bool, len(s.Labels))
	for i := range s.Labels {
		l := &s.Labels[i]
		if l.ID == "" {
			return fmt.Errorf("label %d: id is required", i)
		}
		if labels[l.ID] {
			return fmt.Errorf("label %s: duplicate id", l.ID)
		}
		labels[l.ID] = true
		name, color := schema.NormalizeLabel(l.Name, l.Color)
		if err := schema.ValidateLabel(name, color); err != nil {
			return fmt.Errorf("label %s: %w", l.ID, err)
		}
	}
	tasks := make(map[string]bool, len(s.Tasks))
	for i := range s.Tasks {
		t := &s.Tasks[i]
		if t.ID == "" {
			return fmt.Errorf("task %d: id is required", i)
		}
		if tasks[t.ID] {
			return fmt.Errorf("task %s: duplicate id", t.ID)
		}
		tasks[t.ID] = true
		if _, err := schema.ValidateTitle(t.Title); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
	return nil
}

// WriteFile encodes snap to path, choosing the format from the extension.
func WriteFile(path string, snap *Snapshot) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	return WriteFileAs(path, format, snap)
}

// WriteFileAs encodes snap to path in format, replacing the file
// atomically.
func WriteFileAs(path string, format Format, snap *Snapshot) error {
	var buf bytes.Buffer
	if err := Encode(&buf, format, snap); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ReadFile decodes the snapshot at path, choosing the format from the
// extension.
func ReadFile(path string) (*Snapshot, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	return Decode(f, format)
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Labels int
	Tasks  int

	// DroppedLinks counts task label references to labels missing from
	// the snapshot.
	DroppedLinks int
}

// Import upserts every label, then every task, into rs on behalf of
// userID. Existing rows with the same ids are overwritten; nothing is
// deleted. Task ownership is rewritten to userID.
func Import(ctx context.Context, rs remote.Store, snap *Snapshot, userID string) (*ImportResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	labelSvc := service.NewLabelService(rs)
	taskSvc := service.NewTaskService(rs)
	result := &ImportResult{}

	known := make(map[string]bool, len(snap.Labels))
	for _, l := range snap.Labels {
		l.Name, l.Color = schema.NormalizeLabel(l.Name, l.Color)
		if err := labelSvc.Upsert(ctx, l, userID); err != nil {
			return result, fmt.Errorf("failed to import label %s: %w", l.ID, err)
		}
		known[l.ID] = true
		result.Labels++
	}

	for _, t := range snap.Tasks {
		t = t.Clone()
		t.Title, _ = schema.ValidateTitle(t.Title)
		t.UserID = userID
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		kept := make([]string, 0, len(t.Labels))
		for _, id := range schema.NormalizeLabelIDs(t.Labels) {
			if known[id] {
				kept = append(kept, id)
			} else {
				result.DroppedLinks++
			}
		}
		t.Labels = kept
		if err := taskSvc.Upsert(ctx, t); err != nil {
			return result, fmt.Errorf("failed to import task %s: %w", t.ID, err)
		}
		result.Tasks++
	}

	return result, nil
}
