package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxTitleLength is the maximum allowed length for a task title.
const MaxTitleLength = 500

// TimeLayout is the canonical encoding for timestamps crossing the remote
// boundary. It is fixed width so encoded values sort in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	// ErrEmptyTitle is returned when a title is empty after trimming.
	ErrEmptyTitle = errors.New("title is required")

	// ErrTitleTooLong is returned when a title exceeds MaxTitleLength.
	ErrTitleTooLong = errors.New("title too long")
)

// Task is a single to-do item.
type Task struct {
	ID        string     `json:"id" yaml:"id" toml:"id"`
	Title     string     `json:"title" yaml:"title" toml:"title"`
	Completed bool       `json:"completed" yaml:"completed" toml:"completed"`
	DueDate   *time.Time `json:"due_date,omitempty" yaml:"due_date,omitempty" toml:"due_date,omitempty"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at" toml:"created_at"`
	UserID    string     `json:"user_id" yaml:"user_id" toml:"user_id"`

	// Labels holds label ids. Order is kept for display only.
	Labels []string `json:"labels" yaml:"labels" toml:"labels"`
}

// NewID returns a fresh client-side identifier.
func NewID() string {
	return uuid.NewString()
}

// NewTask builds a task with a fresh id, completed=false and CreatedAt=now.
// The title is trimmed and the label set is de-duplicated; no validation is
// performed.
func NewTask(title, userID string, due *time.Time, labels []string) Task {
	return Task{
		ID:        NewID(),
		Title:     strings.TrimSpace(title),
		DueDate:   CloneTime(due),
		CreatedAt: time.Now().UTC(),
		UserID:    userID,
		Labels:    NormalizeLabelIDs(labels),
	}
}

// ValidateTitle trims title and checks it against the title rules.
func ValidateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", ErrEmptyTitle
	}
	if n := utf8.RuneCountInString(title); n > MaxTitleLength {
		return "", fmt.Errorf("%w: must be %d characters or less (got %d)", ErrTitleTooLong, MaxTitleLength, n)
	}
	return title, nil
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if _, err := ValidateTitle(t.Title); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if t.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// HasLabel reports whether the task carries labelID.
func (t *Task) HasLabel(labelID string) bool {
	for _, id := range t.Labels {
		if id == labelID {
			return true
		}
	}
	return false
}

// WithoutLabel returns a copy of the label set with labelID removed and
// whether anything was removed.
func (t *Task) WithoutLabel(labelID string) ([]string, bool) {
	out := make([]string, 0, len(t.Labels))
	removed := false
	for _, id := range t.Labels {
		if id == labelID {
			removed = true
			continue
		}
		out = append(out, id)
	}
	return out, removed
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	t.DueDate = CloneTime(t.DueDate)
	t.Labels = append([]string{}, t.Labels...)
	return t
}

// NormalizeLabelIDs drops empty and duplicate ids, keeping first occurrence
// order. It never returns nil.
func NormalizeLabelIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// CloneTime copies a time pointer.
func CloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// FormatTime encodes t with TimeLayout in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime decodes a timestamp written by FormatTime. RFC 3339 values
// written by other clients are accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
