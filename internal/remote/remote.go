// Package remote defines the CRUD contract todosync uses to reach its
// hosted relational store.
//
// The contract is deliberately thin: a Store hands out Tables by name and a
// Table supports select, insert, update, upsert and delete over Rows. Rows
// are keyed by snake_case column names; translating entities to rows is the
// job of internal/service, never of a backend.
//
// Backends:
//   - sqlstore: database/sql over a local SQLite file or a hosted Turso
//     database
//   - memstore: in-process tables with fault injection, used for offline
//     sessions and tests
package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Table names used by todosync.
const (
	TableTasks      = "tasks"
	TableLabels     = "labels"
	TableTaskLabels = "task_labels"
)

var (
	// ErrUnknownTable is returned when a Store has no table with the given name.
	ErrUnknownTable = errors.New("unknown table")

	// ErrUnknownColumn is returned when a row, filter or ordering names a
	// column the table does not have.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("remote store unavailable")
)

// Row is a single remote record keyed by column name. Values are string,
// bool, int64 or nil.
type Row map[string]any

// String returns the string value of column, or "" when absent or not a
// string.
func (r Row) String(column string) string {
	s, _ := r[column].(string)
	return s
}

// Bool returns the boolean value of column. Integer encodings are accepted.
func (r Row) Bool(column string) bool {
	switch v := r[column].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

// Int returns the integer value of column.
func (r Row) Int(column string) int64 {
	switch v := r[column].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// NullString returns the string value of column and whether it was set.
func (r Row) NullString(column string) (string, bool) {
	s, ok := r[column].(string)
	return s, ok
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Filter restricts rows by column equality. A value of type []string
// matches any of its elements (SQL IN). An empty filter matches every row.
type Filter map[string]any

// ByID returns a filter matching the row with the given id.
func ByID(id string) Filter {
	return Filter{"id": id}
}

// Columns returns the filter's column names in sorted order.
func (f Filter) Columns() []string {
	cols := make([]string, 0, len(f))
	for k := range f {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Match reports whether row satisfies the filter.
func (f Filter) Match(row Row) bool {
	for col, want := range f {
		got := row[col]
		switch w := want.(type) {
		case []string:
			s, ok := got.(string)
			if !ok || !contains(w, s) {
				return false
			}
		default:
			if !equal(got, want) {
				return false
			}
		}
	}
	return true
}

// Order names a column to sort by.
type Order struct {
	Column string
	Desc   bool
}

// Query describes a select.
type Query struct {
	Where   Filter
	OrderBy []Order
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// Table is the CRUD contract for a single remote table.
type Table interface {
	// Select returns rows matching q.
	Select(ctx context.Context, q Query) ([]Row, error)

	// Insert adds rows. Inserting a row whose key already exists is an error.
	Insert(ctx context.Context, rows ...Row) error

	// Update sets the columns present in patch on the row with the given id.
	// Updating a missing id is not an error.
	Update(ctx context.Context, id string, patch Row) error

	// Upsert inserts rows or overwrites existing rows with the same key.
	Upsert(ctx context.Context, rows ...Row) error

	// Delete removes every row matching f. Deleting nothing is not an error.
	Delete(ctx context.Context, f Filter) error
}

// Store hands out tables by name.
type Store interface {
	Table(name string) (Table, error)
	Close() error
}

// TableError decorates a backend error with the table and operation.
type TableError struct {
	Table string
	Op    string
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *TableError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err means the backend could not be reached
// (including context cancellation).
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// LessValues orders two column values. Strings compare lexicographically,
// booleans false<true, integers numerically and nil sorts first.
func LessValues(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b != nil
	case string:
		bv, ok := b.(string)
		return ok && av < bv
	case bool:
		bv, ok := b.(bool)
		return ok && !av && bv
	case int64:
		bv, ok := b.(int64)
		return ok && av < bv
	case int:
		bv, ok := b.(int)
		return ok && av < bv
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)) < 0
	}
}

func equal(a, b any) bool {
	switch av := a.(type) {
	case int:
		return equal(int64(av), b)
	}
	switch bv := b.(type) {
	case int:
		return equal(a, int64(bv))
	}
	return a == b
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
