package remote

import (
	"fmt"
	"strings"
)

// ColumnKind is the storage type of a column.
type ColumnKind int

const (
	// KindText is a non-null string column.
	KindText ColumnKind = iota
	// KindNullText is a nullable string column.
	KindNullText
	// KindBool is a boolean column.
	KindBool
	// KindInt is an integer column.
	KindInt
)

// String returns a human-readable representation of the kind.
func (k ColumnKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNullText:
		return "nulltext"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	default:
		return "unknown"
	}
}

// Column describes one column of a table.
type Column struct {
	Name string
	Kind ColumnKind
}

// TableDef describes the shape of a remote table.
type TableDef struct {
	Name    string
	Key     []string // primary key columns
	Columns []Column
}

var definitions = []TableDef{
	{
		Name: TableTasks,
		Key:  []string{"id"},
		Columns: []Column{
			{"id", KindText},
			{"title", KindText},
			{"completed", KindBool},
			{"due_date", KindNullText},
			{"created_at", KindText},
			{"user_id", KindText},
		},
	},
	{
		Name: TableLabels,
		Key:  []string{"id"},
		Columns: []Column{
			{"id", KindText},
			{"name", KindText},
			{"color", KindText},
			{"user_id", KindText},
		},
	},
	{
		Name: TableTaskLabels,
		Key:  []string{"task_id", "label_id"},
		Columns: []Column{
			{"task_id", KindText},
			{"label_id", KindText},
			{"user_id", KindText},
			{"position", KindInt},
		},
	},
}

// Definitions returns every table todosync stores remotely.
func Definitions() []TableDef {
	out := make([]TableDef, len(definitions))
	copy(out, definitions)
	return out
}

// Definition looks up a table by name.
func Definition(name string) (TableDef, error) {
	for _, def := range definitions {
		if def.Name == name {
			return def, nil
		}
	}
	return TableDef{}, fmt.Errorf("%w: %s", ErrUnknownTable, name)
}

// Column returns the column with the given name.
func (d TableDef) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the table's column names in declaration order.
func (d TableDef) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// CheckRow verifies every column in row exists. When full is set, every
// non-nullable column must be present as well.
func (d TableDef) CheckRow(row Row, full bool) error {
	for col := range row {
		if _, ok := d.Column(col); !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, d.Name, col)
		}
	}
	if !full {
		return nil
	}
	for _, c := range d.Columns {
		if _, ok := row[c.Name]; !ok && c.Kind != KindNullText {
			return fmt.Errorf("missing column %s.%s", d.Name, c.Name)
		}
	}
	return nil
}

// CheckFilter verifies every filter column exists.
func (d TableDef) CheckFilter(f Filter) error {
	for col := range f {
		if _, ok := d.Column(col); !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, d.Name, col)
		}
	}
	return nil
}

// CheckQuery verifies the filter and ordering columns exist.
func (d TableDef) CheckQuery(q Query) error {
	if err := d.CheckFilter(q.Where); err != nil {
		return err
	}
	for _, o := range q.OrderBy {
		if _, ok := d.Column(o.Column); !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, d.Name, o.Column)
		}
	}
	return nil
}

// KeyOf returns the primary key of row as a single string.
func (d TableDef) KeyOf(row Row) string {
	parts := make([]string, len(d.Key))
	for i, k := range d.Key {
		parts[i] = fmt.Sprint(row[k])
	}
	return strings.Join(parts, "\x00")
}
