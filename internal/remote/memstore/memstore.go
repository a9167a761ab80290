// Package memstore is an in-process implementation of the remote CRUD
// contract.
//
// It backs offline sessions (no hosted store configured) and gives tests a
// remote whose failures can be scripted: SetUnavailable makes every call
// fail, FailNext fails a single upcoming call on one table.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/todosync/internal/remote"
)

// Op names a table operation for fault injection and call counting.
type Op string

const (
	OpSelect Op = "select"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Store is an in-memory remote.Store.
type Store struct {
	mu          sync.Mutex
	tables      map[string]*table
	unavailable bool
	failures    map[string][]failure // table -> queued failures
	calls       map[string]int       // "table op" -> count
	closed      bool
}

type failure struct {
	op  Op
	err error
}

type table struct {
	store *Store
	def   remote.TableDef
	keys  []string              // insertion order
	rows  map[string]remote.Row // key -> row
}

// New creates an empty store with every todosync table.
func New() *Store {
	s := &Store{
		tables:   make(map[string]*table),
		failures: make(map[string][]failure),
		calls:    make(map[string]int),
	}
	for _, def := range remote.Definitions() {
		s.tables[def.Name] = &table{store: s, def: def, rows: make(map[string]remote.Row)}
	}
	return s
}

// Table implements remote.Store.
func (s *Store) Table(name string) (remote.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", remote.ErrUnknownTable, name)
	}
	return t, nil
}

// Close implements remote.Store. Later calls fail with ErrUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SetUnavailable makes every subsequent call fail (or succeed again).
func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// FailNext queues err to be returned by the next op call on tableName.
// A nil err fails with remote.ErrUnavailable.
func (s *Store) FailNext(tableName string, op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = remote.ErrUnavailable
	}
	s.failures[tableName] = append(s.failures[tableName], failure{op: op, err: err})
}

// Calls returns how many times op was invoked on tableName, including
// failed calls.
func (s *Store) Calls(tableName string, op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[tableName+" "+string(op)]
}

// Rows returns a copy of every row in tableName in insertion order.
func (s *Store) Rows(tableName string) []remote.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tableName]
	if !ok {
		return nil
	}
	out := make([]remote.Row, 0, len(t.keys))
	for _, k := range t.keys {
		out = append(out, t.rows[k].Clone())
	}
	return out
}

// begin records the call and returns any injected failure. Callers hold s.mu.
func (s *Store) begin(ctx context.Context, name string, op Op) error {
	s.calls[name+" "+string(op)]++

	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed || s.unavailable {
		return &remote.TableError{Table: name, Op: string(op), Err: remote.ErrUnavailable}
	}
	queue := s.failures[name]
	for i, f := range queue {
		if f.op == op {
			s.failures[name] = append(queue[:i:i], queue[i+1:]...)
			return &remote.TableError{Table: name, Op: string(op), Err: f.err}
		}
	}
	return nil
}

func (t *table) Select(ctx context.Context, q remote.Query) ([]remote.Row, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx, t.def.Name, OpSelect); err != nil {
		return nil, err
	}
	if err := t.def.CheckQuery(q); err != nil {
		return nil, err
	}

	var out []remote.Row
	for _, k := range t.keys {
		row := t.rows[k]
		if q.Where.Match(row) {
			out = append(out, row.Clone())
		}
	}

	if len(q.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.OrderBy {
				a, b := out[i][o.Column], out[j][o.Column]
				if remote.LessValues(a, b) {
					return !o.Desc
				}
				if remote.LessValues(b, a) {
					return o.Desc
				}
			}
			return false
		})
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (t *table) Insert(ctx context.Context, rows ...remote.Row) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx, t.def.Name, OpInsert); err != nil {
		return err
	}
	// Validate the whole batch before writing any of it.
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if err := t.def.CheckRow(row, true); err != nil {
			return err
		}
		key := t.def.KeyOf(row)
		if _, exists := t.rows[key]; exists || seen[key] {
			return fmt.Errorf("insert %s: duplicate key %q", t.def.Name, key)
		}
		seen[key] = true
	}
	for _, row := range rows {
		t.put(row)
	}
	return nil
}

func (t *table) Update(ctx context.Context, id string, patch remote.Row) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx, t.def.Name, OpUpdate); err != nil {
		return err
	}
	if err := t.def.CheckRow(patch, false); err != nil {
		return err
	}
	for _, k := range t.keys {
		row := t.rows[k]
		if row.String("id") != id {
			continue
		}
		for col, v := range patch {
			if col == "id" {
				continue
			}
			row[col] = v
		}
	}
	return nil
}

func (t *table) Upsert(ctx context.Context, rows ...remote.Row) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx, t.def.Name, OpUpsert); err != nil {
		return err
	}
	for _, row := range rows {
		if err := t.def.CheckRow(row, true); err != nil {
			return err
		}
	}
	for _, row := range rows {
		t.put(row)
	}
	return nil
}

func (t *table) Delete(ctx context.Context, f remote.Filter) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx, t.def.Name, OpDelete); err != nil {
		return err
	}
	if err := t.def.CheckFilter(f); err != nil {
		return err
	}
	kept := t.keys[:0]
	for _, k := range t.keys {
		if f.Match(t.rows[k]) {
			delete(t.rows, k)
			continue
		}
		kept = append(kept, k)
	}
	t.keys = kept
	return nil
}

// put stores a copy of row, replacing any row with the same key in place.
func (t *table) put(row remote.Row) {
	key := t.def.KeyOf(row)
	if _, exists := t.rows[key]; !exists {
		t.keys = append(t.keys, key)
	}
	t.rows[key] = row.Clone()
}
