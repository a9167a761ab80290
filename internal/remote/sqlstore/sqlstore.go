// Package sqlstore implements the remote CRUD contract on database/sql.
//
// Two deployments are supported:
//   - a local SQLite file (ncruces/go-sqlite3, WAL mode) for single-machine
//     use and tests
//   - a hosted Turso database reached by a libsql:// or https:// URL
//     (tursodatabase/go-libsql)
//
// Statements are generated from remote.TableDef, so only whitelisted table
// and column names ever reach SQL text; values are always bound parameters.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/todosync/internal/remote"
)

// Options configures Open.
type Options struct {
	// AuthToken is sent to hosted Turso databases. Ignored for local files.
	AuthToken string

	// SkipSchema disables CREATE TABLE IF NOT EXISTS on open.
	SkipSchema bool
}

// DB is a remote.Store backed by a SQL database.
type DB struct {
	conn   *sql.DB
	dsn    string
	hosted bool
}

// IsHosted reports whether dsn names a hosted Turso database rather than a
// local file.
func IsHosted(dsn string) bool {
	return strings.HasPrefix(dsn, "libsql://") ||
		strings.HasPrefix(dsn, "https://") ||
		strings.HasPrefix(dsn, "http://")
}

// Open connects to dsn and makes sure the todosync tables exist.
//
// Example:
//
//	db, err := sqlstore.Open(ctx, "~/.local/share/td/todo.db", sqlstore.Options{})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(ctx context.Context, dsn string, opts Options) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("failed to open store: empty dsn")
	}

	var (
		db  *DB
		err error
	)
	if IsHosted(dsn) {
		db, err = openHosted(ctx, dsn, opts.AuthToken)
	} else {
		db, err = openFile(ctx, dsn)
	}
	if err != nil {
		return nil, err
	}

	if !opts.SkipSchema {
		if err := db.InitSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func openFile(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// busy_timeout goes in the DSN so every pooled connection gets it.
	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p.stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return &DB{conn: conn, dsn: path}, nil
}

func openHosted(ctx context.Context, url, token string) (*DB, error) {
	dsn := url
	if token != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		dsn = url + sep + "authToken=" + token
	}

	conn, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open hosted database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reach hosted database: %w: %w", remote.ErrUnavailable, err)
	}
	return &DB{conn: conn, dsn: url, hosted: true}, nil
}

// Path returns the database file path, or the URL of a hosted database.
func (db *DB) Path() string {
	return db.dsn
}

// Hosted reports whether db is a hosted Turso database.
func (db *DB) Hosted() bool {
	return db.hosted
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection. Local files get a WAL checkpoint
// first so the main file is complete.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if !db.hosted {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the todosync tables if they don't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		due_date TEXT,
		created_at TEXT NOT NULL,
		user_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS labels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		color TEXT NOT NULL,
		user_id TEXT NOT NULL
	);

	-- No foreign keys: rows are mirrored best-effort and may arrive in any order
	CREATE TABLE IF NOT EXISTS task_labels (
		task_id TEXT NOT NULL,
		label_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (task_id, label_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_labels_user ON labels(user_id);
	CREATE INDEX IF NOT EXISTS idx_task_labels_user ON task_labels(user_id);
	CREATE INDEX IF NOT EXISTS idx_task_labels_label ON task_labels(label_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Table implements remote.Store.
func (db *DB) Table(name string) (remote.Table, error) {
	def, err := remote.Definition(name)
	if err != nil {
		return nil, err
	}
	return &table{db: db, def: def}, nil
}

// Counts returns the number of rows in every todosync table.
func (db *DB) Counts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	for _, def := range remote.Definitions() {
		var n int
		// def.Name comes from the fixed table list
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+def.Name).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", def.Name, err)
		}
		out[def.Name] = n
	}
	return out, nil
}

type table struct {
	db  *DB
	def remote.TableDef
}

func (t *table) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &remote.TableError{Table: t.def.Name, Op: op, Err: err}
}

func (t *table) Select(ctx context.Context, q remote.Query) ([]remote.Row, error) {
	if err := t.def.CheckQuery(q); err != nil {
		return nil, err
	}

	cols := t.def.ColumnNames()
	where, args := whereClause(q.Where)

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s%s", strings.Join(cols, ", "), t.def.Name, where)
	if len(q.OrderBy) > 0 {
		parts := make([]string, len(q.OrderBy))
		for i, o := range q.OrderBy {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts[i] = o.Column + " " + dir
		}
		sb.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}

	rows, err := t.db.conn.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, t.wrap("select", err)
	}
	defer rows.Close()

	var out []remote.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, t.wrap("select", fmt.Errorf("failed to scan row: %w", err))
		}
		row := make(remote.Row, len(cols))
		for i, c := range t.def.Columns {
			row[c.Name] = fromSQL(c.Kind, vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, t.wrap("select", err)
	}
	return out, nil
}

func (t *table) Insert(ctx context.Context, rows ...remote.Row) error {
	return t.write(ctx, "insert", rows, false)
}

func (t *table) Upsert(ctx context.Context, rows ...remote.Row) error {
	return t.write(ctx, "upsert", rows, true)
}

// write inserts rows in a single transaction. With upsert set, key
// conflicts overwrite the existing row.
func (t *table) write(ctx context.Context, op string, rows []remote.Row, upsert bool) error {
	if len(rows) == 0 {
		return nil
	}
	for _, row := range rows {
		if err := t.def.CheckRow(row, true); err != nil {
			return err
		}
	}

	cols := t.def.ColumnNames()
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.def.Name, strings.Join(cols, ", "), marks)
	if upsert {
		var sets []string
		for _, c := range cols {
			if !isKey(t.def, c) {
				sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
			}
		}
		query += fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", strings.Join(t.def.Key, ", "), strings.Join(sets, ", "))
	}

	tx, err := t.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return t.wrap(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return t.wrap(op, fmt.Errorf("failed to prepare statement: %w", err))
	}
	defer stmt.Close()

	for _, row := range rows {
		args := make([]any, len(cols))
		for i, c := range t.def.Columns {
			args[i] = toSQL(row[c.Name])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return t.wrap(op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return t.wrap(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (t *table) Update(ctx context.Context, id string, patch remote.Row) error {
	if err := t.def.CheckRow(patch, false); err != nil {
		return err
	}
	if _, ok := t.def.Column("id"); !ok {
		return t.wrap("update", fmt.Errorf("table has no id column"))
	}

	var (
		sets []string
		args []any
	)
	for _, col := range patch.Columns() {
		if col == "id" {
			continue
		}
		sets = append(sets, col+" = ?")
		args = append(args, toSQL(patch[col]))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", t.def.Name, strings.Join(sets, ", "))
	if _, err := t.db.conn.ExecContext(ctx, query, args...); err != nil {
		return t.wrap("update", err)
	}
	return nil
}

func (t *table) Delete(ctx context.Context, f remote.Filter) error {
	if err := t.def.CheckFilter(f); err != nil {
		return err
	}
	where, args := whereClause(f)
	if _, err := t.db.conn.ExecContext(ctx, "DELETE FROM "+t.def.Name+where, args...); err != nil {
		return t.wrap("delete", err)
	}
	return nil
}

// whereClause renders f as " WHERE ..." with bound arguments. Columns are
// emitted in sorted order so statements are stable.
func whereClause(f remote.Filter) (string, []any) {
	if len(f) == 0 {
		return "", nil
	}
	var (
		conds []string
		args  []any
	)
	for _, col := range f.Columns() {
		switch v := f[col].(type) {
		case []string:
			if len(v) == 0 {
				conds = append(conds, "0 = 1")
				continue
			}
			conds = append(conds, fmt.Sprintf("%s IN (%s)", col, strings.TrimSuffix(strings.Repeat("?, ", len(v)), ", ")))
			for _, s := range v {
				args = append(args, s)
			}
		case nil:
			conds = append(conds, col+" IS NULL")
		default:
			conds = append(conds, col+" = ?")
			args = append(args, toSQL(v))
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func isKey(def remote.TableDef, col string) bool {
	for _, k := range def.Key {
		if k == col {
			return true
		}
	}
	return false
}

// toSQL converts a row value to a driver argument. Booleans are stored as
// 0/1 so both drivers agree on the encoding.
func toSQL(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(x)
	default:
		return v
	}
}

// fromSQL converts a scanned value back to the row representation for kind.
func fromSQL(kind remote.ColumnKind, v any) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch kind {
	case remote.KindBool:
		switch x := v.(type) {
		case int64:
			return x != 0
		case bool:
			return x
		default:
			return false
		}
	case remote.KindInt:
		switch x := v.(type) {
		case int64:
			return x
		case float64:
			return int64(x)
		default:
			return int64(0)
		}
	case remote.KindNullText:
		if v == nil {
			return nil
		}
		s, _ := v.(string)
		return s
	default:
		s, _ := v.(string)
		return s
	}
}
