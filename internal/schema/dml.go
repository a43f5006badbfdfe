// Copyright 2025 Ron Keiser
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	wondererr "github.com/ronkeiser/wonder/pkg/errors"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx.
// All model operations accept it so callers control transaction scope.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rootRowID is the fixed id of the singleton root row.
const rootRowID = 1

// CreateTables executes the model's DDL.
func (m *Model) CreateTables(ctx context.Context, db DBTX) error {
	for _, stmt := range m.DDL() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating table for %s: %w", m.root.Name, err)
		}
	}
	return nil
}

// DropTables drops every table of the model, children first.
func (m *Model) DropTables(ctx context.Context, db DBTX) error {
	for _, stmt := range m.DropDDL() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("dropping table for %s: %w", m.root.Name, err)
		}
	}
	return nil
}

// EnsureRow inserts the singleton root row if it does not exist yet.
// Sections written incrementally (state, output) start from an empty row.
func (m *Model) EnsureRow(ctx context.Context, db DBTX) error {
	query := fmt.Sprintf("INSERT OR IGNORE INTO %s (id) VALUES (?)", quote(m.root.Name))
	if _, err := db.ExecContext(ctx, query, rootRowID); err != nil {
		return fmt.Errorf("ensuring row in %s: %w", m.root.Name, err)
	}
	return nil
}

// InsertDocument validates doc against the model's schema and writes the
// whole value tree: the root row plus child-table rows for every array.
func (m *Model) InsertDocument(ctx context.Context, db DBTX, doc map[string]any) error {
	if err := Validate(m.schema, doc, "$"); err != nil {
		return err
	}

	cols := []string{"id"}
	args := []any{rootRowID}
	for _, c := range m.root.Columns {
		v, ok := valueAtPath(doc, c.Path)
		if !ok {
			args = append(args, nil)
		} else {
			args = append(args, toDBValue(c.Schema, v))
		}
		cols = append(cols, quote(c.Name))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(m.root.Name), strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting into %s: %w", m.root.Name, err)
	}

	for _, child := range m.root.Children {
		v, ok := valueAtPath(doc, child.Path)
		if !ok {
			continue
		}
		arr, ok := v.([]any)
		if !ok {
			return &wondererr.ValidationError{Path: child.Path, Message: fmt.Sprintf("expected array, got %T", v)}
		}
		if err := m.insertArrayRows(ctx, db, child, rootRowID, arr); err != nil {
			return err
		}
	}

	return nil
}

// insertArrayRows writes one row per element, recursing into nested arrays.
func (m *Model) insertArrayRows(ctx context.Context, db DBTX, t *Table, parentID int64, arr []any) error {
	for idx, elem := range arr {
		cols := []string{"parent_id", "idx"}
		args := []any{parentID, idx}

		if t.ScalarItems {
			cols = append(cols, "value")
			args = append(args, toDBValue(t.ItemSchema, elem))
		} else {
			obj, ok := elem.(map[string]any)
			if !ok {
				return &wondererr.ValidationError{Path: t.Path, Message: fmt.Sprintf("expected object element, got %T", elem)}
			}
			for _, c := range t.Columns {
				v, ok := valueAtPath(obj, c.Path)
				if !ok {
					args = append(args, nil)
				} else {
					args = append(args, toDBValue(c.Schema, v))
				}
				cols = append(cols, quote(c.Name))
			}
		}

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quote(t.Name), strings.Join(cols, ", "), placeholders(len(cols)))
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("inserting into %s: %w", t.Name, err)
		}

		if len(t.Children) > 0 {
			rowID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("reading row id from %s: %w", t.Name, err)
			}
			obj := elem.(map[string]any)
			for _, nested := range t.Children {
				rel := relPath(t.Path, nested.Path)
				v, ok := valueAtPath(obj, rel)
				if !ok {
					continue
				}
				nestedArr, ok := v.([]any)
				if !ok {
					return &wondererr.ValidationError{Path: nested.Path, Message: fmt.Sprintf("expected array, got %T", v)}
				}
				if err := m.insertArrayRows(ctx, db, nested, rowID, nestedArr); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Set validates and writes value at path. Supported targets: a scalar column,
// a whole nested object, or a whole array directly under the root object.
// Array assignment replaces the child table contents for that path.
func (m *Model) Set(ctx context.Context, db DBTX, path string, value any) error {
	if col, ok := m.columns[path]; ok {
		if err := Validate(col.Schema, value, path); err != nil {
			return err
		}
		if err := m.EnsureRow(ctx, db); err != nil {
			return err
		}
		query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE id = ?", quote(m.root.Name), quote(col.Name))
		if _, err := db.ExecContext(ctx, query, toDBValue(col.Schema, value), rootRowID); err != nil {
			return fmt.Errorf("updating %s.%s: %w", m.root.Name, col.Name, err)
		}
		return nil
	}

	if t, ok := m.tables[path]; ok {
		if t.Parent != m.root {
			return fmt.Errorf("path %s addresses an array nested inside another array; set the outer array instead", path)
		}
		arrSchema := &Schema{Type: TypeArray, Items: t.ItemSchema}
		if err := Validate(arrSchema, value, path); err != nil {
			return err
		}
		arr, _ := value.([]any)
		if err := m.EnsureRow(ctx, db); err != nil {
			return err
		}
		// Replace contents atomically within the caller's transaction.
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE parent_id = ?", quote(t.Name)), rootRowID); err != nil {
			return fmt.Errorf("clearing %s: %w", t.Name, err)
		}
		return m.insertArrayRows(ctx, db, t, rootRowID, arr)
	}

	if sub := m.schemaAt(path); sub != nil && sub.Type == TypeObject {
		obj, ok := value.(map[string]any)
		if !ok {
			return &wondererr.ValidationError{Path: path, Message: fmt.Sprintf("expected object, got %T", value)}
		}
		if err := Validate(sub, obj, path); err != nil {
			return err
		}
		for _, name := range sub.PropertyNames() {
			v, present := obj[name]
			if !present {
				continue
			}
			if err := m.Set(ctx, db, path+"."+name, v); err != nil {
				return err
			}
		}
		return nil
	}

	return &wondererr.NotFoundError{Resource: "path", ID: path}
}

// Get reads the value at path, reconstructing nested objects and arrays.
// Returns nil when the path holds no value.
func (m *Model) Get(ctx context.Context, db DBTX, path string) (any, error) {
	if path == "" {
		doc, err := m.ReadDocument(ctx, db)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, nil
		}
		return doc, nil
	}

	if col, ok := m.columns[path]; ok {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", quote(col.Name), quote(m.root.Name))
		var raw any
		err := db.QueryRowContext(ctx, query, rootRowID).Scan(&raw)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s.%s: %w", m.root.Name, col.Name, err)
		}
		return fromDBValue(col.Schema, raw), nil
	}

	if t, ok := m.tables[path]; ok {
		if t.Parent != m.root {
			return nil, fmt.Errorf("path %s addresses an array nested inside another array; read the outer array instead", path)
		}
		return m.readArray(ctx, db, t, rootRowID)
	}

	if sub := m.schemaAt(path); sub != nil && sub.Type == TypeObject {
		return m.readObject(ctx, db, path, sub)
	}

	return nil, &wondererr.NotFoundError{Resource: "path", ID: path}
}

// ReadDocument reconstructs the whole root object, or nil when the root row
// has not been inserted.
func (m *Model) ReadDocument(ctx context.Context, db DBTX) (map[string]any, error) {
	row, err := m.readRootRow(ctx, db)
	if err != nil || row == nil {
		return nil, err
	}

	doc := make(map[string]any)
	for i, c := range m.root.Columns {
		if row[i] == nil {
			continue
		}
		setAtPath(doc, c.Path, fromDBValue(c.Schema, row[i]))
	}

	for _, child := range m.root.Children {
		arr, err := m.readArray(ctx, db, child, rootRowID)
		if err != nil {
			return nil, err
		}
		if len(arr) > 0 {
			setAtPath(doc, child.Path, arr)
		}
	}

	return doc, nil
}

// readRootRow returns the scalar column values in Column order, or nil when
// the row does not exist.
func (m *Model) readRootRow(ctx context.Context, db DBTX) ([]any, error) {
	cols := make([]string, len(m.root.Columns))
	for i, c := range m.root.Columns {
		cols[i] = quote(c.Name)
	}
	if len(cols) == 0 {
		cols = []string{"id"}
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(cols, ", "), quote(m.root.Name))
	rows, err := db.QueryContext(ctx, query, rootRowID)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", m.root.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", m.root.Name, err)
	}
	if len(m.root.Columns) == 0 {
		return []any{}, nil
	}
	return vals, nil
}

// readObject reconstructs the nested object rooted at prefix.
func (m *Model) readObject(ctx context.Context, db DBTX, prefix string, sub *Schema) (any, error) {
	row, err := m.readRootRow(ctx, db)
	if err != nil || row == nil {
		return nil, err
	}

	obj := make(map[string]any)
	found := false
	for i, c := range m.root.Columns {
		if !strings.HasPrefix(c.Path, prefix+".") || row[i] == nil {
			continue
		}
		setAtPath(obj, strings.TrimPrefix(c.Path, prefix+"."), fromDBValue(c.Schema, row[i]))
		found = true
	}

	for _, child := range m.root.Children {
		if !strings.HasPrefix(child.Path, prefix+".") {
			continue
		}
		arr, err := m.readArray(ctx, db, child, rootRowID)
		if err != nil {
			return nil, err
		}
		if len(arr) > 0 {
			setAtPath(obj, strings.TrimPrefix(child.Path, prefix+"."), arr)
			found = true
		}
	}

	if !found {
		return nil, nil
	}
	return obj, nil
}

// readArray reads the child rows for parentID in index order, recursing into
// nested arrays.
func (m *Model) readArray(ctx context.Context, db DBTX, t *Table, parentID int64) ([]any, error) {
	cols := []string{"id"}
	for _, c := range t.Columns {
		cols = append(cols, quote(c.Name))
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE parent_id = ? ORDER BY idx ASC",
		strings.Join(cols, ", "), quote(t.Name))
	rows, err := db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", t.Name, err)
	}
	defer rows.Close()

	type rowData struct {
		id   int64
		vals []any
	}
	var data []rowData
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", t.Name, err)
		}
		id, _ := vals[0].(int64)
		data = append(data, rowData{id: id, vals: vals[1:]})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", t.Name, err)
	}

	result := make([]any, 0, len(data))
	for _, rd := range data {
		if t.ScalarItems {
			result = append(result, fromDBValue(t.ItemSchema, rd.vals[0]))
			continue
		}

		item := make(map[string]any)
		for i, c := range t.Columns {
			if rd.vals[i] == nil {
				continue
			}
			setAtPath(item, c.Path, fromDBValue(c.Schema, rd.vals[i]))
		}
		for _, nested := range t.Children {
			arr, err := m.readArray(ctx, db, nested, rd.id)
			if err != nil {
				return nil, err
			}
			if len(arr) > 0 {
				setAtPath(item, relPath(t.Path, nested.Path), arr)
			}
		}
		result = append(result, item)
	}

	return result, nil
}

// schemaAt walks the schema tree along a dotted path. Returns nil when the
// path does not resolve or crosses an array boundary.
func (m *Model) schemaAt(path string) *Schema {
	cur := m.schema
	for _, seg := range strings.Split(path, ".") {
		if cur.Type != TypeObject {
			return nil
		}
		next, ok := cur.Properties[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// HasPath reports whether the dotted path resolves to a column, array or
// nested object in this model.
func (m *Model) HasPath(path string) bool {
	if _, ok := m.columns[path]; ok {
		return true
	}
	if _, ok := m.tables[path]; ok {
		return true
	}
	sub := m.schemaAt(path)
	return sub != nil && sub.Type == TypeObject
}

// SchemaAt exposes the schema node at a dotted path, nil when unresolvable.
func (m *Model) SchemaAt(path string) *Schema {
	return m.schemaAt(path)
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// valueAtPath walks a nested map along a dotted path.
func valueAtPath(obj map[string]any, path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any = obj
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setAtPath writes value into a nested map, creating intermediate maps.
func setAtPath(obj map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	cur := obj
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// toDBValue converts a validated value to its SQLite representation.
func toDBValue(s *Schema, v any) any {
	if v == nil {
		return nil
	}
	switch s.Type {
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	case TypeInteger:
		switch n := v.(type) {
		case int:
			return int64(n)
		case int64:
			return n
		case float64:
			// JSON numbers arrive as float64.
			return int64(n)
		}
	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case int64:
			return float64(n)
		}
	}
	return v
}

// fromDBValue converts a scanned SQLite value back to its logical form.
func fromDBValue(s *Schema, v any) any {
	if v == nil {
		return nil
	}
	switch s.Type {
	case TypeBoolean:
		if n, ok := v.(int64); ok {
			return n != 0
		}
	case TypeNumber:
		if n, ok := v.(int64); ok {
			return float64(n)
		}
	case TypeString:
		if b, ok := v.([]byte); ok {
			return string(b)
		}
	}
	return v
}
