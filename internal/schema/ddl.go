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
	"fmt"
	"strings"
)

// Column describes one generated scalar column.
type Column struct {
	// Name is the column name (flattened with "_" for nested objects).
	Name string

	// Path is the dotted path relative to the owning table's root object.
	Path string

	// SQLType is TEXT, INTEGER or REAL.
	SQLType string

	// NotNull marks the column NOT NULL.
	NotNull bool

	// Enum lists allowed values, rendered as a CHECK constraint.
	Enum []string

	// Schema is the scalar schema backing the column.
	Schema *Schema
}

// Table describes one generated table: the root object table or a child
// table backing an array.
type Table struct {
	// Name is the table name.
	Name string

	// Parent is the owning table, nil for the root.
	Parent *Table

	// Path is the dotted path of the array this table backs, relative to the
	// root object. Empty for the root table.
	Path string

	// ScalarItems is true when the table backs an array of scalars and holds
	// a single "value" column.
	ScalarItems bool

	// ItemSchema is the array element schema for child tables.
	ItemSchema *Schema

	// Columns holds the scalar columns (flattened) for this table's row object.
	Columns []Column

	// Children holds child tables for arrays nested under this table's object.
	Children []*Table
}

// Model is the generated relational mapping for one root object schema.
// It resolves dotted paths to columns or child tables and renders DDL.
type Model struct {
	root   *Table
	schema *Schema

	// tables indexes child tables by array path; columns indexes scalar
	// columns of the root table by dotted path. Child-table columns are
	// addressed through their table, not here.
	tables  map[string]*Table
	columns map[string]*Column
}

// Options controls model generation.
type Options struct {
	// RequireNotNull renders NOT NULL for required scalar properties.
	// Enable only for tables populated by whole-row inserts (input section,
	// branch outputs); incrementally-written sections must stay nullable.
	RequireNotNull bool
}

// Generate builds the relational model for a root object schema.
// tableName is the root table name; child tables derive from it.
func Generate(tableName string, s *Schema, opts Options) (*Model, error) {
	if s.Type != TypeObject {
		return nil, fmt.Errorf("root schema for table %s must be an object, got %s", tableName, s.Type)
	}

	m := &Model{
		root:    &Table{Name: tableName},
		schema:  s,
		tables:  make(map[string]*Table),
		columns: make(map[string]*Column),
	}

	if err := m.buildObject(m.root, s, "", opts, true); err != nil {
		return nil, err
	}

	for i := range m.root.Columns {
		col := &m.root.Columns[i]
		m.columns[col.Path] = col
	}

	return m, nil
}

// buildObject flattens an object schema into columns on t and creates child
// tables for arrays. prefix is the dotted path down to this object.
func (m *Model) buildObject(t *Table, s *Schema, prefix string, opts Options, parentRequired bool) error {
	for _, name := range s.PropertyNames() {
		if err := checkIdent(name); err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}

		prop := s.Properties[name]
		path := joinPath(prefix, name)
		required := parentRequired && s.IsRequired(name)

		switch {
		case prop.IsScalar():
			t.Columns = append(t.Columns, Column{
				Name:    flatten(path),
				Path:    path,
				SQLType: sqlType(prop.Type),
				NotNull: opts.RequireNotNull && required,
				Enum:    prop.Enum,
				Schema:  prop,
			})
		case prop.Type == TypeObject:
			if err := m.buildObject(t, prop, path, opts, required); err != nil {
				return err
			}
		case prop.Type == TypeArray:
			child, err := m.buildArray(t, prop, path, opts)
			if err != nil {
				return err
			}
			t.Children = append(t.Children, child)
		}
	}
	return nil
}

// buildArray creates a child table for the array at path, recursing for
// nested arrays inside array-of-object elements.
func (m *Model) buildArray(parent *Table, s *Schema, path string, opts Options) (*Table, error) {
	child := &Table{
		Name:       parent.Name + "_" + flatten(relPath(parent.Path, path)),
		Parent:     parent,
		Path:       path,
		ItemSchema: s.Items,
	}

	switch {
	case s.Items.IsScalar():
		child.ScalarItems = true
		child.Columns = []Column{{
			Name:    "value",
			Path:    "",
			SQLType: sqlType(s.Items.Type),
			NotNull: true,
			Enum:    s.Items.Enum,
			Schema:  s.Items,
		}}
	case s.Items.Type == TypeObject:
		if err := m.buildItemObject(child, s.Items, "", opts); err != nil {
			return nil, err
		}
	case s.Items.Type == TypeArray:
		return nil, fmt.Errorf("table %s: arrays of arrays at %s are not supported; wrap elements in an object", parent.Name, path)
	}

	m.tables[path] = child
	return child, nil
}

// buildItemObject flattens an array element object into columns on the child
// table. Nested arrays get their own child tables keyed by the full path.
func (m *Model) buildItemObject(t *Table, s *Schema, prefix string, opts Options) error {
	for _, name := range s.PropertyNames() {
		if err := checkIdent(name); err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}

		prop := s.Properties[name]
		itemPath := joinPath(prefix, name)

		switch {
		case prop.IsScalar():
			t.Columns = append(t.Columns, Column{
				Name:    flatten(itemPath),
				Path:    itemPath,
				SQLType: sqlType(prop.Type),
				NotNull: opts.RequireNotNull && s.IsRequired(name),
				Enum:    prop.Enum,
				Schema:  prop,
			})
		case prop.Type == TypeObject:
			if err := m.buildItemObject(t, prop, itemPath, opts); err != nil {
				return err
			}
		case prop.Type == TypeArray:
			nested, err := m.buildArray(t, prop, joinPath(t.Path, itemPath), opts)
			if err != nil {
				return err
			}
			t.Children = append(t.Children, nested)
		}
	}
	return nil
}

// DDL renders CREATE TABLE statements, root table first, then child tables
// in depth-first order so foreign keys always reference existing tables.
func (m *Model) DDL() []string {
	var stmts []string
	m.appendDDL(&stmts, m.root)
	return stmts
}

// DropDDL renders DROP TABLE statements in reverse dependency order.
func (m *Model) DropDDL() []string {
	var creates []string
	m.appendDDL(&creates, m.root)

	var drops []string
	m.collectDrops(&drops, m.root)
	return drops
}

func (m *Model) collectDrops(drops *[]string, t *Table) {
	for _, child := range t.Children {
		m.collectDrops(drops, child)
	}
	*drops = append(*drops, fmt.Sprintf("DROP TABLE IF EXISTS %s", quote(t.Name)))
}

func (m *Model) appendDDL(stmts *[]string, t *Table) {
	var cols []string

	if t.Parent == nil {
		// Single-row root table; the CHECK pins the row id so every statement
		// can address the row without carrying a key around.
		cols = append(cols, "id INTEGER PRIMARY KEY CHECK (id = 1)")
	} else {
		cols = append(cols,
			"id INTEGER PRIMARY KEY AUTOINCREMENT",
			fmt.Sprintf("parent_id INTEGER NOT NULL REFERENCES %s(id) ON DELETE CASCADE", quote(t.Parent.Name)),
			"idx INTEGER NOT NULL",
		)
	}

	for _, c := range t.Columns {
		cols = append(cols, columnDDL(c))
	}

	if t.Parent != nil {
		cols = append(cols, "UNIQUE (parent_id, idx)")
	}

	*stmts = append(*stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(t.Name), strings.Join(cols, ",\n\t")))

	for _, child := range t.Children {
		m.appendDDL(stmts, child)
	}
}

func columnDDL(c Column) string {
	def := fmt.Sprintf("%s %s", quote(c.Name), c.SQLType)
	if c.NotNull {
		def += " NOT NULL"
	}
	if len(c.Enum) > 0 {
		vals := make([]string, len(c.Enum))
		for i, v := range c.Enum {
			vals[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		}
		def += fmt.Sprintf(" CHECK (%s IN (%s))", quote(c.Name), strings.Join(vals, ", "))
	}
	return def
}

// Root returns the root table.
func (m *Model) Root() *Table {
	return m.root
}

// Schema returns the root object schema the model was generated from.
func (m *Model) Schema() *Schema {
	return m.schema
}

// sqlType maps a JSONSchema scalar type to its SQLite column type.
// Booleans are stored as INTEGER 0/1.
func sqlType(t string) string {
	switch t {
	case TypeString:
		return "TEXT"
	case TypeInteger, TypeBoolean:
		return "INTEGER"
	case TypeNumber:
		return "REAL"
	}
	return "TEXT"
}

func flatten(path string) string {
	return strings.ReplaceAll(path, ".", "_")
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// relPath strips the owning table's array path prefix so child table names
// stay rooted at their parent.
func relPath(parentPath, path string) string {
	if parentPath == "" {
		return path
	}
	return strings.TrimPrefix(path, parentPath+".")
}

func quote(ident string) string {
	return `"` + ident + `"`
}
