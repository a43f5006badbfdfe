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

// Package schema turns JSONSchema documents into relational storage: it
// parses a schema subset, generates CREATE TABLE DDL and parameterized
// read/write statements, and validates values at write time.
//
// Mapping rules:
//   - object        -> one table; scalar properties become columns
//   - nested object -> flattened columns with "_"-joined prefixes
//   - array         -> child table with (parent_id, idx, ...) and a foreign key
//   - enum          -> CHECK (col IN (...)) constraint
//   - required      -> NOT NULL (only for whole-row insert tables)
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// Type constants for the supported JSONSchema types.
const (
	TypeObject  = "object"
	TypeArray   = "array"
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// Schema is a parsed subset of JSONSchema sufficient for relational mapping:
// type, properties, required, items and enum. Unknown keywords are ignored;
// full-draft validation of raw input documents is handled separately by the
// context manager using a compiled validator.
type Schema struct {
	// Type is one of object, array, string, integer, number, boolean.
	Type string

	// Properties holds the property schemas for object types.
	Properties map[string]*Schema

	// Required lists properties that must be present on object values.
	Required []string

	// Items is the element schema for array types.
	Items *Schema

	// Enum restricts string values to a fixed set.
	Enum []string
}

// Parse parses a raw JSONSchema document into a Schema.
// Returns an error for types outside the supported subset.
func Parse(raw []byte) (*Schema, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing schema document: %w", err)
	}
	return fromDoc(doc, "$")
}

// FromValue builds a Schema from an already-unmarshaled schema document.
func FromValue(doc map[string]any) (*Schema, error) {
	return fromDoc(doc, "$")
}

func fromDoc(doc map[string]any, path string) (*Schema, error) {
	typ, ok := doc["type"].(string)
	if !ok {
		return nil, fmt.Errorf("schema at %s: missing or non-string type", path)
	}

	s := &Schema{Type: typ}

	switch typ {
	case TypeObject:
		props, _ := doc["properties"].(map[string]any)
		s.Properties = make(map[string]*Schema, len(props))
		for name, raw := range props {
			propDoc, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("schema at %s.%s: property schema must be an object", path, name)
			}
			prop, err := fromDoc(propDoc, path+"."+name)
			if err != nil {
				return nil, err
			}
			s.Properties[name] = prop
		}
		if req, ok := doc["required"].([]any); ok {
			for _, r := range req {
				name, ok := r.(string)
				if !ok {
					return nil, fmt.Errorf("schema at %s: required entries must be strings", path)
				}
				s.Required = append(s.Required, name)
			}
		}
	case TypeArray:
		itemsDoc, ok := doc["items"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("schema at %s: array requires an items schema", path)
		}
		items, err := fromDoc(itemsDoc, path+"[]")
		if err != nil {
			return nil, err
		}
		s.Items = items
	case TypeString:
		if enum, ok := doc["enum"].([]any); ok {
			for _, e := range enum {
				v, ok := e.(string)
				if !ok {
					return nil, fmt.Errorf("schema at %s: only string enums are supported", path)
				}
				s.Enum = append(s.Enum, v)
			}
		}
	case TypeInteger, TypeNumber, TypeBoolean:
		// Scalars with no extra mapping-relevant keywords.
	default:
		return nil, fmt.Errorf("schema at %s: unsupported type %q", path, typ)
	}

	return s, nil
}

// IsScalar reports whether the schema describes a scalar (non-object,
// non-array) value.
func (s *Schema) IsScalar() bool {
	switch s.Type {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean:
		return true
	}
	return false
}

// IsRequired reports whether the named property is required.
func (s *Schema) IsRequired(name string) bool {
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// PropertyNames returns the object's property names in sorted order.
// Sorting keeps generated column order deterministic across processes.
func (s *Schema) PropertyNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// checkIdent rejects property names that cannot be used in generated
// identifiers. Generated SQL quotes identifiers, but restricting the alphabet
// keeps dotted-path addressing unambiguous.
func checkIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("property name %q is not a valid identifier", name)
	}
	return nil
}
