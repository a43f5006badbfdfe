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

// Package runctx manages the run's shared context document: the input,
// state and output sections, each backed by a generated relational model
// in the per-run store. Input is written once at initialization and is
// immutable afterwards; state and output accept incremental field writes.
package runctx

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ronkeiser/wonder/internal/schema"
	wondererr "github.com/ronkeiser/wonder/pkg/errors"
)

// Section names the three context sections.
type Section string

const (
	// SectionInput holds the run's initial input, immutable after Initialize.
	SectionInput Section = "input"
	// SectionState holds intermediate values written during execution.
	SectionState Section = "state"
	// SectionOutput holds the run's final output document.
	SectionOutput Section = "output"
)

// Table names for the section root tables. Child tables for arrays derive
// from these.
const (
	inputTable  = "context_input"
	stateTable  = "context_state"
	outputTable = "context_output"
)

// Schemas carries the three section schemas from the workflow definition.
// RawInput, when set, is the input section's original JSONSchema document;
// it is compiled with a full JSONSchema validator so initialization rejects
// anything the declared schema rejects, not just what the relational
// mapping can represent.
type Schemas struct {
	Input  *schema.Schema
	State  *schema.Schema
	Output *schema.Schema

	RawInput []byte
}

// Manager owns the three section models for one run.
type Manager struct {
	input  *schema.Model
	state  *schema.Model
	output *schema.Model

	inputValidator *jsonschema.Schema
	initialized    bool
}

// New builds section models from the workflow's declared schemas.
func New(schemas Schemas) (*Manager, error) {
	// Input rows are written whole at initialization, so required
	// properties can be enforced at the column level. State and output
	// grow incrementally and must stay nullable.
	input, err := schema.Generate(inputTable, schemas.Input, schema.Options{RequireNotNull: true})
	if err != nil {
		return nil, fmt.Errorf("generating input model: %w", err)
	}
	state, err := schema.Generate(stateTable, schemas.State, schema.Options{})
	if err != nil {
		return nil, fmt.Errorf("generating state model: %w", err)
	}
	output, err := schema.Generate(outputTable, schemas.Output, schema.Options{})
	if err != nil {
		return nil, fmt.Errorf("generating output model: %w", err)
	}

	m := &Manager{input: input, state: state, output: output}

	if len(schemas.RawInput) > 0 {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemas.RawInput))
		if err != nil {
			return nil, fmt.Errorf("parsing input schema: %w", err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("input.json", doc); err != nil {
			return nil, fmt.Errorf("registering input schema: %w", err)
		}
		compiled, err := c.Compile("input.json")
		if err != nil {
			return nil, fmt.Errorf("compiling input schema: %w", err)
		}
		m.inputValidator = compiled
	}

	return m, nil
}

// Initialize creates the section tables, validates input against the
// declared schema and writes it. State and output start as empty rows.
func (m *Manager) Initialize(ctx context.Context, db schema.DBTX, input map[string]any) error {
	if m.inputValidator != nil {
		if err := m.inputValidator.Validate(toValidatable(input)); err != nil {
			return &wondererr.ValidationError{Path: "$.input", Message: err.Error()}
		}
	}

	for _, model := range []*schema.Model{m.input, m.state, m.output} {
		if err := model.CreateTables(ctx, db); err != nil {
			return err
		}
	}

	if err := m.input.InsertDocument(ctx, db, input); err != nil {
		return err
	}
	if err := m.state.EnsureRow(ctx, db); err != nil {
		return err
	}
	if err := m.output.EnsureRow(ctx, db); err != nil {
		return err
	}

	m.initialized = true
	return nil
}

// Get reads the value at a section-qualified dotted path such as
// "state.counter" or "input.order.items". Returns nil when the path holds
// no value yet.
func (m *Manager) Get(ctx context.Context, db schema.DBTX, path string) (any, error) {
	section, rest, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	model, err := m.model(section)
	if err != nil {
		return nil, err
	}
	return model.Get(ctx, db, rest)
}

// GetSection reads one whole section as a document. Empty sections come
// back as an empty map, not nil.
func (m *Manager) GetSection(ctx context.Context, db schema.DBTX, section Section) (map[string]any, error) {
	model, err := m.model(section)
	if err != nil {
		return nil, err
	}
	doc, err := model.ReadDocument(ctx, db)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}

// SetField validates and writes value at a section-qualified path. Writes
// to the input section are rejected once the run is initialized.
func (m *Manager) SetField(ctx context.Context, db schema.DBTX, path string, value any) error {
	section, rest, err := splitPath(path)
	if err != nil {
		return err
	}
	if section == SectionInput && m.initialized {
		return &wondererr.ValidationError{Path: path, Message: "input section is immutable after initialization"}
	}
	model, err := m.model(section)
	if err != nil {
		return err
	}
	return model.Set(ctx, db, rest, value)
}

// ReplaceSection overwrites a whole section document. Input cannot be
// replaced once initialized.
func (m *Manager) ReplaceSection(ctx context.Context, db schema.DBTX, section Section, doc map[string]any) error {
	if section == SectionInput && m.initialized {
		return &wondererr.ValidationError{Path: string(section), Message: "input section is immutable after initialization"}
	}
	model, err := m.model(section)
	if err != nil {
		return err
	}
	if err := model.DropTables(ctx, db); err != nil {
		return err
	}
	if err := model.CreateTables(ctx, db); err != nil {
		return err
	}
	return model.InsertDocument(ctx, db, doc)
}

// Snapshot reads all three sections into one document keyed by section
// name. The maps are freshly built from the store, so callers (planners)
// can hold them without observing later writes.
func (m *Manager) Snapshot(ctx context.Context, db schema.DBTX) (map[string]any, error) {
	snap := make(map[string]any, 3)
	for _, section := range []Section{SectionInput, SectionState, SectionOutput} {
		doc, err := m.GetSection(ctx, db, section)
		if err != nil {
			return nil, fmt.Errorf("snapshotting %s: %w", section, err)
		}
		snap[string(section)] = doc
	}
	return snap, nil
}

// HasPath reports whether a section-qualified path resolves in its
// section's model.
func (m *Manager) HasPath(path string) bool {
	section, rest, err := splitPath(path)
	if err != nil {
		return false
	}
	model, err := m.model(section)
	if err != nil {
		return false
	}
	if rest == "" {
		return true
	}
	return model.HasPath(rest)
}

// SchemaAt returns the schema node at a section-qualified path, nil when
// it does not resolve.
func (m *Manager) SchemaAt(path string) *schema.Schema {
	section, rest, err := splitPath(path)
	if err != nil {
		return nil
	}
	model, err := m.model(section)
	if err != nil {
		return nil
	}
	if rest == "" {
		return model.Schema()
	}
	return model.SchemaAt(rest)
}

// ApplyOutputMapping writes task result fields into context paths. mapping
// keys are destination context paths ("state.x", "output.y"), values are
// dotted paths into the task's result document. A source path missing from
// the result is skipped; destinations in the input section fail.
func (m *Manager) ApplyOutputMapping(ctx context.Context, db schema.DBTX, mapping map[string]string, result map[string]any) error {
	// Deterministic application order.
	dests := make([]string, 0, len(mapping))
	for dest := range mapping {
		dests = append(dests, dest)
	}
	sort.Strings(dests)

	for _, dest := range dests {
		src := mapping[dest]
		v, ok := lookup(result, src)
		if !ok {
			continue
		}
		if err := m.SetField(ctx, db, dest, v); err != nil {
			return fmt.Errorf("mapping %s to %s: %w", src, dest, err)
		}
	}
	return nil
}

// MarkInitialized records that input has been written, for managers
// reconstructed on resume where Initialize is not called again.
func (m *Manager) MarkInitialized() {
	m.initialized = true
}

// InputModel exposes the input section model.
func (m *Manager) InputModel() *schema.Model { return m.input }

// StateModel exposes the state section model.
func (m *Manager) StateModel() *schema.Model { return m.state }

// OutputModel exposes the output section model.
func (m *Manager) OutputModel() *schema.Model { return m.output }

func (m *Manager) model(section Section) (*schema.Model, error) {
	switch section {
	case SectionInput:
		return m.input, nil
	case SectionState:
		return m.state, nil
	case SectionOutput:
		return m.output, nil
	}
	return nil, &wondererr.NotFoundError{Resource: "context section", ID: string(section)}
}

// splitPath separates the section prefix from the in-section path.
func splitPath(path string) (Section, string, error) {
	section, rest, _ := strings.Cut(path, ".")
	switch Section(section) {
	case SectionInput, SectionState, SectionOutput:
		return Section(section), rest, nil
	}
	return "", "", &wondererr.ValidationError{
		Path:    path,
		Message: "path must start with input., state. or output.",
	}
}

// lookup walks a nested map along a dotted path. An empty path returns the
// whole document.
func lookup(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// toValidatable normalizes Go values for the JSONSchema validator, which
// expects JSON-decoded shapes (map[string]any, []any, float64).
func toValidatable(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = toValidatable(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = toValidatable(e)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return v
}
